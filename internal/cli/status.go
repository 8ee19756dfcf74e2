package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/outpost/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and queue state of a running relay",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	var conn domain.ConnectivityState
	if err := getJSON(adminAddr+"/connectivity", &conn); err != nil {
		slog.Error("Failed to reach relay", "addr", adminAddr, "error", err)
		os.Exit(1)
	}

	var q struct {
		Size       int                 `json:"size"`
		Degraded   bool                `json:"degraded"`
		Operations []*domain.Operation `json:"operations"`
	}
	if err := getJSON(adminAddr+"/queue", &q); err != nil {
		slog.Error("Failed to read queue", "error", err)
		os.Exit(1)
	}

	fmt.Printf("online: %v  quality: %s  failures: %d\n", conn.Online, conn.Quality, conn.ConsecutiveFailures)
	if conn.LastError != "" {
		fmt.Printf("last error: %s\n", conn.LastError)
	}
	fmt.Printf("queued: %d  durable: %v\n\n", q.Size, !q.Degraded)

	if len(q.Operations) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tVERB\tTARGET\tCREATED")
	for _, op := range q.Operations {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", op.ID, op.Verb, op.Target, op.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func getJSON(url string, v any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}
