package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay all queued operations now",
	Run:   runFlush,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Force an immediate connectivity probe (flushes on success)",
	Run:   runProbe,
}

func init() {
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(probeCmd)
}

func runFlush(cmd *cobra.Command, args []string) {
	resp, err := http.Post(adminAddr+"/queue/flush", "application/json", nil)
	if err != nil {
		slog.Error("Failed to reach relay", "addr", adminAddr, "error", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		fmt.Println("a flush is already in progress")
		return
	}

	var out struct {
		Applied   int    `json:"applied"`
		Remaining int    `json:"remaining"`
		Stopped   string `json:"stopped"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		slog.Error("Failed to decode response", "error", err)
		os.Exit(1)
	}
	fmt.Printf("applied: %d  remaining: %d\n", out.Applied, out.Remaining)
	if out.Stopped != "" {
		fmt.Printf("stopped early: %s\n", out.Stopped)
	}
}

func runProbe(cmd *cobra.Command, args []string) {
	resp, err := http.Post(adminAddr+"/connectivity/probe", "application/json", nil)
	if err != nil {
		slog.Error("Failed to reach relay", "addr", adminAddr, "error", err)
		os.Exit(1)
	}
	resp.Body.Close()
	fmt.Println("probe scheduled")
}
