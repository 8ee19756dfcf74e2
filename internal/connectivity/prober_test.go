package connectivity

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestHTTPProber(t *testing.T) {
	// Any response proves reachability, 5xx included.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	p := NewHTTPProber(srv.URL)

	if err := p.Probe(context.Background()); err != nil {
		t.Errorf("Probe() against responding server = %v, want nil", err)
	}

	srv.Close()
	if err := p.Probe(context.Background()); err == nil {
		t.Error("Probe() against closed server = nil, want error")
	}
}

func TestGRPCProber(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	p := NewGRPCProber(conn, "")
	if err := p.Probe(context.Background()); err != nil {
		t.Errorf("Probe() while serving = %v, want nil", err)
	}

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if err := p.Probe(context.Background()); err == nil {
		t.Error("Probe() while not serving = nil, want error")
	}
}
