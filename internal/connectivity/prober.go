package connectivity

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Prober answers one question: can the upstream be reached right now.
// A nil return means yes.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber checks reachability with a HEAD request. Any response,
// including 5xx, proves the network path works; the classifier deals
// with application-level failures separately.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Client: http.DefaultClient}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	resp.Body.Close()
	return nil
}

// GRPCProber checks a gRPC backend via the standard health service.
type GRPCProber struct {
	Conn    *grpc.ClientConn
	Service string
}

func NewGRPCProber(conn *grpc.ClientConn, service string) *GRPCProber {
	return &GRPCProber{Conn: conn, Service: service}
}

func (p *GRPCProber) Probe(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(p.Conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: p.Service,
	})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check: upstream reports %s", resp.Status)
	}
	return nil
}
