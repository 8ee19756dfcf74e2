package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/outpost/internal/core/config"
	"github.com/vietddude/outpost/internal/core/domain"
)

// upstreamStub records replayed operations and answers per-path.
type upstreamStub struct {
	mu       sync.Mutex
	requests []recordedRequest
	statuses map[string]int // path -> status, default 200
}

type recordedRequest struct {
	Path string
	Key  string
}

func (u *upstreamStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		u.mu.Lock()
		u.requests = append(u.requests, recordedRequest{
			Path: r.URL.Path,
			Key:  r.Header.Get(domain.IdempotencyHeader),
		})
		status := u.statuses[r.URL.Path]
		u.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func (u *upstreamStub) recorded() []recordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]recordedRequest(nil), u.requests...)
}

func testConfig(upstreamURL string) *config.AppConfig {
	return &config.AppConfig{
		Server:  config.ServerConfig{Port: 0},
		Storage: config.StorageConfig{Driver: "memory"},
		Upstream: config.UpstreamConfig{
			BaseURL: upstreamURL,
			Timeout: 2 * time.Second,
		},
		Retry: config.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		Connectivity: config.ConnectivityConfig{
			ProbeURL:     upstreamURL,
			Interval:     20 * time.Millisecond,
			ProbeTimeout: time.Second,
		},
	}
}

func startRelay(t *testing.T, cfg *config.AppConfig) *Relay {
	t.Helper()
	r, err := NewRelay(cfg)
	if err != nil {
		t.Fatalf("NewRelay() error = %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// deadEndpoint returns a URL nothing listens on.
func deadEndpoint(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return "http://" + addr
}

func TestSubmitOnlineAppliesDirectly(t *testing.T) {
	stub := &upstreamStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	r := startRelay(t, testConfig(srv.URL))
	waitFor(t, func() bool { return r.monitor.Online() }, "never came online")

	res, err := r.Submit(context.Background(), domain.VerbPost, "/v1/orders", []byte(`{"qty":1}`), nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Queued {
		t.Error("Queued = true while online")
	}
	if res.Response == nil || res.Response.Status != http.StatusOK {
		t.Fatalf("Response = %+v, want 200", res.Response)
	}
	if r.queue.Size() != 0 {
		t.Errorf("queue size = %d after direct apply, want 0", r.queue.Size())
	}

	reqs := stub.recorded()
	if len(reqs) != 1 || reqs[0].Key == "" {
		t.Fatalf("upstream saw %+v, want one request carrying an idempotency key", reqs)
	}
}

func TestSubmitOfflineQueues(t *testing.T) {
	r := startRelay(t, testConfig(deadEndpoint(t)))
	waitFor(t, func() bool { return !r.monitor.Online() }, "never went offline")

	headers := map[string]string{domain.IdempotencyHeader: "order-42"}
	res, err := r.Submit(context.Background(), domain.VerbPost, "/v1/orders", nil, headers)
	if err != nil {
		t.Fatalf("Submit() offline error = %v", err)
	}
	if !res.Queued {
		t.Error("Queued = false while offline")
	}
	if r.queue.Size() != 1 {
		t.Fatalf("queue size = %d, want 1", r.queue.Size())
	}

	// Re-submitting the same key is a no-op for the caller to detect.
	_, err = r.Submit(context.Background(), domain.VerbPost, "/v1/orders", nil, headers)
	if !errors.Is(err, domain.ErrDuplicateOperation) {
		t.Errorf("duplicate Submit() error = %v, want ErrDuplicateOperation", err)
	}
}

func TestFlushReplaysInOrder(t *testing.T) {
	stub := &upstreamStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	r := startRelay(t, testConfig(srv.URL))
	ctx := context.Background()
	for _, target := range []string{"/v1/a", "/v1/b", "/v1/c"} {
		if _, err := r.queue.Enqueue(ctx, domain.VerbPost, target, nil, nil); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", target, err)
		}
	}

	n, err := r.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n != 3 || !r.queue.IsEmpty() {
		t.Fatalf("Flush() = %d, queue size %d; want 3 and empty", n, r.queue.Size())
	}

	var paths []string
	for _, req := range stub.recorded() {
		paths = append(paths, req.Path)
		if req.Key == "" {
			t.Errorf("replayed %s without idempotency key", req.Path)
		}
	}
	if got := strings.Join(paths, ","); got != "/v1/a,/v1/b,/v1/c" {
		t.Errorf("replay order = %s, want FIFO", got)
	}
}

func TestFlushDeadLettersTerminalFailures(t *testing.T) {
	stub := &upstreamStub{statuses: map[string]int{"/v1/bad": http.StatusUnprocessableEntity}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	r := startRelay(t, testConfig(srv.URL))
	ctx := context.Background()
	r.queue.Enqueue(ctx, domain.VerbPost, "/v1/bad", nil, nil)
	r.queue.Enqueue(ctx, domain.VerbPost, "/v1/good", nil, nil)

	n, err := r.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Flush() = %d, want 1", n)
	}
	if r.queue.Size() != 0 {
		t.Errorf("queue size = %d, want 0", r.queue.Size())
	}
	dead := r.queue.DeadLetters()
	if len(dead) != 1 || dead[0].Operation.Target != "/v1/bad" {
		t.Fatalf("dead letters = %+v, want the rejected operation", dead)
	}
}

func TestRecoveryTriggersFlush(t *testing.T) {
	stub := &upstreamStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Connectivity.Interval = time.Hour // transitions driven by hints and RetryNow only
	r := startRelay(t, cfg)
	waitFor(t, func() bool { return r.monitor.Online() }, "never came online")

	// Simulate an offline stretch: hint offline, queue work, probe back.
	r.monitor.SetHint(false)
	if _, err := r.Submit(context.Background(), domain.VerbPost, "/v1/offline", nil, nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if r.queue.Size() != 1 {
		t.Fatalf("queue size = %d, want 1", r.queue.Size())
	}

	r.RetryNow()
	waitFor(t, func() bool { return r.queue.IsEmpty() }, "recovery never flushed the queue")
}

func TestAdminEndpoints(t *testing.T) {
	stub := &upstreamStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	r := startRelay(t, testConfig(srv.URL))
	waitFor(t, func() bool { return r.monitor.Online() }, "never came online")
	admin := httptest.NewServer(r.server.server.Handler)
	defer admin.Close()

	// Submit through the HTTP surface.
	body := strings.NewReader(`{"verb":"POST","target":"/v1/orders","payload":{"qty":2}}`)
	resp, err := http.Post(admin.URL+"/operations", "application/json", body)
	if err != nil {
		t.Fatalf("POST /operations error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /operations status = %d, want 200", resp.StatusCode)
	}

	// Health reflects the online state.
	resp, err = http.Get(admin.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()
	var health struct {
		Status string `json:"status"`
		Online bool   `json:"online"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || !health.Online {
		t.Errorf("health = %+v, want ok/online", health)
	}

	// Queue is empty after the direct apply.
	resp, err = http.Get(admin.URL + "/queue")
	if err != nil {
		t.Fatalf("GET /queue error = %v", err)
	}
	defer resp.Body.Close()
	var q struct {
		Size int `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	if q.Size != 0 {
		t.Errorf("queue size = %d, want 0", q.Size)
	}
}
