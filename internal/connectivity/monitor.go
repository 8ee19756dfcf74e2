package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/outpost/internal/core/domain"
	"github.com/vietddude/outpost/internal/metrics"
	"github.com/vietddude/outpost/internal/upstream"
)

// Config tunes the probe loop.
type Config struct {
	Interval          time.Duration // time between background probes
	ProbeTimeout      time.Duration // budget for a single probe
	DegradedThreshold int           // consecutive failures before quality drops
}

const (
	defaultInterval          = 30 * time.Second
	defaultProbeTimeout      = 5 * time.Second
	defaultDegradedThreshold = 3
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = defaultDegradedThreshold
	}
	return c
}

// Monitor owns the process-wide connectivity state. It probes the
// upstream periodically, folds in call outcomes reported by the retry
// engine, and fires the recovered callback once per offline-to-online
// transition so the queue flushes exactly once per recovery instead of
// once per probe.
type Monitor struct {
	log    *slog.Logger
	prober Prober
	cfg    Config

	// OnRecovered runs on each offline->online transition and on a
	// successful RetryNow. Set before Start; a duplicate flush is
	// already rejected by the queue's single-flight guard.
	OnRecovered func()

	mu    sync.RWMutex
	state domain.ConnectivityState

	kick chan struct{} // nudge: probe now

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewMonitor(prober Prober, cfg Config) *Monitor {
	return &Monitor{
		log:    slog.With("component", "connectivity"),
		prober: prober,
		cfg:    cfg.withDefaults(),
		state:  domain.ConnectivityState{Online: true, Quality: domain.QualityGood},
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the probe loop. It probes once immediately so the
// state reflects reality before the first interval elapses.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop terminates the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.probe(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.probe(ctx)
		case <-m.kick:
			if m.probe(ctx) {
				// RetryNow wants a flush even without a transition,
				// e.g. after a failed flush left entries behind.
				m.recovered()
			}
		}
	}
}

// probe checks the upstream once and updates state. Returns true on
// success. Fires the recovered callback on an offline->online edge.
func (m *Monitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.prober.Probe(probeCtx)
	cancel()

	m.mu.Lock()
	wasOnline := m.state.Online
	m.state.LastCheckedAt = time.Now()
	if err != nil {
		m.state.Online = false
		m.state.ConsecutiveFailures++
		m.state.LastError = err.Error()
		m.state.Quality = domain.QualityOffline
	} else {
		m.state.Online = true
		m.state.ConsecutiveFailures = 0
		m.state.LastError = ""
		m.state.Quality = domain.QualityGood
	}
	nowOnline := m.state.Online
	m.mu.Unlock()

	if err != nil {
		metrics.ProbeFailures.Inc()
		metrics.ConnectivityOnline.Set(0)
		if wasOnline {
			m.log.Warn("upstream unreachable", "error", err)
		}
		return false
	}

	metrics.ConnectivityOnline.Set(1)
	if !wasOnline && nowOnline {
		m.log.Info("upstream reachable again")
		m.recovered()
	}
	return true
}

func (m *Monitor) recovered() {
	if m.OnRecovered != nil {
		m.OnRecovered()
	}
}

// State returns a copy of the current connectivity snapshot.
func (m *Monitor) State() domain.ConnectivityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Online reports whether the last probe or call outcome saw the
// upstream reachable.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Online
}

// RetryNow schedules an immediate probe. A successful probe triggers a
// flush; the queue's single-flight guard makes this safe to call while
// a flush is already running. Non-blocking and coalescing: calls made
// while a probe is pending fold into one.
func (m *Monitor) RetryNow() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// SetHint feeds a platform connectivity hint. Hints are corroborated,
// not trusted: an online hint schedules a probe, and an offline hint
// marks the state offline immediately since a dead interface will not
// get better by asking.
func (m *Monitor) SetHint(online bool) {
	if online {
		m.RetryNow()
		return
	}
	m.mu.Lock()
	m.state.Online = false
	m.state.Quality = domain.QualityOffline
	m.state.LastCheckedAt = time.Now()
	m.mu.Unlock()
	metrics.ConnectivityOnline.Set(0)
	m.log.Info("platform reports offline")
}

// ReportOutcome folds a call outcome from the retry engine into the
// connectivity state. Successes reset the failure streak; network and
// timeout failures grow it, degrading quality past the threshold and
// nudging a probe to corroborate.
func (m *Monitor) ReportOutcome(err error) {
	if err == nil {
		m.mu.Lock()
		m.state.ConsecutiveFailures = 0
		if m.state.Online && m.state.Quality != domain.QualityGood {
			m.state.Quality = domain.QualityGood
		}
		m.mu.Unlock()
		return
	}

	kind := upstream.Classify(err).Kind
	if kind != upstream.KindNetworkUnavailable && kind != upstream.KindTimeout {
		return
	}

	m.mu.Lock()
	m.state.ConsecutiveFailures++
	m.state.LastError = err.Error()
	degraded := m.state.Online && m.state.ConsecutiveFailures > m.cfg.DegradedThreshold
	if degraded {
		m.state.Quality = domain.QualityDegraded
	}
	m.mu.Unlock()

	if degraded {
		m.log.Warn("connection quality degraded", "consecutive_failures", m.State().ConsecutiveFailures)
		m.RetryNow()
	}
}
