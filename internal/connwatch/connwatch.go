// Package connwatch tracks whether the services Study Buddy depends on
// (the Ollama server, the MQTT broker) are reachable.
//
// A Watcher probes one service. Until the first success it retries on
// an exponential backoff; after that, or once the startup attempts are
// spent, it polls on a fixed interval and reports transitions between
// up and down.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks a service. A nil return means it is reachable.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	InitialDelay time.Duration // first startup retry delay (default 2s)
	MaxDelay     time.Duration // startup delay ceiling (default 60s)
	Multiplier   float64       // startup delay growth (default 2)
	MaxRetries   int           // startup attempts before polling (default 10)
	PollInterval time.Duration // steady-state interval (default 60s)
	ProbeTimeout time.Duration // per-probe limit (default 10s)
}

// DefaultBackoffConfig returns 2s, 4s, 8s ... capped at 60s for ten
// startup attempts, then a probe every minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	Name    string
	Probe   ProbeFunc
	Backoff BackoffConfig

	// OnChange, if set, is called from the watcher goroutine each time
	// the service flips between reachable and unreachable. err is nil
	// on recovery.
	OnChange func(ready bool, err error)

	Logger *slog.Logger
}

// ServiceStatus is a watched service's last known health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Checks    int       `json:"checks"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status ServiceStatus
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Ready
}

// Status returns a snapshot of the service's health.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	log := w.cfg.Logger.With("service", w.cfg.Name)
	delay := b.InitialDelay
	polling := false

	for attempt := 1; ; attempt++ {
		changed, err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil && !polling:
			log.Info("service connected", "attempts", attempt)
		case err == nil && changed:
			log.Info("service recovered")
		case err != nil && changed:
			log.Warn("service became unreachable", "error", err)
		}
		if changed && w.cfg.OnChange != nil {
			w.cfg.OnChange(err == nil, err)
		}

		wait := b.PollInterval
		switch {
		case polling || err == nil:
			polling = true
		case attempt >= b.MaxRetries:
			log.Warn("service unreachable at startup, polling in background", "attempts", attempt, "error", err)
			polling = true
		default:
			log.Debug("service probe failed, retrying", "attempt", attempt, "next_delay", delay, "error", err)
			wait = delay
			delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the outcome. changed reports a flip
// between reachable and unreachable; the first probe never counts.
func (w *Watcher) check(ctx context.Context) (changed bool, err error) {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err = w.cfg.Probe(probeCtx)
	cancel()

	now := time.Now()
	ready := err == nil

	w.mu.Lock()
	defer w.mu.Unlock()

	first := w.status.Checks == 0
	changed = !first && ready != w.status.Ready
	if first || changed {
		w.status.Since = now
	}
	w.status.Ready = ready
	w.status.LastCheck = now
	w.status.Checks++
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	return changed, err
}

// Manager owns the watchers for every monitored service.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts a watcher for cfg.Name. It runs until ctx is cancelled
// or Stop is called. Watching a name twice replaces the earlier
// watcher. Name and Probe are required.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" || cfg.Probe == nil {
		panic("connwatch: WatcherConfig needs a Name and a Probe")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: cfg.Name},
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns every watched service's health, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats reports service health for the stats endpoint.
func (m *Manager) Stats(_ context.Context) map[string]any {
	out := make(map[string]any)
	for _, s := range m.Status() {
		out[s.Name] = s
	}
	return out
}

// Stop shuts down every watcher.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
