package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BioHazard786/voicelink/internal/watch"
)

const DefaultInterval = 2 * time.Second

// Monitor polls the host interface table and reports connectivity
// transitions. Only one subscription is live at a time.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(prober Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{prober: prober, interval: interval, logger: logger}
}

// Subscribe starts observing and returns the event stream. A previous
// subscription is torn down first and its channel closed. The stream ends
// when ctx is cancelled or Stop is called.
func (m *Monitor) Subscribe(ctx context.Context) <-chan Event {
	m.Stop()

	ctx, cancel := context.WithCancel(ctx)
	q := watch.NewQueue[Event](ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.observe(ctx, q, done)
	return q.C()
}

// Stop tears down the live subscription, if any, and waits for its observer
// to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentType probes the host right now.
func (m *Monitor) CurrentType() NetworkType {
	snap, err := m.prober.Probe()
	if err != nil {
		m.logger.Debug("network probe failed", "error", err)
		return TypeNone
	}
	return Classify(snap)
}

func (m *Monitor) HasInternet() bool {
	return m.CurrentType() != TypeNone
}

func (m *Monitor) observe(ctx context.Context, q *watch.Queue[Event], done chan struct{}) {
	defer close(done)
	defer q.Close()

	var last NetworkType
	check := func() {
		snap, err := m.prober.Probe()
		if err != nil {
			m.logger.Debug("network probe failed", "error", err)
			return
		}
		ev, ok := diff(last, Classify(snap))
		if !ok {
			return
		}
		last = ev.Type
		m.logger.Info("network transition", "event", ev.String())
		q.Push(ev)
	}

	check()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
