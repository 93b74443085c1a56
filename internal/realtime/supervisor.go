package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/sirupsen/logrus"
)

// State is the supervisor's view of the realtime channel
type State int

const (
	StateConnected State = iota
	StateDegraded
)

func (s State) String() string {
	if s == StateDegraded {
		return "degraded"
	}
	return "connected"
}

// Supervisor switches the dashboard between push updates and a fixed-interval
// poll loop. It implements Listener so it can be attached to a Client.
//
// At most one poll loop runs per disconnection episode: repeated
// Disconnected calls are no-ops while degraded, and Connected stops the loop
// before returning.
type Supervisor struct {
	interval time.Duration
	poll     func(ctx context.Context)
	log      *logrus.Entry

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a supervisor that calls poll every interval while
// degraded.
func NewSupervisor(interval time.Duration, poll func(ctx context.Context), logger logrus.FieldLogger) *Supervisor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Supervisor{
		interval: interval,
		poll:     poll,
		log:      logging.Component(logger, "supervisor"),
		state:    StateConnected,
	}
}

// State returns the current state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Disconnected enters Degraded and starts the poll loop, unless already degraded
func (s *Supervisor) Disconnected(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDegraded {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.state = StateDegraded
	s.cancel = cancel
	s.done = done

	s.log.WithField("interval", s.interval).Warn("realtime channel down, polling")
	go s.loop(loopCtx, done)
}

// Connected stops the poll loop, if any, and enters Connected
func (s *Supervisor) Connected(_ context.Context) {
	s.stop()
}

// Stop ends any running poll loop
func (s *Supervisor) Stop() {
	s.stop()
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	wasDegraded := s.state == StateDegraded
	s.state = StateConnected
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if wasDegraded {
		s.log.Info("realtime channel restored, polling stopped")
	}
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
