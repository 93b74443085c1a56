package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	connected    atomic.Int32
	disconnected atomic.Int32
}

func (l *recordingListener) Connected(context.Context)    { l.connected.Add(1) }
func (l *recordingListener) Disconnected(context.Context) { l.disconnected.Add(1) }

func fastBackOff() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }

type countingBackOff struct {
	next   atomic.Int32
	resets atomic.Int32
}

func (b *countingBackOff) NextBackOff() time.Duration {
	b.next.Add(1)
	return 10 * time.Millisecond
}

func (b *countingBackOff) Reset() { b.resets.Add(1) }

func TestSupervisor_DegradedIsIdempotent(t *testing.T) {
	var polls atomic.Int32
	s := NewSupervisor(5*time.Millisecond, func(context.Context) { polls.Add(1) }, logging.Discard())
	assert.Equal(t, StateConnected, s.State())

	ctx := context.Background()
	loop := func() chan struct{} {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.done
	}
	s.Disconnected(ctx)
	first := loop()
	s.Disconnected(ctx)
	s.Disconnected(ctx)
	assert.Equal(t, StateDegraded, s.State())
	assert.Equal(t, first, loop(), "a second disconnect must not start another loop")

	require.Eventually(t, func() bool { return polls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	s.Connected(ctx)
	assert.Equal(t, StateConnected, s.State())
	stopped := polls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, polls.Load(), "poll loop must stop on reconnect")
}

func TestSupervisor_NewEpisodeStartsNewLoop(t *testing.T) {
	var polls atomic.Int32
	s := NewSupervisor(time.Hour, func(context.Context) { polls.Add(1) }, logging.Discard())
	ctx := context.Background()

	s.Disconnected(ctx)
	require.Eventually(t, func() bool { return polls.Load() == 1 }, time.Second, time.Millisecond)
	s.Connected(ctx)

	s.Disconnected(ctx)
	require.Eventually(t, func() bool { return polls.Load() == 2 }, time.Second, time.Millisecond)
	s.Stop()
	assert.Equal(t, StateConnected, s.State())
}

// echoServer upgrades, pushes one event, and records what the client sends
type echoServer struct {
	mu       sync.Mutex
	received []*messages.Envelope
	auth     string
}

func (e *echoServer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.auth = r.Header.Get("Authorization")
		e.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		env, _ := messages.New(messages.EventSystemModeUpdate, messages.SystemModeUpdate{Mode: models.SystemModeAutopilot})
		_ = conn.WriteJSON(env)

		for {
			var in messages.Envelope
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			e.mu.Lock()
			e.received = append(e.received, &in)
			e.mu.Unlock()
		}
	}
}

func (e *echoServer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.received)
}

func TestClient_ReceivesAndSends(t *testing.T) {
	es := &echoServer{}
	srv := httptest.NewServer(es.handler(t))
	defer srv.Close()

	events := make(chan *messages.Envelope, 4)
	c := NewClient(Options{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:      "tok",
		NewBackOff: fastBackOff,
		Logger:     logging.Discard(),
	}, func(_ context.Context, env *messages.Envelope) { events <- env })
	l := &recordingListener{}
	c.AddListener(l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case env := <-events:
		assert.Equal(t, messages.EventSystemModeUpdate, env.Type)
		var p messages.SystemModeUpdate
		require.NoError(t, env.Decode(&p))
		assert.Equal(t, models.SystemModeAutopilot, p.Mode)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Send(messages.EventJoinDashboard, messages.JoinDashboard{AgentID: "a@x"}))
	require.Eventually(t, func() bool { return es.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), l.connected.Load())

	es.mu.Lock()
	assert.Equal(t, "Bearer tok", es.auth)
	assert.Equal(t, messages.EventJoinDashboard, es.received[0].Type)
	es.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, c.Connected())
}

func TestClient_ReportsDisconnectAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := NewClient(Options{URL: url, MaxAttempts: 3, NewBackOff: fastBackOff, Logger: logging.Discard()}, nil)
	l := &recordingListener{}
	c.AddListener(l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return l.disconnected.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), l.disconnected.Load(), "listeners are told once per episode")
	assert.Equal(t, int32(0), l.connected.Load())
}

func TestClient_BacksOffWhenConnectionsDropEarly(t *testing.T) {
	var accepted atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		_ = conn.Close()
	}))
	defer srv.Close()

	b := &countingBackOff{}
	c := NewClient(Options{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		MinUptime:  time.Hour,
		NewBackOff: func() backoff.BackOff { return b },
		Logger:     logging.Discard(),
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return accepted.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.GreaterOrEqual(t, b.next.Load(), int32(2), "each early drop waits before redialing")
	assert.Zero(t, b.resets.Load())
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	c := NewClient(Options{URL: "ws://127.0.0.1:1"}, nil)
	assert.ErrorIs(t, c.Send(messages.EventHeartbeat, messages.Heartbeat{AgentID: "a"}), ErrNotConnected)
}
