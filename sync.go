package fleamart

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Syncer routes typed push events from a Conn's event stream into the sync
// engines. Engines that are nil are skipped, so a caller can run a
// presence-only or chat-only pump.
type Syncer struct {
	chat          *ChatStore
	presence      *PresenceTracker
	notifications *NotificationFeed

	// OnDisconnect, when set, is invoked after a connection-level failure.
	// Pair it with a Supervisor to get reconnect-with-backoff.
	OnDisconnect func(err error)
}

func NewSyncer(chat *ChatStore, presence *PresenceTracker, notifications *NotificationFeed) *Syncer {
	return &Syncer{chat: chat, presence: presence, notifications: notifications}
}

// Run consumes events until the context is cancelled. It is the single
// consumer of the ordering between push events and REST snapshots; the
// engines themselves tolerate any relative order.
func (s *Syncer) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.apply(ctx, ev)
		}
	}
}

func (s *Syncer) apply(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case MessageEvent:
		if s.chat != nil {
			s.chat.HandleMessage(ctx, e.Message)
		}
	case PresenceEvent:
		if s.presence != nil {
			s.presence.Handle(e)
		}
	case NotificationEvent:
		if s.notifications != nil {
			s.notifications.HandlePush(e.Item)
		}
	case DisconnectedEvent:
		if s.OnDisconnect != nil {
			s.OnDisconnect(e.Err)
		}
	}
}

// ============================================================================
// Supervisor
// ============================================================================

// Supervisor drives caller-initiated reconnection with exponential backoff
// and jitter. The connection itself never reconnects on its own; wiring a
// Supervisor into Syncer.OnDisconnect opts in.
type Supervisor struct {
	Conn        *Conn
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 = unlimited
}

func NewSupervisor(conn *Conn) *Supervisor {
	return &Supervisor{
		Conn:        conn,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

// Resume retries Connect until it succeeds, the attempt budget is spent or
// the context is cancelled.
func (sv *Supervisor) Resume(ctx context.Context) error {
	var lastErr error
	for attempt := 0; sv.MaxAttempts == 0 || attempt < sv.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sv.delay(attempt)):
		}

		if err := sv.Conn.Connect(ctx); err != nil {
			lastErr = err
			continue
		}
		if sv.Conn.State() == StateConnected {
			return nil
		}
		// Connect was a no-op (e.g. the session ended meanwhile).
		return lastErr
	}
	return lastErr
}

func (sv *Supervisor) delay(attempt int) time.Duration {
	jitter := time.Duration(rand.Float64() * float64(sv.BaseDelay) * 0.5)
	d := time.Duration(math.Min(
		float64(sv.BaseDelay)*math.Pow(2, float64(attempt))+float64(jitter),
		float64(sv.MaxDelay),
	))
	return d
}
