package fleamart

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// pushServer is a minimal in-process push endpoint: it accepts the websocket,
// performs the auth/subscribe handshake and records everything the client
// sends. Frames are injected toward the client with push().
type pushServer struct {
	srv    *httptest.Server
	userID int64

	mu     sync.Mutex
	tokens []string
	topics []string
	ws     *websocket.Conn

	conns     chan struct{}
	published chan frame
}

func newPushServer(t *testing.T, userID int64) *pushServer {
	t.Helper()
	ps := &pushServer{
		userID:    userID,
		conns:     make(chan struct{}, 4),
		published: make(chan frame, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ps.handle)
	ps.srv = httptest.NewServer(mux)
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()

	var auth frame
	if _, data, err := ws.Read(ctx); err != nil || json.Unmarshal(data, &auth) != nil {
		return
	}
	payload, _ := json.Marshal(connectedPayload{UserID: ps.userID})
	if writeFrame(ctx, ws, frame{Type: "connected", Payload: payload}) != nil {
		return
	}

	var topics []string
	for i := 0; i < 3; i++ {
		var sub frame
		if _, data, err := ws.Read(ctx); err != nil || json.Unmarshal(data, &sub) != nil {
			return
		}
		topics = append(topics, sub.Topic)
	}

	ps.mu.Lock()
	ps.tokens = append(ps.tokens, auth.Token)
	ps.topics = topics
	ps.ws = ws
	ps.mu.Unlock()
	ps.conns <- struct{}{}

	// Capture client publishes until the connection drops.
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var f frame
		if json.Unmarshal(data, &f) == nil {
			ps.published <- f
		}
	}
}

func (ps *pushServer) waitConn(t *testing.T) {
	t.Helper()
	select {
	case <-ps.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for websocket handshake")
	}
}

// push injects a server-side frame toward the connected client.
func (ps *pushServer) push(t *testing.T, topic string, payload any) {
	t.Helper()
	ps.mu.Lock()
	ws := ps.ws
	ps.mu.Unlock()
	if ws == nil {
		t.Fatal("no connected client to push to")
	}
	data, _ := json.Marshal(payload)
	if err := writeFrame(context.Background(), ws, frame{Type: "message", Topic: topic, Payload: data}); err != nil {
		t.Fatalf("push: %v", err)
	}
}

// dropClient closes the server side of the connection.
func (ps *pushServer) dropClient() {
	ps.mu.Lock()
	ws := ps.ws
	ps.ws = nil
	ps.mu.Unlock()
	if ws != nil {
		ws.Close(websocket.StatusGoingAway, "server shutdown")
	}
}

func waitEvent(t *testing.T, conn *Conn) Event {
	t.Helper()
	select {
	case ev := <-conn.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func connectedClient(t *testing.T, ps *pushServer) (*Client, *Conn) {
	t.Helper()
	client := newTestClient(t, ps.srv)
	loggedIn(client, ps.userID)
	conn := client.Realtime()
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ps.waitConn(t)
	t.Cleanup(func() { conn.Disconnect() })
	return client, conn
}

// ============================================================================
// Handshake
// ============================================================================

func TestConnectHandshake(t *testing.T) {
	ps := newPushServer(t, 42)
	_, conn := connectedClient(t, ps)

	if conn.State() != StateConnected {
		t.Fatalf("state = %s, want connected", conn.State())
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.tokens) != 1 || ps.tokens[0] != "test-token" {
		t.Fatalf("server saw tokens %v", ps.tokens)
	}
	want := []string{TopicPresence, "user/42", TopicNotifications}
	if len(ps.topics) != 3 {
		t.Fatalf("server saw subscriptions %v", ps.topics)
	}
	for i, topic := range want {
		if ps.topics[i] != topic {
			t.Fatalf("subscription %d = %q, want %q", i, ps.topics[i], topic)
		}
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	ps := newPushServer(t, 42)
	_, conn := connectedClient(t, ps)

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	select {
	case <-ps.conns:
		t.Fatal("second Connect must not dial again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectRequiresValidToken(t *testing.T) {
	ps := newPushServer(t, 42)
	client := newTestClient(t, ps.srv)

	conn := client.Realtime()
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect without token should be a silent no-op, got %v", err)
	}
	if conn.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", conn.State())
	}
}

// ============================================================================
// Dispatch
// ============================================================================

func TestTopicDispatch(t *testing.T) {
	ps := newPushServer(t, 42)
	_, conn := connectedClient(t, ps)

	t.Run("presence", func(t *testing.T) {
		ps.push(t, TopicPresence, PresenceEvent{UserID: 7, Status: PresenceStatusOnline})
		ev, ok := waitEvent(t, conn).(PresenceEvent)
		if !ok || ev.UserID != 7 || ev.Status != PresenceStatusOnline {
			t.Fatalf("unexpected event %+v", ev)
		}
	})

	t.Run("inbound message from peer", func(t *testing.T) {
		ps.push(t, "user/42", Message{ID: 100, ConversationID: 5, SenderID: 7, Content: "hi"})
		ev, ok := waitEvent(t, conn).(MessageEvent)
		if !ok || ev.Message.ID != 100 {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Message.Self {
			t.Fatal("message from a peer must not be marked self")
		}
	})

	t.Run("own echo is marked self", func(t *testing.T) {
		ps.push(t, "user/42", Message{ID: 101, ConversationID: 5, SenderID: 42, Content: "yo"})
		ev := waitEvent(t, conn).(MessageEvent)
		if !ev.Message.Self {
			t.Fatal("echoed own message must be marked self")
		}
	})

	t.Run("notification", func(t *testing.T) {
		ps.push(t, TopicNotifications, NotificationItem{ID: 9, Content: "price drop"})
		ev, ok := waitEvent(t, conn).(NotificationEvent)
		if !ok || ev.Item.ID != 9 {
			t.Fatalf("unexpected event %+v", ev)
		}
	})

	t.Run("unknown topic is ignored", func(t *testing.T) {
		ps.push(t, "user/99", Message{ID: 102, SenderID: 7})
		ps.push(t, TopicPresence, PresenceEvent{UserID: 8, Status: PresenceStatusOnline})
		ev, ok := waitEvent(t, conn).(PresenceEvent)
		if !ok || ev.UserID != 8 {
			t.Fatalf("frame on a foreign topic leaked through: %+v", ev)
		}
	})
}

func TestServerDropEmitsDisconnected(t *testing.T) {
	ps := newPushServer(t, 42)
	_, conn := connectedClient(t, ps)

	ps.dropClient()
	ev, ok := waitEvent(t, conn).(DisconnectedEvent)
	if !ok {
		t.Fatalf("expected DisconnectedEvent, got %+v", ev)
	}
	deadline := time.Now().Add(2 * time.Second)
	for conn.State() != StateDisconnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if conn.State() != StateDisconnected {
		t.Fatalf("state = %s after server drop", conn.State())
	}
}

// ============================================================================
// Disconnect semantics
// ============================================================================

func TestDisconnectStopsDelivery(t *testing.T) {
	ps := newPushServer(t, 42)
	_, conn := connectedClient(t, ps)

	// Queue an event without consuming it, then disconnect: the queued event
	// must be gone and a frame read before the disconnect must not surface.
	ps.push(t, TopicPresence, PresenceEvent{UserID: 7, Status: PresenceStatusOnline})
	time.Sleep(50 * time.Millisecond)

	conn.mu.Lock()
	staleGen := conn.gen
	conn.mu.Unlock()

	conn.Disconnect()
	conn.deliver(staleGen, PresenceEvent{UserID: 8, Status: PresenceStatusOnline})

	select {
	case ev := <-conn.Events():
		t.Fatalf("event delivered after Disconnect: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	ps := newPushServer(t, 42)
	_, conn := connectedClient(t, ps)

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if conn.State() != StateDisconnected {
		t.Fatalf("state = %s", conn.State())
	}
}

// ============================================================================
// Publish
// ============================================================================

func TestPublish(t *testing.T) {
	ps := newPushServer(t, 42)
	_, conn := connectedClient(t, ps)

	if err := conn.Publish(context.Background(), 9, "still available?"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case f := <-ps.published:
		if f.Type != "publish" || f.Topic != DestinationChatSend {
			t.Fatalf("unexpected frame %+v", f)
		}
		if f.ID == "" {
			t.Fatal("publish frame missing receipt id")
		}
		var opts SendMessageOptions
		if err := json.Unmarshal(f.Payload, &opts); err != nil || opts.ReceiverID != 9 || opts.Content != "still available?" {
			t.Fatalf("unexpected payload %s", f.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the publish frame")
	}
}

func TestPublishRequiresConnection(t *testing.T) {
	ps := newPushServer(t, 42)
	client := newTestClient(t, ps.srv)
	loggedIn(client, 42)

	err := client.Realtime().Publish(context.Background(), 9, "hi")
	if err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// ============================================================================
// Supervisor
// ============================================================================

func TestSupervisorResume(t *testing.T) {
	ps := newPushServer(t, 42)
	_, conn := connectedClient(t, ps)

	ps.dropClient()
	if _, ok := waitEvent(t, conn).(DisconnectedEvent); !ok {
		t.Fatal("expected DisconnectedEvent after server drop")
	}

	sup := NewSupervisor(conn)
	sup.BaseDelay = 5 * time.Millisecond
	sup.MaxDelay = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	ps.waitConn(t)
	if conn.State() != StateConnected {
		t.Fatalf("state = %s after resume", conn.State())
	}
}
