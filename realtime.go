package fleamart

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Topics and wire format
// ============================================================================

const (
	// TopicPresence is the broadcast topic carrying online/offline updates.
	TopicPresence = "presence"
	// TopicNotifications is the per-user notification queue.
	TopicNotifications = "notifications"
	// DestinationChatSend is the publish target for the send-via-channel
	// variant; the visible append happens via the server's echo-back.
	DestinationChatSend = "chat.send"
)

func topicUser(id int64) string { return fmt.Sprintf("user/%d", id) }

// frame is the wire format of the push channel: an auth/subscribe handshake
// followed by topic-tagged payloads in both directions.
type frame struct {
	Type    string          `json:"type"` // auth | connected | subscribe | message | publish | error
	Topic   string          `json:"topic,omitempty"`
	ID      string          `json:"id,omitempty"` // client receipt id on publish
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type connectedPayload struct {
	UserID int64 `json:"userId"`
}

// ============================================================================
// Events
// ============================================================================

// Event is a typed push event emitted by the realtime connection and consumed
// by the sync engines.
type Event interface {
	Type() string
}

// MessageEvent carries an inbound chat message from the per-user topic.
type MessageEvent struct {
	Message Message
}

func (MessageEvent) Type() string { return "message" }

// PresenceStatusOnline is the only status that adds a peer to the online set;
// every other status removes it.
const PresenceStatusOnline = "ONLINE"

// PresenceEvent carries an online/offline transition for one peer.
type PresenceEvent struct {
	UserID int64  `json:"userId"`
	Status string `json:"status"`
}

func (PresenceEvent) Type() string { return "presence" }

// NotificationEvent carries a pushed notification.
type NotificationEvent struct {
	Item NotificationItem
}

func (NotificationEvent) Type() string { return "notification" }

// DisconnectedEvent reports a connection-level failure. Reconnection is the
// consumer's decision; see Supervisor.
type DisconnectedEvent struct {
	Err error
}

func (DisconnectedEvent) Type() string { return "disconnected" }

// ============================================================================
// Connection
// ============================================================================

// ConnState is the push channel lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Conn manages the persistent push channel: connect, authenticate, subscribe,
// teardown. Inbound frames become typed events on Events(); Disconnect stops
// event delivery synchronously, even for frames already in flight.
type Conn struct {
	client *Client
	events chan Event

	mu     sync.Mutex
	state  ConnState
	ws     *websocket.Conn
	cancel context.CancelFunc
	gen    uint64 // bumped on Disconnect; stale readers drop their frames
	selfID int64
}

// Realtime returns the client's push channel, creating it on first use.
func (c *Client) Realtime() *Conn {
	c.rtOnce.Do(func() {
		c.rt = &Conn{
			client: c,
			state:  StateDisconnected,
			events: make(chan Event, 64),
		}
	})
	return c.rt
}

// State returns the current lifecycle state.
func (rc *Conn) State() ConnState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Events is the stream of typed push events. The channel is never closed;
// it simply goes quiet across disconnects.
func (rc *Conn) Events() <-chan Event {
	return rc.events
}

// Connect opens the channel, authenticates with the current token and
// subscribes to the presence broadcast, the per-user topic and the
// notification queue. It is a no-op when already connected or connecting,
// or when no valid token is present.
func (rc *Conn) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state != StateDisconnected {
		rc.mu.Unlock()
		return nil
	}
	if !rc.client.session.TokenValid() {
		rc.mu.Unlock()
		rc.client.log.Debug().Msg("realtime connect skipped: no valid token")
		return nil
	}
	rc.state = StateConnecting
	gen := rc.gen
	token := rc.client.session.Token()
	rc.mu.Unlock()

	ws, selfID, err := rc.handshake(ctx, token)
	if err != nil {
		rc.abortConnect(gen)
		return err
	}

	rc.mu.Lock()
	if rc.gen != gen {
		// Disconnected while the handshake was in flight.
		rc.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	rc.state = StateConnected
	rc.ws = ws
	rc.selfID = selfID
	runCtx, cancel := context.WithCancel(context.Background())
	rc.cancel = cancel
	rc.mu.Unlock()

	rc.client.log.Debug().Int64("userId", selfID).Msg("realtime channel connected")
	go rc.readLoop(runCtx, ws, gen, selfID)
	return nil
}

func (rc *Conn) handshake(ctx context.Context, token string) (*websocket.Conn, int64, error) {
	wsURL := strings.Replace(rc.client.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"

	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("websocket dial: %w", err)
	}

	if err := writeFrame(ctx, ws, frame{Type: "auth", Token: token}); err != nil {
		ws.Close(websocket.StatusNormalClosure, "")
		return nil, 0, fmt.Errorf("send auth: %w", err)
	}

	_, data, err := ws.Read(ctx)
	if err != nil {
		ws.Close(websocket.StatusNormalClosure, "")
		return nil, 0, fmt.Errorf("read session ack: %w", err)
	}
	var ack frame
	if err := json.Unmarshal(data, &ack); err != nil || ack.Type != "connected" {
		ws.Close(websocket.StatusNormalClosure, "")
		return nil, 0, fmt.Errorf("expected 'connected' ack, got %q", ack.Type)
	}
	var who connectedPayload
	if err := json.Unmarshal(ack.Payload, &who); err != nil || who.UserID == 0 {
		ws.Close(websocket.StatusNormalClosure, "")
		return nil, 0, fmt.Errorf("session ack missing user id")
	}

	for _, topic := range []string{TopicPresence, topicUser(who.UserID), TopicNotifications} {
		if err := writeFrame(ctx, ws, frame{Type: "subscribe", Topic: topic}); err != nil {
			ws.Close(websocket.StatusNormalClosure, "")
			return nil, 0, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return ws, who.UserID, nil
}

func (rc *Conn) abortConnect(gen uint64) {
	rc.mu.Lock()
	if rc.gen == gen && rc.state == StateConnecting {
		rc.state = StateDisconnected
	}
	rc.mu.Unlock()
}

// Disconnect tears the channel down unconditionally and invalidates any
// further dispatch from stale frames. Safe to call when already disconnected.
func (rc *Conn) Disconnect() error {
	rc.mu.Lock()
	rc.gen++
	cancel := rc.cancel
	rc.cancel = nil
	ws := rc.ws
	rc.ws = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ws != nil {
		err = ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	// Drop events that were queued but not yet consumed.
	for {
		select {
		case <-rc.events:
			continue
		default:
		}
		break
	}
	return err
}

// Publish emits a chat message to the well-known application destination.
// There is no local optimistic append: the sender receives its own message
// back through the per-user topic like any other inbound message.
func (rc *Conn) Publish(ctx context.Context, receiverID int64, content string) error {
	rc.mu.Lock()
	ws := rc.ws
	rc.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(SendMessageOptions{ReceiverID: receiverID, Content: content})
	if err != nil {
		return err
	}
	return writeFrame(ctx, ws, frame{
		Type:    "publish",
		Topic:   DestinationChatSend,
		ID:      uuid.NewString(),
		Payload: payload,
	})
}

func writeFrame(ctx context.Context, ws *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// ============================================================================
// Inbound dispatch
// ============================================================================

func (rc *Conn) readLoop(ctx context.Context, ws *websocket.Conn, gen uint64, selfID int64) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			stale := rc.gen != gen
			if !stale {
				rc.state = StateDisconnected
				rc.ws = nil
			}
			rc.mu.Unlock()
			if !stale {
				rc.client.log.Debug().Err(err).Msg("realtime channel dropped")
				rc.deliver(gen, DisconnectedEvent{Err: err})
			}
			return
		}

		var f frame
		if json.Unmarshal(data, &f) != nil {
			rc.client.log.Warn().Msg("discarding malformed realtime frame")
			continue
		}
		if f.Type == "error" {
			rc.client.log.Warn().Str("topic", f.Topic).Bytes("payload", f.Payload).Msg("realtime server error")
			continue
		}

		switch {
		case f.Topic == TopicPresence:
			var ev PresenceEvent
			if json.Unmarshal(f.Payload, &ev) == nil {
				rc.deliver(gen, ev)
			}
		case f.Topic == topicUser(selfID):
			var msg Message
			if json.Unmarshal(f.Payload, &msg) == nil {
				msg.Self = msg.SenderID == selfID
				rc.deliver(gen, MessageEvent{Message: msg})
			}
		case f.Topic == TopicNotifications:
			var item NotificationItem
			if json.Unmarshal(f.Payload, &item) == nil {
				rc.deliver(gen, NotificationEvent{Item: item})
			}
		default:
			rc.client.log.Debug().Str("topic", f.Topic).Msg("frame for unknown topic")
		}
	}
}

// deliver enqueues an event unless the connection generation has moved on,
// i.e. Disconnect was called after this frame was read. The generation check
// and the send happen under one lock so Disconnect is a strict cut-off.
func (rc *Conn) deliver(gen uint64, ev Event) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.gen != gen {
		rc.client.log.Debug().Str("event", ev.Type()).Msg("dropping stale event")
		return
	}
	select {
	case rc.events <- ev:
	default:
		rc.client.log.Warn().Str("event", ev.Type()).Msg("event buffer full, dropping")
	}
}
