package fleamart

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// ChatStore keeps an eventually-consistent view of conversations, the active
// message buffer and the total unread count, fed by REST snapshots and push
// events. The server's conversation list is the source of truth for unread
// totals; the only local mutation is zeroing a conversation the user opened.
type ChatStore struct {
	client *Client

	mu            sync.Mutex
	conversations []Conversation
	unread        int
	viewing       int64 // conversation the user has open, 0 = none
	messages      []Message
	seen          map[int64]struct{} // ids present in messages
}

func NewChatStore(client *Client) *ChatStore {
	return &ChatStore{client: client, seen: make(map[int64]struct{})}
}

// ============================================================================
// REST snapshots
// ============================================================================

// RefreshConversations replaces the conversation collection from the server
// and recomputes the total unread count.
func (cs *ChatStore) RefreshConversations(ctx context.Context, opts ...CallOption) error {
	data, err := cs.client.Do(ctx, http.MethodGet, "/conversations", nil, nil, opts...)
	if err != nil {
		return err
	}
	convs, err := decode[[]Conversation](data)
	if err != nil {
		return err
	}

	total := 0
	for _, c := range *convs {
		total += c.UnreadCount
	}

	cs.mu.Lock()
	cs.conversations = *convs
	cs.unread = total
	cs.mu.Unlock()
	return nil
}

// LoadMessages fetches the message page for a conversation, reverses the
// server's newest-first order into ascending timestamp order, replaces the
// active buffer and marks the conversation as the one being viewed.
func (cs *ChatStore) LoadMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	data, err := cs.client.Do(ctx, http.MethodGet, fmt.Sprintf("/conversations/%d/messages", conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	page, err := decode[[]Message](data)
	if err != nil {
		return nil, err
	}

	msgs := *page
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	self := cs.selfID()
	for i := range msgs {
		if !msgs[i].Self && self != 0 {
			msgs[i].Self = msgs[i].SenderID == self
		}
	}

	cs.mu.Lock()
	cs.viewing = conversationID
	cs.messages = msgs
	cs.seen = make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		cs.seen[m.ID] = struct{}{}
	}
	out := append([]Message(nil), cs.messages...)
	cs.mu.Unlock()
	return out, nil
}

// ClearCurrent drops the viewed-conversation marker and the active buffer.
func (cs *ChatStore) ClearCurrent() {
	cs.mu.Lock()
	cs.viewing = 0
	cs.messages = nil
	cs.seen = make(map[int64]struct{})
	cs.mu.Unlock()
}

// ============================================================================
// Push path
// ============================================================================

// HandleMessage applies one inbound push message: the conversation list is
// always re-synced (last message and unread totals come from the server),
// and the message is appended to the active buffer only when it belongs to
// the conversation being viewed and its id has not been seen before.
// Redelivery of the same id, in any order relative to the REST send path,
// results in exactly one buffer entry.
func (cs *ChatStore) HandleMessage(ctx context.Context, msg Message) {
	if err := cs.RefreshConversations(ctx, Silent()); err != nil {
		cs.client.log.Debug().Err(err).Msg("conversation refresh after push failed")
	}
	cs.appendIfViewing(msg)
}

func (cs *ChatStore) appendIfViewing(msg Message) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.viewing == 0 || msg.ConversationID != cs.viewing {
		return
	}
	if _, dup := cs.seen[msg.ID]; dup {
		cs.client.log.Debug().Int64("id", msg.ID).Msg("suppressing duplicate message")
		return
	}
	cs.seen[msg.ID] = struct{}{}
	cs.messages = append(cs.messages, msg)
}

// ============================================================================
// Send paths
// ============================================================================

// SendMessage delivers a message over REST and appends the server-confirmed
// copy to the active buffer. The push echo of the same message is suppressed
// by the id check, whichever arrives first.
func (cs *ChatStore) SendMessage(ctx context.Context, receiverID int64, content string) (*Message, error) {
	data, err := cs.client.Do(ctx, http.MethodPost, "/messages", SendMessageOptions{
		ReceiverID: receiverID,
		Content:    content,
	}, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decode[Message](data)
	if err != nil {
		return nil, err
	}
	msg.Self = true
	cs.appendIfViewing(*msg)

	if err := cs.RefreshConversations(ctx, Silent()); err != nil {
		cs.client.log.Debug().Err(err).Msg("conversation refresh after send failed")
	}
	return msg, nil
}

// Publish sends via the push channel instead of REST; the visible append
// happens when the server echoes the message back on the per-user topic.
func (cs *ChatStore) Publish(ctx context.Context, receiverID int64, content string) error {
	return cs.client.Realtime().Publish(ctx, receiverID, content)
}

// ============================================================================
// Reads and local mutations
// ============================================================================

// Conversations returns a copy of the current conversation list.
func (cs *ChatStore) Conversations() []Conversation {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]Conversation(nil), cs.conversations...)
}

// Messages returns a copy of the active message buffer.
func (cs *ChatStore) Messages() []Message {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]Message(nil), cs.messages...)
}

// UnreadTotal is the sum of per-conversation unread counts as of the last
// refresh, minus any locally zeroed conversations.
func (cs *ChatStore) UnreadTotal() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.unread
}

// Viewing returns the id of the conversation being viewed, 0 if none.
func (cs *ChatStore) Viewing() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.viewing
}

// MarkConversationRead zeroes a conversation's unread counter locally and
// subtracts it from the total. The next refresh picks up the server's view.
func (cs *ChatStore) MarkConversationRead(conversationID int64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i := range cs.conversations {
		if cs.conversations[i].ID == conversationID && cs.conversations[i].UnreadCount > 0 {
			cs.unread -= cs.conversations[i].UnreadCount
			if cs.unread < 0 {
				cs.unread = 0
			}
			cs.conversations[i].UnreadCount = 0
			return
		}
	}
}

func (cs *ChatStore) selfID() int64 {
	if u := cs.client.session.User(); u != nil {
		return u.ID
	}
	return 0
}
