package fleamart

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a logical failure reported inside a response envelope.
// Code mirrors the server's envelope code field; any non-zero code is a
// failure even under a 2xx transport status.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "request failed"
}

// envelope is the standard wrapper around every REST response body.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ============================================================================
// Auth Types
// ============================================================================

// UserProfile is the authenticated user's profile as returned by the server.
type UserProfile struct {
	ID        int64  `json:"id" toml:"id"`
	Username  string `json:"username" toml:"username"`
	Nickname  string `json:"nickname,omitempty" toml:"nickname,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty" toml:"avatar_url,omitempty"`
	Phone     string `json:"phone,omitempty" toml:"phone,omitempty"`
	CreatedAt string `json:"createdAt,omitempty" toml:"created_at,omitempty"`
}

// LoginOptions are the credentials for password login.
type LoginOptions struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterOptions creates a new account.
type RegisterOptions struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Nickname string `json:"nickname,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// loginData is the payload of a successful login/register/refresh call.
// The refresh credential itself travels as a cookie, not in the body.
type loginData struct {
	Token       string       `json:"token"`
	ExpiresInMs int64        `json:"expiresInMs"`
	User        *UserProfile `json:"user,omitempty"`
}

// ============================================================================
// Chat Types
// ============================================================================

// Conversation is one entry of the server's conversation list. The server's
// list is authoritative for unread totals; the client only zeroes a counter
// locally when the user opens the conversation.
type Conversation struct {
	ID          int64  `json:"id"`
	PeerID      int64  `json:"peerId"`
	PeerName    string `json:"peerName,omitempty"`
	PeerAvatar  string `json:"peerAvatar,omitempty"`
	LastMessage string `json:"lastMessage,omitempty"`
	UnreadCount int    `json:"unreadCount"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"`
}

// Message is a single chat message. Identity is ID; the same ID must never
// appear twice in a message buffer no matter how often it is delivered.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversationId"`
	SenderID       int64  `json:"senderId"`
	Content        string `json:"content"`
	Kind           string `json:"type,omitempty"` // text only for now
	Timestamp      int64  `json:"timestamp"`      // unix millis
	Self           bool   `json:"self,omitempty"`
}

// SendMessageOptions is the body of POST /messages and of the channel
// publish variant.
type SendMessageOptions struct {
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

// ============================================================================
// Notification Types
// ============================================================================

// NotificationItem is one entry of the paginated notification feed.
type NotificationItem struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	Read      bool   `json:"read"`
	RelatedID int64  `json:"relatedId,omitempty"`
	Type      string `json:"type,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// notificationPage is one page of GET /notifications.
type notificationPage struct {
	Content []NotificationItem `json:"content"`
	Last    bool               `json:"last"`
}
