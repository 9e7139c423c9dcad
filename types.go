package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the chat REST API.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chat api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("chat api %d: %s", e.Status, e.Message)
}

var (
	// ErrMissingSession is returned by New when any identity input is blank.
	ErrMissingSession = errors.New("chatsync: company, user, name and token are required")
	// ErrNotConnected is returned when publishing without a live gateway connection.
	ErrNotConnected = errors.New("chatsync: gateway not connected")
	// ErrEmptyMessage is returned when sending blank content.
	ErrEmptyMessage = errors.New("chatsync: message content is empty")
	// ErrNoOpenRoom is returned by operations that need an open room.
	ErrNoOpenRoom = errors.New("chatsync: no room is open")
	// ErrStaleResult is returned when an async result was discarded because
	// the open room changed while it was in flight.
	ErrStaleResult = errors.New("chatsync: result discarded, room changed")
)

// ID is an opaque identifier supplied by the server or the auth subsystem.
// It decodes from either a JSON string or a JSON number.
type ID string

func (id ID) String() string { return string(id) }

// UnmarshalJSON accepts "abc", 42 and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Timestamp is a server timestamp. Zone-less values are read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ms int64
		if err2 := json.Unmarshal(data, &ms); err2 != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognised format %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ============================================================================
// Chat Types
// ============================================================================

// MessageType is the kind of a chat message.
type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageImage  MessageType = "IMAGE"
	MessageFile   MessageType = "FILE"
	MessageSystem MessageType = "SYSTEM"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// ChatMessage is a single message in a room.
type ChatMessage struct {
	ID         int64       `json:"id"`
	RoomID     int64       `json:"roomId"`
	SenderID   ID          `json:"senderId"`
	SenderName string      `json:"senderName"`
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	FileURL    string      `json:"fileUrl,omitempty"`
	FileName   string      `json:"fileName,omitempty"`
	CreatedAt  Timestamp   `json:"createdAt"`
	IsDeleted  bool        `json:"isDeleted"`
	ReadCount  int         `json:"readCount"`
}

// Visible returns the content a renderer should show. Deleted messages keep
// their place in the sequence but show nothing.
func (m ChatMessage) Visible() string {
	if m.IsDeleted {
		return ""
	}
	return m.Content
}

// MessagePreview is the last-message summary shown in the room list.
type MessagePreview struct {
	Content    string    `json:"content"`
	SenderName string    `json:"senderName"`
	CreatedAt  Timestamp `json:"createdAt"`
}

// ChatRoom is a directory row.
type ChatRoom struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	ParticipantCount int             `json:"participantCount"`
	UnreadCount      int             `json:"unreadCount"`
	LastMessage      *MessagePreview `json:"lastMessage,omitempty"`
	LastMessageAt    *Timestamp      `json:"lastMessageAt,omitempty"`
}

// EnvelopeType is the kind of a push envelope.
type EnvelopeType string

const (
	EnvelopeMessage EnvelopeType = "MESSAGE"
	EnvelopeTyping  EnvelopeType = "TYPING"
	EnvelopeRead    EnvelopeType = "READ"
	EnvelopeJoin    EnvelopeType = "JOIN"
	EnvelopeLeave   EnvelopeType = "LEAVE"
)

// Envelope is the payload carried on a room topic.
type Envelope struct {
	Type       EnvelopeType `json:"type"`
	RoomID     int64        `json:"roomId"`
	SenderID   ID           `json:"senderId,omitempty"`
	SenderName string       `json:"senderName,omitempty"`
	Message    *ChatMessage `json:"message,omitempty"`
	IsTyping   *bool        `json:"isTyping,omitempty"`
}

// decodeEnvelope parses and validates a topic payload.
func decodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case EnvelopeMessage:
		if env.Message == nil {
			return nil, fmt.Errorf("decode envelope: MESSAGE without message")
		}
		if env.Message.ID <= 0 {
			return nil, fmt.Errorf("decode envelope: message id %d", env.Message.ID)
		}
		if env.RoomID == 0 {
			env.RoomID = env.Message.RoomID
		}
		if env.Message.RoomID == 0 {
			env.Message.RoomID = env.RoomID
		}
	case EnvelopeTyping, EnvelopeRead, EnvelopeJoin, EnvelopeLeave:
	default:
		return nil, fmt.Errorf("decode envelope: unknown type %q", env.Type)
	}
	if env.RoomID <= 0 {
		return nil, fmt.Errorf("decode envelope: missing room id")
	}
	return &env, nil
}

// ============================================================================
// Request Types
// ============================================================================

// OutgoingMessage is the body of both the push send and the fallback POST.
type OutgoingMessage struct {
	RoomID     int64       `json:"-"`
	SenderID   ID          `json:"senderId"`
	SenderName string      `json:"senderName"`
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	FileURL    string      `json:"fileUrl,omitempty"`
	FileName   string      `json:"fileName,omitempty"`
}

func (m *OutgoingMessage) normalize() error {
	m.Content = strings.TrimSpace(m.Content)
	if m.Type == "" {
		m.Type = MessageText
	}
	if !m.Type.Valid() {
		return fmt.Errorf("chatsync: unknown message type %q", m.Type)
	}
	if m.Content == "" && m.FileURL == "" {
		return ErrEmptyMessage
	}
	return nil
}

// ReadReceipt is the body of the mark-read call.
type ReadReceipt struct {
	UserID        ID     `json:"userId"`
	UserName      string `json:"userName"`
	LastMessageID int64  `json:"lastMessageId"`
}

// Session carries the identity inputs supplied by the auth subsystem.
type Session struct {
	CompanyID string
	UserID    string
	UserName  string
	Token     string
}

func (s Session) validate() error {
	if strings.TrimSpace(s.CompanyID) == "" || strings.TrimSpace(s.UserID) == "" ||
		strings.TrimSpace(s.UserName) == "" || strings.TrimSpace(s.Token) == "" {
		return ErrMissingSession
	}
	return nil
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }
