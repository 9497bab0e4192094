// Package mailbox abstracts the external message source/sink. Push
// notifications carry an opaque history cursor; the channel is asked for
// messages newer than the cursor and replies are sent back on the same
// thread.
package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Message is one inbound customer message.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Channel is the external mailbox surface.
type Channel interface {
	// Address returns the mailbox address being watched.
	Address() string

	// MessagesSince lists messages newer than the cursor and returns the
	// cursor to persist once the whole batch is handled.
	MessagesSince(ctx context.Context, cursor string) ([]Message, string, error)

	// SendReply sends a reply on an existing thread.
	SendReply(ctx context.Context, threadID, to, subject, body string) error

	// MarkRead marks an inbound message as read.
	MarkRead(ctx context.Context, messageID string) error
}

// Open returns the Channel implementation for the configured mailbox mode.
// Only the in-memory mode exists today; an empty mode defaults to it.
func Open(mode, address string) (Channel, error) {
	switch mode {
	case "", "memory":
		return NewFake(address), nil
	default:
		return nil, fmt.Errorf("unsupported mailbox mode %q", mode)
	}
}

// PushNotification is the decoded payload of a push envelope.
type PushNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// pushEnvelope is the pub/sub wire format: the payload is base64-encoded
// JSON inside message.data.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePush extracts the history cursor from a raw push envelope.
func DecodePush(raw []byte) (*PushNotification, error) {
	var envelope pushEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parse push envelope: %w", err)
	}
	if envelope.Message.Data == "" {
		return nil, fmt.Errorf("push envelope has no message data")
	}
	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("decode push payload: %w", err)
	}
	var n PushNotification
	if err := json.Unmarshal(decoded, &n); err != nil {
		return nil, fmt.Errorf("parse push payload: %w", err)
	}
	if n.HistoryID.String() == "" {
		return nil, fmt.Errorf("push payload has no history id")
	}
	return &n, nil
}

// Fake is an in-memory Channel used by tests and the offline CLI mode.
// Messages are appended with Deliver and exposed through cursors that are
// simple integer offsets.
type Fake struct {
	mu       sync.Mutex
	address  string
	messages []Message
	read     map[string]bool

	// Sent records every reply for assertions.
	Sent []SentReply

	// SendErr, when set, makes SendReply fail.
	SendErr error
}

// SentReply is one reply recorded by the fake channel.
type SentReply struct {
	ThreadID string
	To       string
	Subject  string
	Body     string
}

func NewFake(address string) *Fake {
	return &Fake{address: address, read: map[string]bool{}}
}

// Deliver appends an inbound message and returns the cursor positioned just
// before it.
func (f *Fake) Deliver(msg Message) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursor := fmt.Sprintf("%d", len(f.messages))
	f.messages = append(f.messages, msg)
	return cursor
}

func (f *Fake) Address() string { return f.address }

func (f *Fake) MessagesSince(_ context.Context, cursor string) ([]Message, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	offset := 0
	if strings.TrimSpace(cursor) != "" {
		if _, err := fmt.Sscanf(cursor, "%d", &offset); err != nil {
			return nil, "", fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
	}
	if offset > len(f.messages) {
		offset = len(f.messages)
	}
	batch := make([]Message, len(f.messages)-offset)
	copy(batch, f.messages[offset:])
	return batch, fmt.Sprintf("%d", len(f.messages)), nil
}

func (f *Fake) SendReply(_ context.Context, threadID, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Sent = append(f.Sent, SentReply{ThreadID: threadID, To: to, Subject: subject, Body: body})
	return nil
}

func (f *Fake) MarkRead(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read[messageID] = true
	return nil
}

// Read reports whether a message was marked read.
func (f *Fake) Read(messageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read[messageID]
}
