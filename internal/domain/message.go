package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// MessageStatus tracks a message through the pipeline. Transitions only move forward.
type MessageStatus string

const (
	MessageNew              MessageStatus = "new"
	MessageProcessing       MessageStatus = "processing"
	MessageDone             MessageStatus = "done"
	MessageFailed           MessageStatus = "failed"
	MessageSkippedDuplicate MessageStatus = "skipped-duplicate"
)

var messageStatusRank = map[MessageStatus]int{
	MessageNew:              0,
	MessageProcessing:       1,
	MessageDone:             2,
	MessageFailed:           2,
	MessageSkippedDuplicate: 2,
}

// CanTransition reports whether moving from s to next keeps the status moving forward.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	from, ok := messageStatusRank[s]
	if !ok {
		return false
	}
	to, ok := messageStatusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Attachment is a file delivered with a raw message.
type Attachment struct {
	Filename    string
	ContentType string
	Path        string
}

// IsImage reports whether the attachment can go to an article gallery.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.ContentType), "image/")
}

// RawMessage is what the mailbox yields for each inbound email.
type RawMessage struct {
	TransportID string
	Mailbox     string
	Sender      string
	Subject     string
	Body        string
	Attachments []Attachment
	ReceivedAt  time.Time
	// Receipt is the transport handle used to acknowledge the message.
	Receipt string
}

// Message is a unit of inbound work recorded by the deduplicator.
type Message struct {
	DedupKey    string
	ExternalID  string
	ContentHash string
	Mailbox     string
	Sender      string
	Subject     string
	Body        string
	Attachments []Attachment
	ReceivedAt  time.Time
	ArrivedAt   time.Time
	Status      MessageStatus
	Detail      string
	UpdatedAt   time.Time
}

// NewMessage derives the identity of a raw message.
// The dedup key is the mailbox-scoped transport id, or the content hash when there is none.
func NewMessage(raw RawMessage, arrivedAt time.Time) Message {
	hash := ContentHash(raw)
	externalID := strings.Trim(strings.TrimSpace(raw.TransportID), "<>")
	key := "sha256:" + hash
	if externalID != "" {
		key = externalID
		if raw.Mailbox != "" {
			key = raw.Mailbox + ":" + externalID
		}
	}

	return Message{
		DedupKey:    key,
		ExternalID:  externalID,
		ContentHash: hash,
		Mailbox:     raw.Mailbox,
		Sender:      raw.Sender,
		Subject:     raw.Subject,
		Body:        raw.Body,
		Attachments: raw.Attachments,
		ReceivedAt:  raw.ReceivedAt,
		ArrivedAt:   arrivedAt,
		Status:      MessageNew,
	}
}

// ContentHash hashes normalized sender, subject, timestamp and body.
func ContentHash(raw RawMessage) string {
	normalize := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	}

	h := sha256.New()
	h.Write([]byte(normalize(raw.Sender)))
	h.Write([]byte{0})
	h.Write([]byte(normalize(raw.Subject)))
	h.Write([]byte{0})
	if !raw.ReceivedAt.IsZero() {
		h.Write([]byte(raw.ReceivedAt.UTC().Format(time.RFC3339)))
	}
	h.Write([]byte{0})
	h.Write([]byte(normalize(raw.Body)))
	return hex.EncodeToString(h.Sum(nil))
}

// RejectReason explains why a message was not admitted.
type RejectReason string

const (
	RejectDuplicate        RejectReason = "duplicate"
	RejectDuplicateContent RejectReason = "duplicate-content"
)

// Admission is the outcome of admitting a message.
type Admission struct {
	Admitted bool
	Reason   RejectReason
	Message  Message
}
