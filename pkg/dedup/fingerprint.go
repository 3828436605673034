package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Identity carries the fields an inbound event can be recognised by.
type Identity struct {
	SessionID string
	Sender    string
	// MessageID is the transport's own id for the message, if it has one.
	MessageID string
	Content   string
	// Timestamp is when the transport says the message was sent.
	Timestamp time.Time
}

// Fingerprinter derives the dedup key of an event.
type Fingerprinter interface {
	Fingerprint(id Identity) string
}

// FingerprintFunc adapts a function to Fingerprinter.
type FingerprintFunc func(id Identity) string

func (f FingerprintFunc) Fingerprint(id Identity) string { return f(id) }

// ContentFingerprinter hashes session, sender, a digest of the content and
// the send time truncated to Bucket. A zero Bucket or zero Timestamp leaves
// time out of the key, so the window alone decides.
type ContentFingerprinter struct {
	Bucket time.Duration
}

func (c ContentFingerprinter) Fingerprint(id Identity) string {
	body := sha256.Sum256([]byte(id.Content))

	h := sha256.New()
	h.Write([]byte(id.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(id.Sender))
	h.Write([]byte{0})
	h.Write(body[:])
	if c.Bucket > 0 && !id.Timestamp.IsZero() {
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(id.Timestamp.UnixNano()/int64(c.Bucket), 10)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MessageIDFingerprinter keys on the transport message id and falls back to
// Fallback for events without one.
type MessageIDFingerprinter struct {
	Fallback Fingerprinter
}

func (m MessageIDFingerprinter) Fingerprint(id Identity) string {
	if id.MessageID != "" {
		return "msg:" + id.SessionID + ":" + id.MessageID
	}
	if m.Fallback == nil {
		return ContentFingerprinter{}.Fingerprint(id)
	}
	return m.Fallback.Fingerprint(id)
}

// NewFingerprinter returns the fingerprinter configured by mode: "message_id"
// or anything else for content hashing.
func NewFingerprinter(mode string, bucket time.Duration) Fingerprinter {
	content := ContentFingerprinter{Bucket: bucket}
	if mode == "message_id" {
		return MessageIDFingerprinter{Fallback: content}
	}
	return content
}
