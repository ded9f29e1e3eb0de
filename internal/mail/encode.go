package mail

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaymail/backend/internal/revision"
)

// ErrUnsupportedRecord indicates the encoder received a record type it has no
// external representation for.
var ErrUnsupportedRecord = errors.New("mail: no snapshot encoding for record type")

// APIEncoder produces the externally visible snapshot of mail records. It is
// scoped to a single namespace so snapshots reference the namespace by public
// id without a per-record lookup.
type APIEncoder struct {
	namespacePublicID string
}

// NewAPIEncoder constructs an encoder scoped to the namespace's public id.
func NewAPIEncoder(namespacePublicID string) *APIEncoder {
	return &APIEncoder{namespacePublicID: namespacePublicID}
}

type namespaceSnapshot struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Name   string `json:"name"`
}

type threadSnapshot struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	NamespaceID string `json:"namespace_id"`
	Subject     string `json:"subject"`
}

type messageSnapshot struct {
	ID          string    `json:"id"`
	Object      string    `json:"object"`
	NamespaceID string    `json:"namespace_id"`
	ThreadID    string    `json:"thread_id"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	From        []Address `json:"from"`
	To          []Address `json:"to"`
	Cc          []Address `json:"cc"`
	Bcc         []Address `json:"bcc"`
	ReceivedAt  int64     `json:"received_at"`
	Size        int64     `json:"size"`
	Unread      bool      `json:"unread"`
	Draft       bool      `json:"draft"`
}

type contactSnapshot struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	NamespaceID string `json:"namespace_id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
}

// Encode implements revision.Encoder. Output is deterministic for a given
// record state: fixed field order, no map iteration.
func (e *APIEncoder) Encode(record revision.Revisioned) (json.RawMessage, error) {
	switch rec := record.(type) {
	case *Namespace:
		return json.Marshal(namespaceSnapshot{
			ID:     rec.PublicID,
			Object: "namespace",
			Name:   rec.Name,
		})
	case *Thread:
		return json.Marshal(threadSnapshot{
			ID:          rec.PublicID,
			Object:      "thread",
			NamespaceID: e.namespacePublicID,
			Subject:     rec.Subject,
		})
	case *Message:
		from, err := decodeAddresses(rec.FromJSON)
		if err != nil {
			return nil, fmt.Errorf("mail: decode from addresses: %w", err)
		}
		to, err := decodeAddresses(rec.ToJSON)
		if err != nil {
			return nil, fmt.Errorf("mail: decode to addresses: %w", err)
		}
		cc, err := decodeAddresses(rec.CcJSON)
		if err != nil {
			return nil, fmt.Errorf("mail: decode cc addresses: %w", err)
		}
		bcc, err := decodeAddresses(rec.BccJSON)
		if err != nil {
			return nil, fmt.Errorf("mail: decode bcc addresses: %w", err)
		}
		return json.Marshal(messageSnapshot{
			ID:          rec.PublicID,
			Object:      "message",
			NamespaceID: e.namespacePublicID,
			ThreadID:    rec.ThreadPublicID,
			Subject:     rec.Subject,
			Body:        rec.Body,
			From:        from,
			To:          to,
			Cc:          cc,
			Bcc:         bcc,
			ReceivedAt:  rec.ReceivedAt,
			Size:        rec.Size,
			Unread:      !rec.IsRead,
			Draft:       rec.IsDraft,
		})
	case *Contact:
		return json.Marshal(contactSnapshot{
			ID:          rec.PublicID,
			Object:      "contact",
			NamespaceID: e.namespacePublicID,
			Name:        rec.Name,
			Email:       rec.Email,
		})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedRecord, record)
	}
}
