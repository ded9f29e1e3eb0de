package mail

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Tracked carries the identity, tenancy and soft-delete columns shared by
// all revisioned mail records.
type Tracked struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement"`
	PublicID    string         `gorm:"column:public_id;size:36;not null;uniqueIndex"`
	NamespaceID int64          `gorm:"column:namespace_id;not null;index"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt   gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// RevisionRecordID implements revision.Revisioned.
func (t *Tracked) RevisionRecordID() int64 { return t.ID }

// RevisionPublicID implements revision.Revisioned.
func (t *Tracked) RevisionPublicID() string { return t.PublicID }

// RevisionNamespaceID implements revision.Revisioned.
func (t *Tracked) RevisionNamespaceID() int64 { return t.NamespaceID }

// SoftDeleted implements revision.Revisioned.
func (t *Tracked) SoftDeleted() bool { return t.DeletedAt.Valid }

// ShouldCreateRevision implements revision.Revisioned. Records are versioned
// by default; types with opt-out rules override this.
func (t *Tracked) ShouldCreateRevision() bool { return true }

// MarkDeleted implements store.SoftDeletable.
func (t *Tracked) MarkDeleted(at time.Time) {
	t.DeletedAt = gorm.DeletedAt{Time: at, Valid: true}
}

// Namespace is the tenancy boundary partitioning records and the change feed.
type Namespace struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement"`
	PublicID  string         `gorm:"column:public_id;size:36;not null;uniqueIndex"`
	Name      string         `gorm:"column:name;size:190;not null"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// TableName provides the explicit table binding for GORM.
func (Namespace) TableName() string { return "namespaces" }

// RevisionTableName implements revision.Revisioned.
func (Namespace) RevisionTableName() string { return "namespaces" }

// RevisionRecordID implements revision.Revisioned.
func (n *Namespace) RevisionRecordID() int64 { return n.ID }

// RevisionPublicID implements revision.Revisioned.
func (n *Namespace) RevisionPublicID() string { return n.PublicID }

// RevisionNamespaceID implements revision.Revisioned. A namespace scopes
// itself.
func (n *Namespace) RevisionNamespaceID() int64 { return n.ID }

// SoftDeleted implements revision.Revisioned.
func (n *Namespace) SoftDeleted() bool { return n.DeletedAt.Valid }

// ShouldCreateRevision implements revision.Revisioned.
func (n *Namespace) ShouldCreateRevision() bool { return true }

// MarkDeleted implements store.SoftDeletable.
func (n *Namespace) MarkDeleted(at time.Time) {
	n.DeletedAt = gorm.DeletedAt{Time: at, Valid: true}
}

// Thread groups the messages of one conversation.
type Thread struct {
	Tracked
	Subject  string    `gorm:"column:subject;size:255"`
	Messages []Message `gorm:"foreignKey:ThreadID"`
}

// TableName provides the explicit table binding for GORM.
func (Thread) TableName() string { return "threads" }

// RevisionTableName implements revision.Revisioned.
func (Thread) RevisionTableName() string { return "threads" }

// Address is one mailbox participant as exposed through the API.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Message is a single mail message within a thread. Address lists are stored
// as JSON text columns, matching their external representation.
type Message struct {
	Tracked
	ThreadID       int64  `gorm:"column:thread_id;not null;index"`
	ThreadPublicID string `gorm:"column:thread_public_id;size:36;not null"`
	Subject        string `gorm:"column:subject;size:255"`
	Body           string `gorm:"column:body;type:text"`
	FromJSON       string `gorm:"column:from_addrs;type:text;not null;default:'[]'"`
	ToJSON         string `gorm:"column:to_addrs;type:text;not null;default:'[]'"`
	CcJSON         string `gorm:"column:cc_addrs;type:text;not null;default:'[]'"`
	BccJSON        string `gorm:"column:bcc_addrs;type:text;not null;default:'[]'"`
	ReceivedAt     int64  `gorm:"column:received_at_s;not null"`
	Size           int64  `gorm:"column:size;not null;default:0"`
	IsRead         bool   `gorm:"column:is_read;not null;default:false"`
	IsDraft        bool   `gorm:"column:is_draft;not null;default:false"`

	Contacts []MessageContact `gorm:"foreignKey:MessageID"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string { return "messages" }

// RevisionTableName implements revision.Revisioned.
func (Message) RevisionTableName() string { return "messages" }

// Addresses decodes the stored from/to/cc/bcc address lists.
func (m *Message) Addresses() (from, to, cc, bcc []Address, err error) {
	if from, err = decodeAddresses(m.FromJSON); err != nil {
		return nil, nil, nil, nil, err
	}
	if to, err = decodeAddresses(m.ToJSON); err != nil {
		return nil, nil, nil, nil, err
	}
	if cc, err = decodeAddresses(m.CcJSON); err != nil {
		return nil, nil, nil, nil, err
	}
	if bcc, err = decodeAddresses(m.BccJSON); err != nil {
		return nil, nil, nil, nil, err
	}
	return from, to, cc, bcc, nil
}

// Contact is an address-book entry. Contacts are dirtied every time they are
// associated to a message, so revisions are suppressed unless the fields the
// API exposes actually changed from the loaded baseline.
type Contact struct {
	Tracked
	Name   string `gorm:"column:name;size:255"`
	Email  string `gorm:"column:email;size:320;not null;index"`
	UID    string `gorm:"column:uid;size:64"`
	Source string `gorm:"column:source;size:16;not null;default:'local'"`

	baselineName     string
	baselineEmail    string
	baselineCaptured bool
}

// TableName provides the explicit table binding for GORM.
func (Contact) TableName() string { return "contacts" }

// RevisionTableName implements revision.Revisioned.
func (Contact) RevisionTableName() string { return "contacts" }

// AfterFind captures the loaded field baseline used by ShouldCreateRevision.
func (c *Contact) AfterFind(*gorm.DB) error {
	c.baselineName = c.Name
	c.baselineEmail = c.Email
	c.baselineCaptured = true
	return nil
}

// ShouldCreateRevision suppresses revisions for contacts whose externally
// visible fields are unchanged since load. New contacts, contacts with no
// captured baseline, and deletions are always versioned.
func (c *Contact) ShouldCreateRevision() bool {
	if c.SoftDeleted() || !c.baselineCaptured {
		return true
	}
	return c.Name != c.baselineName || c.Email != c.baselineEmail
}

// MessageContact associates a contact with a message in a given header field.
// Association rows carry no externally visible state and opt out of the
// change log entirely.
type MessageContact struct {
	MessageID   int64  `gorm:"column:message_id;primaryKey"`
	ContactID   int64  `gorm:"column:contact_id;primaryKey"`
	Field       string `gorm:"column:field;primaryKey;size:10"`
	NamespaceID int64  `gorm:"column:namespace_id;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (MessageContact) TableName() string { return "message_contacts" }

// RevisionTableName implements revision.Revisioned.
func (MessageContact) RevisionTableName() string { return "message_contacts" }

// RevisionRecordID implements revision.Revisioned.
func (a *MessageContact) RevisionRecordID() int64 { return a.MessageID }

// RevisionPublicID implements revision.Revisioned.
func (a *MessageContact) RevisionPublicID() string { return "" }

// RevisionNamespaceID implements revision.Revisioned.
func (a *MessageContact) RevisionNamespaceID() int64 { return a.NamespaceID }

// SoftDeleted implements revision.Revisioned.
func (a *MessageContact) SoftDeleted() bool { return false }

// ShouldCreateRevision implements revision.Revisioned.
func (a *MessageContact) ShouldCreateRevision() bool { return false }

func encodeAddresses(addrs []Address) (string, error) {
	if addrs == nil {
		addrs = []Address{}
	}
	raw, err := json.Marshal(addrs)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeAddresses(raw string) ([]Address, error) {
	if raw == "" {
		return []Address{}, nil
	}
	var addrs []Address
	if err := json.Unmarshal([]byte(raw), &addrs); err != nil {
		return nil, err
	}
	return addrs, nil
}
