package revision

import (
	"errors"
	"time"
)

// Command enumerates the mutation kinds recorded in the transaction log.
type Command string

const (
	// CommandInsert records the creation of a record.
	CommandInsert Command = "insert"
	// CommandUpdate records an externally visible modification.
	CommandUpdate Command = "update"
	// CommandDelete records a soft deletion. Delete entries carry no snapshot.
	CommandDelete Command = "delete"
)

// ErrUnknownCommand indicates a command value outside the insert/update/delete set.
var ErrUnknownCommand = errors.New("revision: unknown command")

// Transaction is one immutable entry in the append-only change log. The
// autoincrement ID establishes the total order consumed by the delta feed;
// PublicID is the externally visible cursor value and is assigned exactly
// once, before the entry is persisted.
type Transaction struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	PublicID       string    `gorm:"column:public_id;size:36;not null;uniqueIndex:idx_transactions_public_id"`
	NamespaceID    int64     `gorm:"column:namespace_id;not null;index:idx_transactions_namespace_seq,priority:1"`
	RecordTable    string    `gorm:"column:record_table;size:40;not null;index:idx_transactions_record,priority:1"`
	RecordID       int64     `gorm:"column:record_id;not null;index:idx_transactions_record,priority:2"`
	ObjectPublicID string    `gorm:"column:object_public_id;size:36;not null;default:''"`
	Command        Command   `gorm:"column:command;size:10;not null"`
	SnapshotJSON   string    `gorm:"column:snapshot;type:text;not null;default:''"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime;index"`
}

// TableName provides the explicit table binding for GORM.
func (Transaction) TableName() string {
	return "transactions"
}

// Revisioned is implemented by domain records that participate in change
// tracking. The log never owns records; it references them through these
// accessors only.
type Revisioned interface {
	// RevisionTableName is the string tag identifying the record's type.
	RevisionTableName() string
	// RevisionRecordID is the store-assigned identity, valid once persisted.
	RevisionRecordID() int64
	// RevisionPublicID is the externally stable identifier of the record.
	RevisionPublicID() string
	// RevisionNamespaceID scopes the record to its tenant.
	RevisionNamespaceID() int64
	// SoftDeleted reports whether the soft-delete marker is set.
	SoftDeleted() bool
	// ShouldCreateRevision lets a record opt out of the log. Association
	// records that carry no externally visible state return false.
	ShouldCreateRevision() bool
}
