package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaymail/backend/internal/revision"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrDeletedRecord indicates an attempt to register a soft-deleted
	// record as newly created.
	ErrDeletedRecord = errors.New("store: refusing to add a deleted record")
	// ErrHardDeleteForbidden indicates an attempt to physically remove a
	// tracked record. Every removal must be a soft delete so the change log
	// observes it.
	ErrHardDeleteForbidden = errors.New("store: hard deletes are not supported, use Delete")
	// ErrAlreadyCommitted indicates reuse of a finished unit of work.
	ErrAlreadyCommitted = errors.New("store: unit of work already committed")
)

const (
	opUnitOfWorkNew    = "store.unit_of_work.new"
	opUnitOfWorkCommit = "store.unit_of_work.commit"
)

// SoftDeletable is a tracked record whose removal is expressed by setting a
// deletion marker rather than deleting the row.
type SoftDeletable interface {
	revision.Revisioned
	MarkDeleted(at time.Time)
}

// UnitOfWorkConfig describes the dependencies of a UnitOfWork.
type UnitOfWorkConfig struct {
	Database *gorm.DB
	// Recorder, when set, captures revision entries at commit time. A nil
	// recorder produces an unversioned unit of work.
	Recorder *revision.Recorder
	Clock    func() time.Time
	Logger   *zap.Logger
}

// UnitOfWork batches record creations, modifications and soft deletions and
// commits them atomically together with their change-log entries. It is not
// safe for concurrent use; each caller owns its own unit of work.
type UnitOfWork struct {
	db        *gorm.DB
	recorder  *revision.Recorder
	clock     func() time.Time
	logger    *zap.Logger
	created   []revision.Revisioned
	dirty     []revision.Revisioned
	committed bool
}

// NewUnitOfWork validates dependencies and constructs a UnitOfWork.
func NewUnitOfWork(cfg UnitOfWorkConfig) (*UnitOfWork, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opUnitOfWorkNew, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &UnitOfWork{
		db:       cfg.Database,
		recorder: cfg.Recorder,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Create registers a new record for insertion at commit time.
func (u *UnitOfWork) Create(record revision.Revisioned) error {
	if u.committed {
		return ErrAlreadyCommitted
	}
	if record.SoftDeleted() {
		return ErrDeletedRecord
	}
	u.created = append(u.created, record)
	return nil
}

// Save registers a loaded record as modified in place. Registering the same
// record twice is a no-op, as is registering a record already pending
// creation.
func (u *UnitOfWork) Save(record revision.Revisioned) error {
	if u.committed {
		return ErrAlreadyCommitted
	}
	if u.contains(u.created, record) || u.contains(u.dirty, record) {
		return nil
	}
	u.dirty = append(u.dirty, record)
	return nil
}

// Delete soft-deletes the record: the deletion marker is set and the record
// is routed through the normal dirty-save path so the change log observes it.
func (u *UnitOfWork) Delete(record SoftDeletable) error {
	if u.committed {
		return ErrAlreadyCommitted
	}
	record.MarkDeleted(u.clock().UTC())
	return u.Save(record)
}

// HardDelete always fails. Physical removal would be invisible to the change
// log.
func (u *UnitOfWork) HardDelete(revision.Revisioned) error {
	return ErrHardDeleteForbidden
}

// Commit persists all pending records inside a single transaction, then runs
// revision capture over the touched objects. Any failure rolls back the
// whole batch; a rolled-back unit of work leaves no log entries behind.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.committed {
		return ErrAlreadyCommitted
	}
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range u.created {
			if err := tx.Create(record).Error; err != nil {
				return fmt.Errorf("%s: create %s: %w", opUnitOfWorkCommit, record.RevisionTableName(), err)
			}
		}
		for _, record := range u.dirty {
			if err := tx.Save(record).Error; err != nil {
				return fmt.Errorf("%s: save %s: %w", opUnitOfWorkCommit, record.RevisionTableName(), err)
			}
		}
		if u.recorder != nil {
			if err := u.recorder.Capture(tx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		u.logger.Error("unit of work commit failed",
			zap.String("operation", opUnitOfWorkCommit),
			zap.Error(err))
		return err
	}
	u.committed = true
	u.created = nil
	u.dirty = nil
	return nil
}

// Rollback discards all pending registrations. Nothing has been persisted
// before Commit, so discarding the sets is sufficient.
func (u *UnitOfWork) Rollback() {
	u.created = nil
	u.dirty = nil
}

// Created implements revision.ChangeSet.
func (u *UnitOfWork) Created() []revision.Revisioned { return u.created }

// Dirty implements revision.ChangeSet.
func (u *UnitOfWork) Dirty() []revision.Revisioned { return u.dirty }

// Removed implements revision.ChangeSet. The store never physically removes
// tracked records, so the set is always empty.
func (u *UnitOfWork) Removed() []revision.Revisioned { return nil }

func (u *UnitOfWork) contains(set []revision.Revisioned, record revision.Revisioned) bool {
	for _, existing := range set {
		if existing == record {
			return true
		}
	}
	return false
}
