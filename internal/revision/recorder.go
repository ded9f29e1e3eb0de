package revision

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingIDProvider = errors.New("id provider is required")
	errMissingEncoder    = errors.New("snapshot encoder is required")
	noOpLogger           = zap.NewNop()
)

const (
	opRecorderNew = "revision.recorder.new"
	opCapture     = "revision.capture"
)

// RecorderError reports a capture failure with a stable operation.reason code.
type RecorderError struct {
	code string
	err  error
}

func (e *RecorderError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RecorderError) Unwrap() error {
	return e.err
}

func (e *RecorderError) Code() string {
	return e.code
}

func newRecorderError(operation, reason string, cause error) error {
	return &RecorderError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// RecorderConfig describes the dependencies of a Recorder.
type RecorderConfig struct {
	IDProvider IDProvider
	Encoder    Encoder
	Logger     *zap.Logger
	// NamespaceID, when non-zero, scopes the capture to a single namespace
	// and skips the per-record namespace resolution.
	NamespaceID int64
}

// Recorder appends change-log entries for the objects touched by a committing
// unit of work. It runs inside the unit of work's transaction, so entries are
// committed atomically with the records they describe.
type Recorder struct {
	idProvider  IDProvider
	encoder     Encoder
	logger      *zap.Logger
	namespaceID int64
}

// NewRecorder validates dependencies and constructs a Recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.IDProvider == nil {
		return nil, newRecorderError(opRecorderNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Encoder == nil {
		return nil, newRecorderError(opRecorderNew, "missing_encoder", errMissingEncoder)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Recorder{
		idProvider:  cfg.IDProvider,
		encoder:     cfg.Encoder,
		logger:      logger,
		namespaceID: cfg.NamespaceID,
	}, nil
}

// ChangeSet enumerates the disjoint object sets of a unit of work at commit
// time: newly created, modified in place, and physically removed. The sets
// must be populated after identities have been assigned.
type ChangeSet interface {
	Created() []Revisioned
	Dirty() []Revisioned
	Removed() []Revisioned
}

// Capture walks the change set and appends one log entry per externally
// meaningful mutation. A snapshot encoding failure skips that single object
// with a warning; any store failure aborts the surrounding transaction so the
// data and its revision trail never diverge.
func (r *Recorder) Capture(tx *gorm.DB, changes ChangeSet) error {
	for _, record := range changes.Created() {
		if err := r.captureInsert(tx, record); err != nil {
			return err
		}
	}
	for _, record := range changes.Dirty() {
		if record.SoftDeleted() {
			if err := r.captureDelete(tx, record); err != nil {
				return err
			}
			continue
		}
		if err := r.captureUpdate(tx, record); err != nil {
			return err
		}
	}
	for _, record := range changes.Removed() {
		if err := r.captureDelete(tx, record); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) captureInsert(tx *gorm.DB, record Revisioned) error {
	if !record.ShouldCreateRevision() {
		return nil
	}
	snapshot, ok := r.encodeOrSkip(record)
	if !ok {
		return nil
	}
	return r.append(tx, record, CommandInsert, string(snapshot))
}

func (r *Recorder) captureDelete(tx *gorm.DB, record Revisioned) error {
	if !record.ShouldCreateRevision() {
		return nil
	}
	return r.append(tx, record, CommandDelete, "")
}

func (r *Recorder) captureUpdate(tx *gorm.DB, record Revisioned) error {
	if !record.ShouldCreateRevision() {
		return nil
	}
	snapshot, ok := r.encodeOrSkip(record)
	if !ok {
		return nil
	}

	// Diff against the most recently logged snapshot for this record, not
	// the in-memory prior state. A record with no prior revision is logged
	// unconditionally.
	var prior Transaction
	err := tx.Where("record_table = ? AND record_id = ?", record.RevisionTableName(), record.RevisionRecordID()).
		Order("id DESC").
		Take(&prior).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return newRecorderError(opCapture, "prior_lookup_failed", err)
	}
	if err == nil && prior.SnapshotJSON != "" {
		equal, cmpErr := snapshotsEqual(snapshot, prior.SnapshotJSON)
		if cmpErr != nil {
			// A malformed stored snapshot must not suppress the entry.
			r.logger.Warn("prior snapshot comparison failed, logging revision",
				zap.String("operation", opCapture),
				zap.String("record_table", record.RevisionTableName()),
				zap.Int64("record_id", record.RevisionRecordID()),
				zap.Error(cmpErr))
		} else if equal {
			return nil
		}
	}
	return r.append(tx, record, CommandUpdate, string(snapshot))
}

func (r *Recorder) encodeOrSkip(record Revisioned) (snapshot []byte, ok bool) {
	encoded, err := r.encoder.Encode(record)
	if err != nil {
		r.logger.Warn("snapshot encoding failed, skipping revision",
			zap.String("operation", opCapture),
			zap.String("record_table", record.RevisionTableName()),
			zap.Int64("record_id", record.RevisionRecordID()),
			zap.Error(err))
		return nil, false
	}
	return encoded, true
}

func (r *Recorder) append(tx *gorm.DB, record Revisioned, command Command, snapshotJSON string) error {
	publicID, err := r.idProvider.NewID()
	if err != nil {
		return newRecorderError(opCapture, "id_generation_failed", err)
	}
	namespaceID := r.namespaceID
	if namespaceID == 0 {
		namespaceID = record.RevisionNamespaceID()
	}
	entry := Transaction{
		PublicID:       publicID,
		NamespaceID:    namespaceID,
		RecordTable:    record.RevisionTableName(),
		RecordID:       record.RevisionRecordID(),
		ObjectPublicID: record.RevisionPublicID(),
		Command:        command,
		SnapshotJSON:   snapshotJSON,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return newRecorderError(opCapture, "append_failed", err)
	}
	return nil
}
