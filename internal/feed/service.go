package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaymail/backend/internal/revision"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StartCursor is the sentinel cursor meaning "start of the log".
const StartCursor = "0"

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

var (
	// ErrInvalidCursor indicates a cursor that does not resolve to a log
	// entry in the requested namespace. Distinct from an empty page.
	ErrInvalidCursor = errors.New("feed: invalid cursor")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew          = "feed.service.new"
	opPage                = "feed.page"
	opCursorFromTimestamp = "feed.cursor_from_timestamp"
)

// Event names the externally visible mutation kinds in a delta.
type Event string

const (
	EventCreate Event = "create"
	EventUpdate Event = "update"
	EventDelete Event = "delete"
)

// Delta is one feed item describing a single mutation.
type Delta struct {
	ID         string          `json:"id"`
	ObjectType string          `json:"object_type"`
	Event      Event           `json:"event"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// Page is one bounded slice of the change feed. CursorEnd equals CursorStart
// when the page is empty, signalling the caller is caught up.
type Page struct {
	CursorStart string  `json:"cursor_start"`
	Deltas      []Delta `json:"deltas"`
	CursorEnd   string  `json:"cursor_end"`
}

// ServiceConfig describes the dependencies of the feed Service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	// MaxPageSize bounds the limit a caller may request; zero applies the
	// package default.
	MaxPageSize int
}

// Service serves ordered, resumable pages of the change log to sync clients.
type Service struct {
	db          *gorm.DB
	logger      *zap.Logger
	maxPageSize int
}

// NewService validates dependencies and constructs a feed Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxSize := cfg.MaxPageSize
	if maxSize <= 0 {
		maxSize = maxPageSize
	}
	return &Service{db: cfg.Database, logger: logger, maxPageSize: maxSize}, nil
}

// Page returns up to limit deltas strictly after cursorStart, ascending in
// log order, scoped to the namespace. Feeding each page's CursorEnd back as
// the next CursorStart walks the feed without gaps or duplicates.
func (s *Service) Page(ctx context.Context, namespaceID int64, cursorStart string, limit int) (Page, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > s.maxPageSize {
		limit = s.maxPageSize
	}

	startID, err := s.resolveCursor(ctx, namespaceID, cursorStart)
	if err != nil {
		return Page{}, err
	}

	var entries []revision.Transaction
	err = s.db.WithContext(ctx).
		Where("namespace_id = ? AND id > ?", namespaceID, startID).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		s.logger.Error("change log scan failed",
			zap.String("operation", opPage),
			zap.Int64("namespace_id", namespaceID),
			zap.Error(err))
		return Page{}, fmt.Errorf("%s: %w", opPage, err)
	}

	page := Page{CursorStart: cursorStart, Deltas: make([]Delta, 0, len(entries)), CursorEnd: cursorStart}
	for _, entry := range entries {
		delta, err := shapeDelta(entry)
		if err != nil {
			return Page{}, fmt.Errorf("%s: %w", opPage, err)
		}
		page.Deltas = append(page.Deltas, delta)
		page.CursorEnd = entry.PublicID
	}
	return page, nil
}

// CursorFromTimestamp returns the cursor of the most recent entry strictly
// before the given unix time within the namespace, or StartCursor when no
// such entry exists. It lets a client bootstrap from a wall-clock point
// instead of replaying the whole log.
func (s *Service) CursorFromTimestamp(ctx context.Context, namespaceID int64, unixSeconds int64) (string, error) {
	cutoff := time.Unix(unixSeconds, 0).UTC()
	var entry revision.Transaction
	err := s.db.WithContext(ctx).
		Where("namespace_id = ? AND created_at < ?", namespaceID, cutoff).
		Order("id DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StartCursor, nil
	}
	if err != nil {
		s.logger.Error("timestamp cursor lookup failed",
			zap.String("operation", opCursorFromTimestamp),
			zap.Int64("namespace_id", namespaceID),
			zap.Error(err))
		return "", fmt.Errorf("%s: %w", opCursorFromTimestamp, err)
	}
	return entry.PublicID, nil
}

func (s *Service) resolveCursor(ctx context.Context, namespaceID int64, cursor string) (int64, error) {
	if cursor == StartCursor {
		return 0, nil
	}
	var entry revision.Transaction
	err := s.db.WithContext(ctx).
		Select("id").
		Where("public_id = ? AND namespace_id = ?", cursor, namespaceID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Never silently resync from the beginning on a bad cursor.
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", opPage, err)
	}
	return entry.ID, nil
}

func shapeDelta(entry revision.Transaction) (Delta, error) {
	delta := Delta{
		ID:         entry.ObjectPublicID,
		ObjectType: objectTypeForTable(entry.RecordTable),
	}
	switch entry.Command {
	case revision.CommandInsert:
		delta.Event = EventCreate
	case revision.CommandUpdate:
		delta.Event = EventUpdate
	case revision.CommandDelete:
		delta.Event = EventDelete
	default:
		return Delta{}, fmt.Errorf("%w: %q", revision.ErrUnknownCommand, entry.Command)
	}

	if entry.Command == revision.CommandDelete {
		return delta, nil
	}

	// Insert and update deltas carry the full snapshot and take their id
	// and type tag from it, as the encoder is the authority on the
	// external representation.
	delta.Attributes = json.RawMessage(entry.SnapshotJSON)
	var tags struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal([]byte(entry.SnapshotJSON), &tags); err == nil {
		if tags.ID != "" {
			delta.ID = tags.ID
		}
		if tags.Object != "" {
			delta.ObjectType = tags.Object
		}
	}
	return delta, nil
}

// objectTypeForTable maps a table tag to the singular object type used in
// delta payloads. Delete entries have no snapshot to read the tag from.
func objectTypeForTable(table string) string {
	return strings.TrimSuffix(table, "s")
}
