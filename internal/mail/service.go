package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaymail/backend/internal/revision"
	"github.com/relaymail/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrInvalidName indicates an empty namespace or contact field that is
	// required.
	ErrInvalidName = errors.New("mail: invalid name")
	// ErrInvalidEmail indicates a missing contact email address.
	ErrInvalidEmail = errors.New("mail: invalid email address")
)

// ServiceError reports a domain operation failure with a stable
// operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const (
	opServiceNew      = "mail.service.new"
	opCreateNamespace = "mail.create_namespace"
	opGetNamespace    = "mail.get_namespace"
	opCreateThread    = "mail.create_thread"
	opCreateMessage   = "mail.create_message"
	opUpdateMessage   = "mail.update_message"
	opDeleteMessage   = "mail.delete_message"
	opSaveContact     = "mail.save_contact"
	opDeleteContact   = "mail.delete_contact"
	opListMessages    = "mail.list_messages"
	opListContacts    = "mail.list_contacts"
)

// ServiceConfig describes the dependencies of the mail Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider revision.IDProvider
	Logger     *zap.Logger
}

// Service owns the domain records and routes every mutation through a
// versioned unit of work so the change log observes it.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider revision.IDProvider
	logger     *zap.Logger
}

// NewService validates dependencies and constructs the mail Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateNamespace provisions a new tenancy scope. Namespace records scope the
// change feed rather than appearing in it, so the commit is unversioned.
func (s *Service) CreateNamespace(ctx context.Context, name string) (*Namespace, error) {
	if strings.TrimSpace(name) == "" {
		return nil, newServiceError(opCreateNamespace, "missing_name", ErrInvalidName)
	}
	publicID, err := s.idProvider.NewID()
	if err != nil {
		return nil, newServiceError(opCreateNamespace, "id_generation_failed", err)
	}
	namespace := &Namespace{PublicID: publicID, Name: strings.TrimSpace(name)}
	if err := s.db.WithContext(ctx).Create(namespace).Error; err != nil {
		s.logError(opCreateNamespace, "insert_failed", err)
		return nil, newServiceError(opCreateNamespace, "insert_failed", err)
	}
	return namespace, nil
}

// GetNamespace resolves a namespace by its public id.
func (s *Service) GetNamespace(ctx context.Context, publicID string) (*Namespace, error) {
	var namespace Namespace
	err := store.NewAccessor(s.db).Get(ctx, &namespace, "public_id = ?", publicID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newServiceError(opGetNamespace, "not_found", err)
	}
	if err != nil {
		s.logError(opGetNamespace, "query_failed", err)
		return nil, newServiceError(opGetNamespace, "query_failed", err)
	}
	return &namespace, nil
}

// CreateThread starts a new conversation in the namespace.
func (s *Service) CreateThread(ctx context.Context, namespace *Namespace, subject string) (*Thread, error) {
	publicID, err := s.idProvider.NewID()
	if err != nil {
		return nil, newServiceError(opCreateThread, "id_generation_failed", err)
	}
	thread := &Thread{
		Tracked: Tracked{PublicID: publicID, NamespaceID: namespace.ID},
		Subject: subject,
	}
	unit, err := s.unitOfWork(namespace)
	if err != nil {
		return nil, newServiceError(opCreateThread, "unit_of_work_failed", err)
	}
	if err := unit.Create(thread); err != nil {
		return nil, newServiceError(opCreateThread, "register_failed", err)
	}
	if err := unit.Commit(ctx); err != nil {
		s.logError(opCreateThread, "commit_failed", err, zap.String("namespace_id", namespace.PublicID))
		return nil, newServiceError(opCreateThread, "commit_failed", err)
	}
	return thread, nil
}

// MessageInput describes a message to create. ThreadPublicID is optional; a
// standalone message carries no thread until it is attached to one.
type MessageInput struct {
	ThreadPublicID string
	Subject        string
	Body           string
	From           []Address
	To             []Address
	Cc             []Address
	Bcc            []Address
	ReceivedAt     int64
	IsDraft        bool
}

// CreateMessage persists a message, linking it to known contacts through
// unversioned association rows.
func (s *Service) CreateMessage(ctx context.Context, namespace *Namespace, input MessageInput) (*Message, error) {
	publicID, err := s.idProvider.NewID()
	if err != nil {
		return nil, newServiceError(opCreateMessage, "id_generation_failed", err)
	}

	message := &Message{
		Tracked: Tracked{PublicID: publicID, NamespaceID: namespace.ID},
		Subject: input.Subject,
		Body:    input.Body,
		Size:    int64(len(input.Body)),
		IsDraft: input.IsDraft,
	}
	message.ReceivedAt = input.ReceivedAt
	if message.ReceivedAt == 0 {
		message.ReceivedAt = s.clock().UTC().Unix()
	}

	if input.ThreadPublicID != "" {
		var thread Thread
		err := store.NewAccessor(s.db).Get(ctx, &thread,
			"public_id = ? AND namespace_id = ?", input.ThreadPublicID, namespace.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, newServiceError(opCreateMessage, "thread_not_found", err)
		}
		if err != nil {
			s.logError(opCreateMessage, "thread_query_failed", err)
			return nil, newServiceError(opCreateMessage, "thread_query_failed", err)
		}
		message.ThreadID = thread.ID
		message.ThreadPublicID = thread.PublicID
	}

	if message.FromJSON, err = encodeAddresses(input.From); err != nil {
		return nil, newServiceError(opCreateMessage, "encode_addresses_failed", err)
	}
	if message.ToJSON, err = encodeAddresses(input.To); err != nil {
		return nil, newServiceError(opCreateMessage, "encode_addresses_failed", err)
	}
	if message.CcJSON, err = encodeAddresses(input.Cc); err != nil {
		return nil, newServiceError(opCreateMessage, "encode_addresses_failed", err)
	}
	if message.BccJSON, err = encodeAddresses(input.Bcc); err != nil {
		return nil, newServiceError(opCreateMessage, "encode_addresses_failed", err)
	}

	associations, err := s.contactAssociations(ctx, namespace, input)
	if err != nil {
		return nil, err
	}

	// Association rows ride along on the message insert; GORM fills the
	// message id on the has-many rows at create time.
	message.Contacts = associations

	unit, err := s.unitOfWork(namespace)
	if err != nil {
		return nil, newServiceError(opCreateMessage, "unit_of_work_failed", err)
	}
	if err := unit.Create(message); err != nil {
		return nil, newServiceError(opCreateMessage, "register_failed", err)
	}
	if err := unit.Commit(ctx); err != nil {
		s.logError(opCreateMessage, "commit_failed", err, zap.String("namespace_id", namespace.PublicID))
		return nil, newServiceError(opCreateMessage, "commit_failed", err)
	}
	return message, nil
}

// MessageUpdate lists the mutable message fields; nil means unchanged.
type MessageUpdate struct {
	Subject *string
	Body    *string
	IsRead  *bool
}

// UpdateMessage applies field updates to a visible message. Updates that do
// not change the externally visible snapshot produce no log entry.
func (s *Service) UpdateMessage(ctx context.Context, namespace *Namespace, publicID string, update MessageUpdate) (*Message, error) {
	var message Message
	err := store.NewAccessor(s.db).Get(ctx, &message,
		"public_id = ? AND namespace_id = ?", publicID, namespace.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newServiceError(opUpdateMessage, "not_found", err)
	}
	if err != nil {
		s.logError(opUpdateMessage, "query_failed", err)
		return nil, newServiceError(opUpdateMessage, "query_failed", err)
	}

	if update.Subject != nil {
		message.Subject = *update.Subject
	}
	if update.Body != nil {
		message.Body = *update.Body
		message.Size = int64(len(message.Body))
	}
	if update.IsRead != nil {
		message.IsRead = *update.IsRead
	}

	unit, err := s.unitOfWork(namespace)
	if err != nil {
		return nil, newServiceError(opUpdateMessage, "unit_of_work_failed", err)
	}
	if err := unit.Save(&message); err != nil {
		return nil, newServiceError(opUpdateMessage, "register_failed", err)
	}
	if err := unit.Commit(ctx); err != nil {
		s.logError(opUpdateMessage, "commit_failed", err, zap.String("message_id", publicID))
		return nil, newServiceError(opUpdateMessage, "commit_failed", err)
	}
	return &message, nil
}

// DeleteMessage soft-deletes a visible message.
func (s *Service) DeleteMessage(ctx context.Context, namespace *Namespace, publicID string) error {
	var message Message
	err := store.NewAccessor(s.db).Get(ctx, &message,
		"public_id = ? AND namespace_id = ?", publicID, namespace.ID)
	if errors.Is(err, store.ErrNotFound) {
		return newServiceError(opDeleteMessage, "not_found", err)
	}
	if err != nil {
		s.logError(opDeleteMessage, "query_failed", err)
		return newServiceError(opDeleteMessage, "query_failed", err)
	}

	unit, err := s.unitOfWork(namespace)
	if err != nil {
		return newServiceError(opDeleteMessage, "unit_of_work_failed", err)
	}
	if err := unit.Delete(&message); err != nil {
		return newServiceError(opDeleteMessage, "register_failed", err)
	}
	if err := unit.Commit(ctx); err != nil {
		s.logError(opDeleteMessage, "commit_failed", err, zap.String("message_id", publicID))
		return newServiceError(opDeleteMessage, "commit_failed", err)
	}
	return nil
}

// ContactInput describes a contact upsert keyed by email.
type ContactInput struct {
	Name  string
	Email string
}

// SaveContact creates or updates the contact with the given email. A save
// that leaves the externally visible fields unchanged produces no log entry.
func (s *Service) SaveContact(ctx context.Context, namespace *Namespace, input ContactInput) (*Contact, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" {
		return nil, newServiceError(opSaveContact, "missing_email", ErrInvalidEmail)
	}

	var contact Contact
	err := store.NewAccessor(s.db).Get(ctx, &contact,
		"email = ? AND namespace_id = ?", email, namespace.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logError(opSaveContact, "query_failed", err)
		return nil, newServiceError(opSaveContact, "query_failed", err)
	}

	unit, uerr := s.unitOfWork(namespace)
	if uerr != nil {
		return nil, newServiceError(opSaveContact, "unit_of_work_failed", uerr)
	}

	if errors.Is(err, store.ErrNotFound) {
		publicID, iderr := s.idProvider.NewID()
		if iderr != nil {
			return nil, newServiceError(opSaveContact, "id_generation_failed", iderr)
		}
		contact = Contact{
			Tracked: Tracked{PublicID: publicID, NamespaceID: namespace.ID},
			Name:    input.Name,
			Email:   email,
			Source:  "local",
		}
		if err := unit.Create(&contact); err != nil {
			return nil, newServiceError(opSaveContact, "register_failed", err)
		}
	} else {
		contact.Name = input.Name
		if err := unit.Save(&contact); err != nil {
			return nil, newServiceError(opSaveContact, "register_failed", err)
		}
	}

	if err := unit.Commit(ctx); err != nil {
		s.logError(opSaveContact, "commit_failed", err, zap.String("email", email))
		return nil, newServiceError(opSaveContact, "commit_failed", err)
	}
	return &contact, nil
}

// DeleteContact soft-deletes a visible contact.
func (s *Service) DeleteContact(ctx context.Context, namespace *Namespace, publicID string) error {
	var contact Contact
	err := store.NewAccessor(s.db).Get(ctx, &contact,
		"public_id = ? AND namespace_id = ?", publicID, namespace.ID)
	if errors.Is(err, store.ErrNotFound) {
		return newServiceError(opDeleteContact, "not_found", err)
	}
	if err != nil {
		s.logError(opDeleteContact, "query_failed", err)
		return newServiceError(opDeleteContact, "query_failed", err)
	}

	unit, err := s.unitOfWork(namespace)
	if err != nil {
		return newServiceError(opDeleteContact, "unit_of_work_failed", err)
	}
	if err := unit.Delete(&contact); err != nil {
		return newServiceError(opDeleteContact, "register_failed", err)
	}
	if err := unit.Commit(ctx); err != nil {
		s.logError(opDeleteContact, "commit_failed", err, zap.String("contact_id", publicID))
		return newServiceError(opDeleteContact, "commit_failed", err)
	}
	return nil
}

// ListMessages returns the namespace's messages, newest first. Soft-deleted
// messages are excluded unless includeDeleted is set.
func (s *Service) ListMessages(ctx context.Context, namespace *Namespace, includeDeleted bool) ([]Message, error) {
	accessor := store.NewAccessor(s.db)
	if includeDeleted {
		accessor = accessor.IncludeDeleted()
	}
	var messages []Message
	err := accessor.Find(ctx, &messages, "namespace_id = ?", namespace.ID)
	if err != nil {
		s.logError(opListMessages, "query_failed", err)
		return nil, newServiceError(opListMessages, "query_failed", err)
	}
	return messages, nil
}

// ListContacts returns the namespace's visible contacts.
func (s *Service) ListContacts(ctx context.Context, namespace *Namespace, includeDeleted bool) ([]Contact, error) {
	accessor := store.NewAccessor(s.db)
	if includeDeleted {
		accessor = accessor.IncludeDeleted()
	}
	var contacts []Contact
	err := accessor.Find(ctx, &contacts, "namespace_id = ?", namespace.ID)
	if err != nil {
		s.logError(opListContacts, "query_failed", err)
		return nil, newServiceError(opListContacts, "query_failed", err)
	}
	return contacts, nil
}

// unitOfWork builds a versioned unit of work scoped to the namespace, so the
// recorder skips the per-record namespace resolution and snapshots reference
// the namespace public id directly.
func (s *Service) unitOfWork(namespace *Namespace) (*store.UnitOfWork, error) {
	recorder, err := revision.NewRecorder(revision.RecorderConfig{
		IDProvider:  s.idProvider,
		Encoder:     NewAPIEncoder(namespace.PublicID),
		Logger:      s.logger,
		NamespaceID: namespace.ID,
	})
	if err != nil {
		return nil, err
	}
	return store.NewUnitOfWork(store.UnitOfWorkConfig{
		Database: s.db,
		Recorder: recorder,
		Clock:    s.clock,
		Logger:   s.logger,
	})
}

func (s *Service) contactAssociations(ctx context.Context, namespace *Namespace, input MessageInput) ([]MessageContact, error) {
	fields := []struct {
		name  string
		addrs []Address
	}{
		{name: "to", addrs: input.To},
		{name: "cc", addrs: input.Cc},
		{name: "bcc", addrs: input.Bcc},
		{name: "from", addrs: input.From},
	}
	accessor := store.NewAccessor(s.db)
	var associations []MessageContact
	for _, field := range fields {
		for _, addr := range field.addrs {
			email := strings.ToLower(strings.TrimSpace(addr.Email))
			if email == "" {
				continue
			}
			var contact Contact
			err := accessor.Get(ctx, &contact, "email = ? AND namespace_id = ?", email, namespace.ID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				s.logError(opCreateMessage, "contact_query_failed", err)
				return nil, newServiceError(opCreateMessage, "contact_query_failed", err)
			}
			associations = append(associations, MessageContact{
				ContactID:   contact.ID,
				Field:       field.name,
				NamespaceID: namespace.ID,
			})
		}
	}
	return associations, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("mail service error", attrs...)
}
