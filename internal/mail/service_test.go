package mail

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/relaymail/backend/internal/feed"
	"github.com/relaymail/backend/internal/revision"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%d", p.next), nil
}

func newMailTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:mail_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	err = db.AutoMigrate(&Namespace{}, &Thread{}, &Message{}, &Contact{}, &MessageContact{}, &revision.Transaction{})
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestMailService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1750000000, 0).UTC() },
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to construct mail service: %v", err)
	}
	return service
}

func mustNamespace(t *testing.T, service *Service) *Namespace {
	t.Helper()
	namespace, err := service.CreateNamespace(context.Background(), "test account")
	if err != nil {
		t.Fatalf("failed to create namespace: %v", err)
	}
	return namespace
}

func loadLogEntries(t *testing.T, db *gorm.DB) []revision.Transaction {
	t.Helper()
	var entries []revision.Transaction
	if err := db.Order("id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load log entries: %v", err)
	}
	return entries
}

func TestCreateNamespaceProducesNoLogEntries(t *testing.T) {
	db := newMailTestDB(t)
	service := newTestMailService(t, db)

	namespace := mustNamespace(t, service)
	if namespace.PublicID == "" {
		t.Fatalf("expected namespace public id")
	}
	if entries := loadLogEntries(t, db); len(entries) != 0 {
		t.Fatalf("namespace creation must not be versioned, got %d entries", len(entries))
	}
}

func TestCreateNamespaceRejectsBlankName(t *testing.T) {
	db := newMailTestDB(t)
	service := newTestMailService(t, db)

	_, err := service.CreateNamespace(context.Background(), "   ")
	if !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestCreateMessageLogsSingleCreateDelta(t *testing.T) {
	db := newMailTestDB(t)
	service := newTestMailService(t, db)
	namespace := mustNamespace(t, service)

	message, err := service.CreateMessage(context.Background(), namespace, MessageInput{
		Subject:    "hello",
		Body:       "body text",
		From:       []Address{{Name: "Sender", Email: "sender@example.com"}},
		To:         []Address{{Name: "Rcpt", Email: "rcpt@example.com"}},
		Cc:         []Address{{Email: "cc@example.com"}},
		ReceivedAt: 1749000000,
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	entries := loadLogEntries(t, db)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Command != revision.CommandInsert || entry.RecordTable != "messages" {
		t.Fatalf("unexpected entry: %#v", entry)
	}
	if entry.ObjectPublicID != message.PublicID {
		t.Fatalf("entry object id %s, want %s", entry.ObjectPublicID, message.PublicID)
	}
	if entry.NamespaceID != namespace.ID {
		t.Fatalf("entry namespace %d, want %d", entry.NamespaceID, namespace.ID)
	}

	feedService, err := feed.NewService(feed.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct feed service: %v", err)
	}
	page, err := feedService.Page(context.Background(), namespace.ID, feed.StartCursor, 10)
	if err != nil {
		t.Fatalf("unexpected page error: %v", err)
	}
	if len(page.Deltas) != 1 {
		t.Fatalf("expected a single delta, got %d", len(page.Deltas))
	}
	delta := page.Deltas[0]
	if delta.Event != feed.EventCreate || delta.ObjectType != "message" || delta.ID != message.PublicID {
		t.Fatalf("unexpected delta: %#v", delta)
	}
	if len(delta.Attributes) == 0 {
		t.Fatalf("create delta must carry the snapshot attributes")
	}
}

func TestCreateMessageInThread(t *testing.T) {
	db := newMailTestDB(t)
	service := newTestMailService(t, db)
	namespace := mustNamespace(t, service)

	thread, err := service.CreateThread(context.Background(), namespace, "a topic")
	if err != nil {
		t.Fatalf("unexpected thread error: %v", err)
	}

	message, err := service.CreateMessage(context.Background(), namespace, MessageInput{
		ThreadPublicID: thread.PublicID,
		Subject:        "re: a topic",
		Body:           "reply",
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if message.ThreadID != thread.ID || message.ThreadPublicID != thread.PublicID {
		t.Fatalf("message not linked to thread: %#v", message)
	}
	if message.ReceivedAt != 1750000000 {
		t.Fatalf("expected clock fallback for received_at, got %d", message.ReceivedAt)
	}
}

func TestCreateMessageRejectsUnknownThread(t *testing.T) {
	db := newMailTestDB(t)
	service := newTestMailService(t, db)
	namespace := mustNamespace(t, service)

	_, err := service.CreateMessage(context.Background(), namespace, MessageInput{
		ThreadPublicID: "missing-thread",
		Subject:        "orphan",
	})
	if err == nil {
		t.Fatalf("expected error for unknown thread")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "mail.create_message.thread_not_found" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateMessageElidesIdenticalSecondUpdate(t *testing.T) {
	db := newMailTestDB(t)
	service := newTestMailService(t, db)
	namespace := mustNamespace(t, service)

	message, err := service.CreateMessage(context.Background(), namespace, MessageInput{Subject: "before"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	subject := "after"
	if _, err := service.UpdateMessage(context.Background(), namespace, message.PublicID, MessageUpdate{Subject: &subject}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if _, err := service.UpdateMessage(context.Background(), namespace, message.PublicID, MessageUpdate{Subject: &subject}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	entries := loadLogEntries(t, db)
	if len(entries) != 2 {
		t.Fatalf("expected create plus one update entry, got %d", len(entries))
	}
	if entries[1].Command != revision.CommandUpdate {
		t.Fatalf("expected update entry, got %s", entries[1].Command)
	}
}

func TestDeleteMessageLogsDeleteAndHidesRecord(t *testing.T) {
	db := newMailTestDB(t)
	service := newTestMailService(t, db)
	namespace := mustNamespace(t, service)

	message, err := service.CreateMessage(context.Background(), namespace, MessageInput{Subject: "doomed"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := service.DeleteMessage(context.Background(), namespace, message.PublicID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	entries := loadLogEntries(t, db)
	if len(entries) != 2 {
		t.Fatalf("expected create plus delete entry, got %d", len(entries))
	}
	last := entries[len(entries)-1]
	if last.Command != revision.CommandDelete {
		t.Fatalf("expected delete entry last, got %s", last.Command)
	}
	if last.ObjectPublicID != message.PublicID {
		t.Fatalf("delete entry object id %s, want %s", last.ObjectPublicID, message.PublicID)
	}
	if last.SnapshotJSON != "" {
		t.Fatalf("delete entry must carry no snapshot, got %s", last.SnapshotJSON)
	}

	visible, err := service.ListMessages(context.Background(), namespace, false)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("deleted message must be hidden, got %d", len(visible))
	}
	all, err := service.ListMessages(context.Background(), namespace, true)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("deleted message must survive physically, got %d", len(all))
	}

	// Deleting an already hidden message reports not found.
	err = service.DeleteMessage(context.Background(), namespace, message.PublicID)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "mail.delete_message.not_found" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSaveContactUpsertsAndSuppressesNoOpSaves(t *testing.T) {
	db := newMailTestDB(t)
	service := newTestMailService(t, db)
	namespace := mustNamespace(t, service)

	contact, err := service.SaveContact(context.Background(), namespace, ContactInput{
		Name:  "Ada",
		Email: "Ada@Example.com",
	})
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if contact.Email != "ada@example.com" {
		t.Fatalf("expected normalized email, got %s", contact.Email)
	}
	if len(loadLogEntries(t, db)) != 1 {
		t.Fatalf("expected one insert entry after first save")
	}

	// Saving the same data again leaves the visible fields unchanged and
	// must not grow the log.
	if _, err := service.SaveContact(context.Background(), namespace, ContactInput{
		Name:  "Ada",
		Email: "ada@example.com",
	}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if entries := loadLogEntries(t, db); len(entries) != 1 {
		t.Fatalf("no-op save must not log, got %d entries", len(entries))
	}

	// A genuine rename is logged as an update.
	renamed, err := service.SaveContact(context.Background(), namespace, ContactInput{
		Name:  "Ada L.",
		Email: "ada@example.com",
	})
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if renamed.PublicID != contact.PublicID {
		t.Fatalf("rename must update the same contact")
	}
	entries := loadLogEntries(t, db)
	if len(entries) != 2 || entries[1].Command != revision.CommandUpdate {
		t.Fatalf("expected an update entry after rename, got %#v", entries)
	}
}

func TestSaveContactRequiresEmail(t *testing.T) {
	db := newMailTestDB(t)
	service := newTestMailService(t, db)
	namespace := mustNamespace(t, service)

	_, err := service.SaveContact(context.Background(), namespace, ContactInput{Name: "No Email"})
	if !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
}

func TestDeleteContactHidesRecordAndLogsDelete(t *testing.T) {
	db := newMailTestDB(t)
	service := newTestMailService(t, db)
	namespace := mustNamespace(t, service)

	contact, err := service.SaveContact(context.Background(), namespace, ContactInput{
		Name:  "Gone",
		Email: "gone@example.com",
	})
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := service.DeleteContact(context.Background(), namespace, contact.PublicID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	entries := loadLogEntries(t, db)
	if len(entries) != 2 || entries[1].Command != revision.CommandDelete {
		t.Fatalf("expected a delete entry, got %#v", entries)
	}

	visible, err := service.ListContacts(context.Background(), namespace, false)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("deleted contact must be hidden, got %d", len(visible))
	}
}

func TestMessageContactAssociationsAreUnversioned(t *testing.T) {
	db := newMailTestDB(t)
	service := newTestMailService(t, db)
	namespace := mustNamespace(t, service)

	if _, err := service.SaveContact(context.Background(), namespace, ContactInput{
		Name:  "Rcpt",
		Email: "rcpt@example.com",
	}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	message, err := service.CreateMessage(context.Background(), namespace, MessageInput{
		Subject: "with contact",
		To:      []Address{{Name: "Rcpt", Email: "RCPT@example.com"}},
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	var associations []MessageContact
	if err := db.Find(&associations, "message_id = ?", message.ID).Error; err != nil {
		t.Fatalf("failed to load associations: %v", err)
	}
	if len(associations) != 1 || associations[0].Field != "to" {
		t.Fatalf("expected one to-association, got %#v", associations)
	}

	// One entry for the contact insert, one for the message insert, none
	// for the association row.
	entries := loadLogEntries(t, db)
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.RecordTable == "message_contacts" {
			t.Fatalf("association rows must never be versioned: %#v", entry)
		}
	}
}

func TestCreateThreadLogsInsertEntry(t *testing.T) {
	db := newMailTestDB(t)
	service := newTestMailService(t, db)
	namespace := mustNamespace(t, service)

	thread, err := service.CreateThread(context.Background(), namespace, "a topic")
	if err != nil {
		t.Fatalf("unexpected thread error: %v", err)
	}

	entries := loadLogEntries(t, db)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].RecordTable != "threads" || entries[0].ObjectPublicID != thread.PublicID {
		t.Fatalf("unexpected entry: %#v", entries[0])
	}
}

func TestGetNamespaceReturnsTypedNotFound(t *testing.T) {
	db := newMailTestDB(t)
	service := newTestMailService(t, db)

	_, err := service.GetNamespace(context.Background(), "missing")
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "mail.get_namespace.not_found" {
		t.Fatalf("unexpected error: %v", err)
	}
}
