package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "audit.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}
	return storage
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStorage_AppendAssignsSequence(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	var last uint64
	for i := 0; i < 5; i++ {
		rec := &Record{Type: TypeDeliveryAttempt, Channel: "email"}
		if err := storage.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if rec.Seq <= last {
			t.Errorf("Seq = %d, want > %d", rec.Seq, last)
		}
		last = rec.Seq
	}
}

func TestStorage_ListNewestFirst(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for _, ch := range []string{"email", "sms", "inapp"} {
		if err := storage.Append(ctx, &Record{Type: TypeDeliveryAttempt, Channel: ch, UserID: "u1"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	records, err := storage.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(records))
	}
	if records[0].Channel != "inapp" || records[2].Channel != "email" {
		t.Errorf("List() order = %s,%s,%s", records[0].Channel, records[1].Channel, records[2].Channel)
	}
}

func TestStorage_ListFilters(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []*Record{
		{Type: TypeEvent, EventType: "OTP_SENT", UserID: "alice", Timestamp: base},
		{Type: TypeDeliveryAttempt, EventType: "OTP_SENT", Channel: "sms", UserID: "alice", Timestamp: base.Add(time.Minute)},
		{Type: TypeDeliveryAttempt, EventType: "PASSWORD_CHANGED", Channel: "email", UserID: "bob", Timestamp: base.Add(2 * time.Minute)},
		{Type: TypeDeliverySuccess, EventType: "PASSWORD_CHANGED", Channel: "email", UserID: "bob", Success: true, Timestamp: base.Add(3 * time.Minute)},
	}
	for _, rec := range records {
		if err := storage.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"by type", Filter{Type: TypeDeliveryAttempt}, 2},
		{"by user", Filter{UserID: "alice"}, 2},
		{"by event", Filter{EventType: "PASSWORD_CHANGED"}, 2},
		{"by channel", Filter{Channel: "email"}, 2},
		{"since", Filter{Since: base.Add(2 * time.Minute)}, 2},
		{"limit", Filter{Limit: 1}, 1},
		{"combined", Filter{UserID: "bob", Type: TypeDeliverySuccess}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := storage.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("List() returned %d records, want %d", len(got), tt.want)
			}
		})
	}
}

func TestStorage_ListDefaultLimit(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < DefaultListLimit+10; i++ {
		if err := storage.Append(ctx, &Record{Type: TypeEvent}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := storage.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != DefaultListLimit {
		t.Errorf("List() returned %d records, want %d", len(got), DefaultListLimit)
	}
}

func TestStorage_Stats(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	records := []*Record{
		{Type: TypeEvent, EventType: "OTP_SENT"},
		{Type: TypeEvent, EventType: "OTP_SENT"},
		{Type: TypeEvent, EventType: "DEVICE_ADDED"},
		{Type: TypeDeliveryAttempt, Channel: "email"},
		{Type: TypeDeliveryAttempt, Channel: "sms", Success: true},
		{Type: TypeDeliveryAttempt, Channel: "sms"},
		{Type: TypeDeliverySuccess, Channel: "sms", Success: true},
		{Type: TypeDeliveryAllFailed},
	}
	for _, rec := range records {
		if err := storage.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	if stats.Total != 8 {
		t.Errorf("Total = %d, want 8", stats.Total)
	}
	if stats.ByType[TypeEvent] != 3 || stats.ByType[TypeDeliveryAttempt] != 3 {
		t.Errorf("ByType = %v", stats.ByType)
	}
	if stats.AttemptsByChannel["sms"] != 2 || stats.AttemptsByChannel["email"] != 1 {
		t.Errorf("AttemptsByChannel = %v", stats.AttemptsByChannel)
	}
	if stats.SuccessesByChannel["sms"] != 1 || stats.SuccessesByChannel["email"] != 0 {
		t.Errorf("SuccessesByChannel = %v", stats.SuccessesByChannel)
	}
	if stats.EventsByType["OTP_SENT"] != 2 || stats.EventsByType["DEVICE_ADDED"] != 1 {
		t.Errorf("EventsByType = %v", stats.EventsByType)
	}
}

func TestExcerpt(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"short", "hello", 5},
		{"exact", strings.Repeat("a", ExcerptLength), ExcerptLength},
		{"long ascii", strings.Repeat("a", 300), ExcerptLength},
		{"long multibyte", strings.Repeat("₹", 200), ExcerptLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len([]rune(Excerpt(tt.input))); got != tt.want {
				t.Errorf("Excerpt() has %d runes, want %d", got, tt.want)
			}
		})
	}
}

type brokenStore struct{ Store }

func (brokenStore) Append(context.Context, *Record) error {
	return errors.New("disk full")
}

func TestLogger_Log(t *testing.T) {
	storage := newTestStorage(t)
	logger := NewLogger(storage, testLogger())
	ctx := context.Background()

	rec := &Record{Type: TypeTemplateEdit, TemplateID: "TEM001", Version: 2, Actor: "alice"}
	if err := logger.Log(ctx, rec); err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if rec.ID == "" || rec.Timestamp.IsZero() || rec.Seq == 0 {
		t.Errorf("Log() did not stamp record: %+v", rec)
	}

	got, err := logger.List(ctx, Filter{Type: TypeTemplateEdit})
	if err != nil || len(got) != 1 || got[0].Version != 2 {
		t.Errorf("List() = %v, %v", got, err)
	}

	failing := NewLogger(brokenStore{}, testLogger())
	if err := failing.Log(ctx, &Record{Type: TypeEvent}); err == nil {
		t.Error("Log() should return the store error")
	}
}
