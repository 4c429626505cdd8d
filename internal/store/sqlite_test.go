// ABOUTME: Tests for SQLite and mock store implementations
// ABOUTME: Covers conversation snapshots, message idempotency and ordering, and event queries

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "relay.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.SaveConversation(ctx, testConversation("conv-1")); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}
	store.Close()

	store, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	if _, err := store.GetConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("GetConversation after reopen failed: %v", err)
	}
}

// Each contract test runs against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s := newTestStore(t)
		defer s.Close()
		fn(t, s)
	})
	t.Run("mock", func(t *testing.T) {
		fn(t, NewMockStore())
	})
}

func TestConversationSnapshot(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := testConversation("conv-1")
		if err := s.SaveConversation(ctx, c); err != nil {
			t.Fatalf("SaveConversation failed: %v", err)
		}

		c.State = "paused"
		c.Participants = append(c.Participants, Participant{ID: "carol", Type: "agent", Role: "observer"})
		c.UpdatedAt = c.UpdatedAt.Add(time.Minute)
		if err := s.SaveConversation(ctx, c); err != nil {
			t.Fatalf("SaveConversation update failed: %v", err)
		}

		got, err := s.GetConversation(ctx, "conv-1")
		if err != nil {
			t.Fatalf("GetConversation failed: %v", err)
		}
		if got.State != "paused" {
			t.Errorf("State = %q, want paused", got.State)
		}
		if len(got.Participants) != 3 || got.Participants[2].Role != "observer" {
			t.Errorf("Participants = %+v", got.Participants)
		}
		if got.Metadata["topic"] != "release" {
			t.Errorf("Metadata = %v", got.Metadata)
		}
		if !got.CreatedAt.Equal(c.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, c.CreatedAt)
		}

		if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetConversation(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestListConversations_ByState(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, state := range []string{"active", "completed", "active"} {
			c := testConversation(fmt.Sprintf("conv-%d", i))
			c.State = state
			c.CreatedAt = base.Add(time.Duration(i) * time.Second)
			if err := s.SaveConversation(ctx, c); err != nil {
				t.Fatalf("SaveConversation failed: %v", err)
			}
		}

		all, err := s.ListConversations(ctx, "")
		if err != nil {
			t.Fatalf("ListConversations failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("got %d conversations, want 3", len(all))
		}

		active, err := s.ListConversations(ctx, "active")
		if err != nil {
			t.Fatalf("ListConversations(active) failed: %v", err)
		}
		if len(active) != 2 || active[0].ID != "conv-0" || active[1].ID != "conv-2" {
			t.Errorf("active = %v", ids(active))
		}
	})
}

func TestSaveMessage_Idempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		msg := testMessage("conv-1", "m-1", 1, "alice")

		for i := 0; i < 2; i++ {
			if err := s.SaveMessage(ctx, msg); err != nil {
				t.Fatalf("SaveMessage #%d failed: %v", i+1, err)
			}
		}

		got, err := s.QueryMessages(ctx, "conv-1", MessageFilter{})
		if err != nil {
			t.Fatalf("QueryMessages failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("got %d messages, want 1", len(got))
		}
		m := got[0]
		if m.Content != "hello" || m.Format != "markdown" || m.Strategy != "broadcast" {
			t.Errorf("message fields not round-tripped: %+v", m)
		}
		if len(m.Recipients) != 2 || m.Recipients[1] != "carol" {
			t.Errorf("Recipients = %v", m.Recipients)
		}
		if !m.Restricted || len(m.VisibleTo) != 1 || m.VisibleTo[0] != "bob" {
			t.Errorf("visibility not round-tripped: restricted=%v visible=%v", m.Restricted, m.VisibleTo)
		}
		if m.Metadata["truncated"] != false {
			t.Errorf("Metadata = %v", m.Metadata)
		}
		if m.ParentMessageID != "m-0" {
			t.Errorf("ParentMessageID = %q", m.ParentMessageID)
		}
	})
}

func TestQueryMessages_OrderAndFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		// Saved out of order, as concurrent first deliveries may be.
		for _, seq := range []uint64{3, 1, 4, 2, 5} {
			sender := "alice"
			if seq%2 == 0 {
				sender = "bob"
			}
			if err := s.SaveMessage(ctx, testMessage("conv-1", fmt.Sprintf("m-%d", seq), seq, sender)); err != nil {
				t.Fatalf("SaveMessage failed: %v", err)
			}
		}
		if err := s.SaveMessage(ctx, testMessage("conv-2", "other", 1, "alice")); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}

		all, err := s.QueryMessages(ctx, "conv-1", MessageFilter{})
		if err != nil {
			t.Fatalf("QueryMessages failed: %v", err)
		}
		if len(all) != 5 {
			t.Fatalf("got %d messages, want 5", len(all))
		}
		for i, m := range all {
			if m.Sequence != uint64(i+1) {
				t.Errorf("position %d has sequence %d", i, m.Sequence)
			}
		}

		after, _ := s.QueryMessages(ctx, "conv-1", MessageFilter{AfterSequence: 3})
		if len(after) != 2 || after[0].Sequence != 4 {
			t.Errorf("AfterSequence=3 returned %d messages", len(after))
		}

		fromBob, _ := s.QueryMessages(ctx, "conv-1", MessageFilter{SenderID: "bob"})
		if len(fromBob) != 2 {
			t.Errorf("SenderID=bob returned %d messages, want 2", len(fromBob))
		}

		limited, _ := s.QueryMessages(ctx, "conv-1", MessageFilter{Limit: 2})
		if len(limited) != 2 || limited[1].Sequence != 2 {
			t.Errorf("Limit=2 returned %d messages", len(limited))
		}
	})
}

func TestQueryEvents(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		events := []*Event{
			{ID: "e1", ConversationID: "conv-1", Type: EventStateChanged, ActorID: "alice", From: "initializing", To: "active", Timestamp: base},
			{ID: "e2", ConversationID: "conv-1", Type: EventParticipantAdded, ActorID: "alice", Detail: "carol", Timestamp: base.Add(time.Second)},
			{ID: "e3", ConversationID: "conv-1", Type: EventDeliveryStatus, MessageID: "m-1", RecipientID: "bob", From: "pending", To: "delivered", Timestamp: base.Add(2 * time.Second)},
			{ID: "e4", ConversationID: "conv-1", Type: EventDeliveryStatus, MessageID: "m-1", RecipientID: "bob", From: "delivered", To: "read", Timestamp: base.Add(3 * time.Second)},
			{ID: "e5", ConversationID: "conv-2", Type: EventStateChanged, Timestamp: base},
		}
		for _, e := range events {
			if err := s.SaveEvent(ctx, e); err != nil {
				t.Fatalf("SaveEvent failed: %v", err)
			}
		}

		all, err := s.QueryEvents(ctx, "conv-1", EventFilter{})
		if err != nil {
			t.Fatalf("QueryEvents failed: %v", err)
		}
		if len(all) != 4 || all[0].ID != "e1" || all[3].ID != "e4" {
			t.Fatalf("QueryEvents returned %d events", len(all))
		}
		if all[0].To != "active" || all[0].ActorID != "alice" {
			t.Errorf("event fields not round-tripped: %+v", all[0])
		}

		delivery, _ := s.QueryEvents(ctx, "conv-1", EventFilter{Types: []EventType{EventDeliveryStatus}, MessageID: "m-1"})
		if len(delivery) != 2 || delivery[1].To != "read" {
			t.Errorf("delivery filter returned %d events", len(delivery))
		}

		since := base.Add(time.Second)
		recent, _ := s.QueryEvents(ctx, "conv-1", EventFilter{Since: &since})
		if len(recent) != 3 {
			t.Errorf("Since filter returned %d events, want 3", len(recent))
		}
	})
}

func TestMockStore_SaveErr(t *testing.T) {
	s := NewMockStore()
	s.SaveErr = errors.New("disk full")
	if err := s.SaveEvent(context.Background(), &Event{ID: "e"}); err == nil {
		t.Error("expected SaveErr to be returned")
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func testConversation(id string) *Conversation {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Conversation{
		ID:          id,
		Name:        "release planning",
		State:       "active",
		FlowControl: "free_form",
		Participants: []Participant{
			{ID: "alice", Type: "human", Role: "owner"},
			{ID: "bob", Type: "agent", Role: "member"},
		},
		Metadata:  map[string]string{"topic": "release"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testMessage(convID, id string, seq uint64, sender string) *Message {
	return &Message{
		ID:              id,
		ConversationID:  convID,
		Sequence:        seq,
		SenderID:        sender,
		Recipients:      []string{"bob", "carol"},
		Content:         "hello",
		Format:          "markdown",
		Priority:        "normal",
		Strategy:        "broadcast",
		ParentMessageID: "m-0",
		Restricted:      true,
		VisibleTo:       []string{"bob"},
		Metadata:        map[string]any{"truncated": false},
		CreatedAt:       time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
	}
}

func ids(cs []*Conversation) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
