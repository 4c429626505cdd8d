// Package store persists conversations, delivered messages and conversation
// events.
//
// The relay never reads the store to make routing decisions. It writes a
// message once, when the first recipient reaches DELIVERED, and writes an
// event on every conversation state transition, membership or flow-control
// change, and delivery status change.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite (pure Go), WAL mode
//   - MockStore: in-memory, for tests and the local transport
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339Nano text. Messages are keyed by
// (conversation_id, id) and carry a unique per-conversation sequence.
//
// # Testing
//
// Use NewMockStore() for unit tests, or NewSQLiteStore on a path under
// t.TempDir() for integration tests.
package store
