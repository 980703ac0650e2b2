package model

import (
	"fmt"
	"net/http"
)

// QueueEntrySchemaVersion is the current on-wire version of QueueEntry.
const QueueEntrySchemaVersion = 1

// Identity is the signed identity payload embedded in upstream
// assertions. It deliberately carries no token lifetime claims: the
// gateway mints a fresh expiry on every send, so a stale exp/iat from
// the original request can never be replayed.
type Identity struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	SchoolID string `json:"schoolId,omitempty"`
}

// IsZero reports whether the identity carries no subject.
func (i Identity) IsZero() bool {
	return i.ID == "" && i.Email == ""
}

// QueueEntry is one pending upstream mutation. Entries are append-only
// and FIFO within a queue: the head must be resolved (confirmed or
// dead-lettered) before the next entry is attempted.
type QueueEntry struct {
	SchemaVersion int `json:"schema_version,omitempty"`

	// EntryID identifies the entry in logs and dead-letter review. It is
	// not sent upstream, so delivery remains at-least-once.
	EntryID string `json:"entry_id,omitempty"`

	TargetURI string            `json:"uri"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      any               `json:"body,omitempty"`

	// Identity is the original caller's identity at enqueue time.
	Identity Identity `json:"identity"`

	// ActingAsServiceAccount directs the replay to mint the assertion
	// from the fixed operator identity instead of Identity. Required
	// when the original session is no longer available.
	ActingAsServiceAccount bool     `json:"useProxyHeaders,omitempty"`
	ServiceAccountIdentity Identity `json:"serviceAccountIdentity,omitzero"`

	// Attempts counts non-connectivity delivery failures. Connectivity
	// failures never increment it.
	Attempts int `json:"attempts,omitempty"`
}

// Validate checks invariants on a freshly deserialized entry.
func (e *QueueEntry) Validate() error {
	if e.SchemaVersion > QueueEntrySchemaVersion {
		return fmt.Errorf("queue entry schema version %d is newer than supported %d", e.SchemaVersion, QueueEntrySchemaVersion)
	}
	if e.TargetURI == "" {
		return fmt.Errorf("queue entry missing target URI")
	}
	if e.Method == "" {
		e.Method = http.MethodPost
	}
	return nil
}

// PreloadRetryRecord is the distinct "retry this student-exam" record
// the preloader enqueues on per-exam failure. Its queue has no
// dead-letter sibling: records are re-enqueued indefinitely.
type PreloadRetryRecord struct {
	StudentID string `json:"studentId"`
	Email     string `json:"email"`
	ExamID    string `json:"examId"`
	Title     string `json:"title,omitempty"`
}
