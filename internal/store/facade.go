package store

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Persistent is the tier-1 store contract. *PostgresStore satisfies it.
type Persistent interface {
	Store
	Ping(ctx context.Context) error
}

// Facade unifies the persistent and volatile tiers behind one API using a
// two-tier cache-aside flow: every operation tries the persistent store
// first and degrades to the volatile store on failure. The tiers are never
// reconciled; a session may live in one but not the other.
type Facade struct {
	persistent Persistent
	volatile   *VolatileStore
	onFallback func(op string)
	onAppend   func(sessionID string, msg Message)
}

// NewFacade builds the dual-tier session store. persistent may be nil when
// no database is configured; the volatile tier then serves everything.
func NewFacade(persistent Persistent, volatile *VolatileStore) *Facade {
	return &Facade{persistent: persistent, volatile: volatile}
}

// SetFallbackHook registers a callback fired whenever an operation lands
// on the volatile tier because the persistent one failed or is absent.
func (f *Facade) SetFallbackHook(hook func(op string)) {
	f.onFallback = hook
}

// SetAppendHook registers a callback fired after every stored turn,
// regardless of which tier accepted it.
func (f *Facade) SetAppendHook(hook func(sessionID string, msg Message)) {
	f.onAppend = hook
}

func (f *Facade) fellBack(op string) {
	if f.onFallback != nil {
		f.onFallback(op)
	}
}

func (f *Facade) appended(sessionID, role, content string) {
	if f.onAppend != nil {
		f.onAppend(sessionID, Message{Role: role, Content: content, Timestamp: time.Now().UTC()})
	}
}

// EnsureSession guarantees a usable session identifier. It creates the
// session in the persistent store when possible and always registers a
// volatile entry. It never fails observably.
func (f *Facade) EnsureSession(ctx context.Context, sessionID string) string {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if f.persistent != nil {
		if err := f.persistent.CreateSession(ctx, sessionID); err != nil {
			log.Printf("persistent create failed for session %s: %v", sessionID, err)
			f.fellBack("create")
		}
	}
	_ = f.volatile.CreateSession(ctx, sessionID)
	return sessionID
}

// AppendMessage writes a turn, implicitly creating the session. A failed
// persistent write falls through to the volatile tier, which has no
// failure path, so the returned error is practically always nil.
func (f *Facade) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	if f.persistent != nil {
		err := f.persistent.AppendMessage(ctx, sessionID, role, content)
		if err == nil {
			f.appended(sessionID, role, content)
			return nil
		}
		log.Printf("persistent append failed for session %s, using fallback: %v", sessionID, err)
	}
	f.fellBack("append")
	if err := f.volatile.AppendMessage(ctx, sessionID, role, content); err != nil {
		return err
	}
	f.appended(sessionID, role, content)
	return nil
}

// Messages returns the session's ordered turns. The volatile copy is used
// whenever the persistent read errors or yields zero rows; the two cases
// are indistinguishable to the caller, matching the service's accepted
// weak-consistency contract.
func (f *Facade) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if f.persistent != nil {
		msgs, err := f.persistent.Messages(ctx, sessionID)
		if err != nil {
			log.Printf("persistent read failed for session %s, using fallback: %v", sessionID, err)
			f.fellBack("read")
		} else if len(msgs) > 0 {
			return msgs, nil
		}
	}
	return f.volatile.Messages(ctx, sessionID)
}

// RecentSessions lists session summaries newest-first, preferring the
// persistent tier when it yields any rows.
func (f *Facade) RecentSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if f.persistent != nil {
		summaries, err := f.persistent.RecentSessions(ctx, limit)
		if err != nil {
			log.Printf("persistent session listing failed, using fallback: %v", err)
			f.fellBack("list")
		} else if len(summaries) > 0 {
			return summaries, nil
		}
	}
	return f.volatile.RecentSessions(ctx, limit)
}

// DeleteSession removes the session from both tiers independently. It
// succeeds when either tier held the session and returns ErrNotFound when
// neither did.
func (f *Facade) DeleteSession(ctx context.Context, sessionID string) error {
	var deletedPersistent bool
	if f.persistent != nil {
		deleted, err := f.persistent.DeleteSession(ctx, sessionID)
		if err != nil {
			log.Printf("persistent delete failed for session %s: %v", sessionID, err)
			f.fellBack("delete")
		} else {
			deletedPersistent = deleted
		}
	}

	deletedVolatile, _ := f.volatile.DeleteSession(ctx, sessionID)
	if !deletedPersistent && !deletedVolatile {
		return ErrNotFound
	}
	return nil
}

// FallbackSessionCount reports how many sessions only the volatile tier
// is tracking.
func (f *Facade) FallbackSessionCount() int {
	return f.volatile.SessionCount()
}

// DatabaseHealth describes the persistent tier for the health endpoint.
type DatabaseHealth struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

func (f *Facade) CheckDatabase(ctx context.Context) DatabaseHealth {
	if f.persistent == nil {
		return DatabaseHealth{Status: "disconnected", Error: "no database configured"}
	}
	if err := f.persistent.Ping(ctx); err != nil {
		return DatabaseHealth{Status: "error", Error: err.Error()}
	}
	return DatabaseHealth{Status: "healthy", Connected: true}
}

func (f *Facade) Close() error {
	if f.persistent != nil {
		return f.persistent.Close()
	}
	return nil
}
