// Package audit is a session-lifecycle audit trail: a new functional
// surface SPEC_FULL.md adds to ground gorm.io/gorm in this repository
// (the distilled spec's Non-goals exclude raw-audio persistence and
// recording, not lifecycle metadata). Table/tagging conventions are
// grounded on internal/model/entity.go's BaseModel.
package audit

import (
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// EventKind enumerates the session/connection transitions worth recording
// for support/debugging ("why did this listener stop receiving audio").
type EventKind string

const (
	EventSessionCreated    EventKind = "session_created"
	EventSessionEnded      EventKind = "session_ended"
	EventConnectionJoined  EventKind = "connection_joined"
	EventConnectionLeft    EventKind = "connection_left"
	EventSpeakerEvicted    EventKind = "speaker_evicted"
)

// Event is one row in the session_events table.
type Event struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	SessionID    string    `gorm:"type:varchar(100);index;not null"`
	ConnectionID string    `gorm:"type:varchar(100);index"`
	Kind         string    `gorm:"type:varchar(40);not null"`
	Detail       string    `gorm:"type:text"`
}

func (Event) TableName() string { return "session_events" }

// Trail is the audit sink the supervisor wires into the gateway.
type Trail struct {
	db *gorm.DB
}

// Open connects to Postgres and auto-migrates the session_events table.
func Open(dsn string) (*Trail, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, err
	}
	return &Trail{db: db}, nil
}

// NoopTrail is used when AUDIT_ENABLED=false; Record becomes a no-op so
// callers don't need a nil check.
type NoopTrail struct{}

func (NoopTrail) Record(EventKind, string, string, string) {}

// Recorder is the interface the gateway depends on, satisfied by both
// *Trail and NoopTrail.
type Recorder interface {
	Record(kind EventKind, sessionID, connectionID, detail string)
}

func (t *Trail) Record(kind EventKind, sessionID, connectionID, detail string) {
	ev := &Event{
		ID:           uuid.New(),
		SessionID:    sessionID,
		ConnectionID: connectionID,
		Kind:         string(kind),
		Detail:       detail,
	}
	if err := t.db.Create(ev).Error; err != nil {
		log.Printf("[Audit] failed to record %s for session %s: %v", kind, sessionID, err)
	}
}
