// Package audit is an append-only diagnostic log of connection and
// dispatch events. It is strictly read-only history: nothing here is
// ever replayed back into the registry or tracker on startup — process
// and connection state lives in memory only, per the server's design.
// The log exists so operators can ask "what happened to conn_id X" after
// the fact, and supports both sqlite and postgres the way the rest of
// the ambient stack does.
package audit

import (
	"time"
)

// EventKind names what an audit Event records.
type EventKind string

const (
	EventConnectionRegistered  EventKind = "connection_registered"
	EventConnectionReconnected EventKind = "connection_reconnected"
	EventGroupRejected         EventKind = "group_rejected"
	EventConnectionClosed      EventKind = "connection_closed"
	EventDispatchStart         EventKind = "dispatch_start"
	EventDispatchDelete        EventKind = "dispatch_delete"
	EventDispatchSignal        EventKind = "dispatch_signal"
	EventDispatchFailed        EventKind = "dispatch_failed"
)

// Event is one row of the audit log.
type Event struct {
	ID        uint      `gorm:"primarykey"`
	CreatedAt time.Time `gorm:"index"`
	Kind      EventKind `gorm:"index;size:32"`
	ConnID    string    `gorm:"index;size:128"`
	ProcID    string    `gorm:"index;size:128"`
	GroupID   string    `gorm:"size:128"`
	Detail    string    `gorm:"size:1024"`
}

// TableName pins the table name so it doesn't change if the struct is
// ever renamed.
func (Event) TableName() string { return "audit_events" }
