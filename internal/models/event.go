package models

import (
	"fmt"
	"time"
)

// EventKind is one of the ledger event types tracked by the audit log.
type EventKind string

const (
	EventRecordAdded     EventKind = "RecordAdded"
	EventConsentGranted  EventKind = "ConsentGranted"
	EventConsentRevoked  EventKind = "ConsentRevoked"
	EventEncryptedDEKSet EventKind = "EncryptedDEKSet"
)

// TrackedEventKinds lists the kinds polled by the audit aggregator, in query order.
var TrackedEventKinds = []EventKind{
	EventRecordAdded,
	EventConsentGranted,
	EventConsentRevoked,
	EventEncryptedDEKSet,
}

// LedgerEvent is a raw event as returned by the ledger's log query.
type LedgerEvent struct {
	Kind        EventKind         `json:"kind"`
	BlockNumber uint64            `json:"block_number"`
	LogIndex    uint32            `json:"log_index"`
	TxHash      string            `json:"tx_hash,omitempty"`
	RecordID    RecordID          `json:"record_id"`
	Values      map[string]string `json:"values,omitempty"`
}

// Key is the composite dedup key: kind plus ledger sequence.
func (e LedgerEvent) Key() string {
	return fmt.Sprintf("%s/%d/%d", e.Kind, e.BlockNumber, e.LogIndex)
}

// Less orders events by ledger sequence, then kind for determinism.
func (e LedgerEvent) Less(o LedgerEvent) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber < o.BlockNumber
	}
	if e.LogIndex != o.LogIndex {
		return e.LogIndex < o.LogIndex
	}
	return e.Kind < o.Kind
}

// AuditEvent is a derived, display-ready audit log entry. Ledger names the
// ledger instance the event was read from.
type AuditEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	Kind      EventKind   `json:"kind"`
	Ledger    string      `json:"ledger,omitempty"`
	Details   LedgerEvent `json:"details"`
}
