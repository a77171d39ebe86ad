package registry

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType identifies a state-transition notification.
type EventType string

const (
	EventFunded           EventType = "funded"
	EventOpened           EventType = "opened"
	EventPuzzlePosted     EventType = "puzzle_posted"
	EventPreimageRevealed EventType = "preimage_revealed"
	EventClosed           EventType = "closed"
	EventFundsTransferred EventType = "funds_transferred"
)

// Event is a structured notification emitted on every state transition.
// Off-chain monitors consume these to drive the counter-leg of an atomic
// swap; they are observational only and never gate correctness.
type Event struct {
	Type      EventType      `json:"type"`
	Handle    common.Address `json:"handle"`
	Timestamp time.Time      `json:"timestamp"`

	Amount    string      `json:"amount,omitempty"`
	Recipient string      `json:"recipient,omitempty"`
	Reason    CloseReason `json:"reason,omitempty"`
	Digest    string      `json:"digest,omitempty"`   // authorizing sighash, 0x-hex
	Preimage  string      `json:"preimage,omitempty"` // revealed puzzle secret, 0x-hex
}

// Notifier receives registry events.
type Notifier interface {
	Notify(Event)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}
