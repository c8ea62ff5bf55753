package domain

import "time"

// Bus channels and streams.
const (
	ChannelSettlement = "ch:settlement"
	ChannelRegistry   = "ch:registry"
	StreamSettlement  = "events:settlement"
)

// EventKind names a state transition announced on the bus.
type EventKind string

const (
	EventRoundStarted        EventKind = "round_started"
	EventWagerPlaced         EventKind = "wager_placed"
	EventRoundResolved       EventKind = "round_resolved"
	EventRoundsDistributed   EventKind = "rounds_distributed"
	EventRewardClaimed       EventKind = "reward_claimed"
	EventFeesWithdrawn       EventKind = "fees_withdrawn"
	EventSettingsChanged     EventKind = "settings_changed"
	EventPredictionSubmitted EventKind = "prediction_submitted"
	EventPriceRecorded       EventKind = "price_recorded"
)

// Event is the JSON envelope published for every transition.
type Event struct {
	Kind    EventKind      `json:"kind"`
	RoundID uint64         `json:"round_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}
