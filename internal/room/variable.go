package room

import "encoding/json"

// Source tags where a write came from; higher-priority sources win
// concurrent tie-breaks against lower ones.
type Source string

const (
	SourceUser   Source = "user"
	SourceSensor Source = "sensor"
	SourceSystem Source = "system"
)

// priority ranks sources for tie-breaking. Unknown tags rank with "user".
func (s Source) priority() int {
	switch s {
	case SourceSystem:
		return 2
	case SourceSensor:
		return 1
	default:
		return 0
	}
}

// Variable is the authoritative state of one named quantity within a room.
// Its clock dominates every clock that was ever accepted-and-superseded for
// the same symbol; only the resolver produces new Variable values.
type Variable struct {
	Symbol    string
	Value     json.RawMessage
	Unit      string
	Clock     VectorClock
	UpdatedBy string
	Source    Source
	Verified  bool
}

// Update is one writer's proposed change, carrying the writer's local clock.
type Update struct {
	Symbol   string
	Value    json.RawMessage
	Unit     string
	Clock    VectorClock
	Writer   string
	Source   Source
	Verified bool
}

// variable builds the Variable the update would store if it won outright
func (u Update) variable(clock VectorClock) Variable {
	return Variable{
		Symbol:    u.Symbol,
		Value:     u.Value,
		Unit:      u.Unit,
		Clock:     clock,
		UpdatedBy: u.Writer,
		Source:    u.Source,
		Verified:  u.Verified,
	}
}
