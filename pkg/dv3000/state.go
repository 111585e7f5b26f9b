package dv3000

import "fmt"

// State is a Session lifecycle state
type State int

const (
	StateClosed State = iota
	StateOpening
	StateResetting
	StateConfiguring
	StateReady
	StateStreaming
	StateClosing
	StateFaulted
)

var stateNames = map[State]string{
	StateClosed:      "closed",
	StateOpening:     "opening",
	StateResetting:   "resetting",
	StateConfiguring: "configuring",
	StateReady:       "ready",
	StateStreaming:   "streaming",
	StateClosing:     "closing",
	StateFaulted:     "faulted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the permitted next states. Faulted is reachable from
// every state except Closed and Closing.
var transitions = map[State][]State{
	StateClosed:      {StateOpening},
	StateOpening:     {StateResetting, StateConfiguring, StateClosing, StateFaulted},
	StateResetting:   {StateConfiguring, StateClosing, StateFaulted},
	StateConfiguring: {StateReady, StateClosing, StateFaulted},
	StateReady:       {StateStreaming, StateClosing, StateFaulted},
	StateStreaming:   {StateReady, StateClosing, StateFaulted},
	StateFaulted:     {StateClosing},
	StateClosing:     {StateClosed},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
