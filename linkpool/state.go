package linkpool

import "fmt"

// State is the aggregate transport state. One per Manager, changed only
// under the manager's state lock.
type State int

const (
	StateIdle              State = iota // 0 - nothing connected
	StateConnectingControl              // 1 - control adapter connect in flight
	StateControlReady                   // 2 - control up, no data adapter yet
	StateDataReady                      // 3 - control and at least one data adapter up
	StateIncreasing                     // 4 - adding a data adapter
	StateDecreasing                     // 5 - removing a data adapter
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnectingControl:
		return "connecting_control"
	case StateControlReady:
		return "control_ready"
	case StateDataReady:
		return "data_ready"
	case StateIncreasing:
		return "increasing"
	case StateDecreasing:
		return "decreasing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// allowed defines which state changes are legal.
var allowed = map[State][]State{
	StateIdle:              {StateConnectingControl},
	StateConnectingControl: {StateControlReady, StateIdle},
	StateControlReady:      {StateDataReady, StateIdle},
	StateDataReady:         {StateIncreasing, StateDecreasing, StateControlReady, StateIdle},
	StateIncreasing:        {StateDataReady, StateIdle},
	StateDecreasing:        {StateDataReady, StateIdle},
}

func isValidTransition(from, to State) bool {
	for _, valid := range allowed[from] {
		if to == valid {
			return true
		}
	}
	return false
}
