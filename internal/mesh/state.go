package mesh

// State is the lifecycle stage of a connection record.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// terminal states are never left; records reaching them are removed.
func (s State) terminal() bool { return s == StateClosed || s == StateError }

// linkEvent is an input to the record state machine.
type linkEvent int

const (
	eventOpened linkEvent = iota
	eventClosed
	eventFailed
	eventTimedOut
)

func (e linkEvent) String() string {
	switch e {
	case eventOpened:
		return "opened"
	case eventClosed:
		return "closed"
	case eventFailed:
		return "failed"
	case eventTimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// effect is a side effect the node applies after a transition.
type effect int

const (
	effectSendUserInfo effect = iota
	effectCloseLink
	effectRemoveRecord
	effectRetractPeer
)

// transition is the record state machine. It is pure: the node applies
// the returned effects in order. A nil effect list with an unchanged
// state means the event does not apply.
//
//	connecting --opened--> open              (send user-info)
//	connecting --failed/timed out--> error   (close, remove, retract)
//	connecting --closed--> error             (remove, retract)
//	open --closed--> closed                  (remove, retract)
//	open --failed--> error                   (close, remove, retract)
func transition(s State, e linkEvent) (State, []effect) {
	switch s {
	case StateConnecting:
		switch e {
		case eventOpened:
			return StateOpen, []effect{effectSendUserInfo}
		case eventFailed, eventTimedOut:
			return StateError, []effect{effectCloseLink, effectRemoveRecord, effectRetractPeer}
		case eventClosed:
			return StateError, []effect{effectRemoveRecord, effectRetractPeer}
		}

	case StateOpen:
		switch e {
		case eventClosed:
			return StateClosed, []effect{effectRemoveRecord, effectRetractPeer}
		case eventFailed:
			return StateError, []effect{effectCloseLink, effectRemoveRecord, effectRetractPeer}
		}
	}

	return s, nil
}
