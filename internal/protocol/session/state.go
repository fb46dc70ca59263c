package session

// Activation is the coarse lifecycle of one session handle.
type Activation string

const (
	ActivationNotActivated Activation = "not_activated"
	ActivationActivating   Activation = "activating"
	ActivationActivated    Activation = "activated"
	ActivationInactive     Activation = "inactive"
	ActivationError        Activation = "error"
)

// Display status strings shared by both peers.
const (
	StatusReady        = "Ready"
	StatusWaiting      = "Waiting for connection..."
	StatusInactive     = "Session inactive"
	StatusNotActivated = "Session not activated"
	StatusNotReachable = "Peer not reachable"
	StatusNotInstalled = "Peer app not installed"
	StatusError        = "Session error"
	StatusUnsupported  = "Transport not supported"
)

// State is an immutable snapshot of the session. Reachable is only ever
// true while Activation is ActivationActivated.
type State struct {
	Activation    Activation `json:"activation"`
	Reachable     bool       `json:"reachable"`
	PeerInstalled bool       `json:"peer_installed"`
	Unsupported   bool       `json:"unsupported,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Generation    uint64     `json:"generation"`
}

func InitialState() State {
	return State{Activation: ActivationNotActivated}
}

func (s State) Activated() bool {
	return s.Activation == ActivationActivated
}

// Ready reports whether the live channel may be attempted.
func (s State) Ready() bool {
	return s.Activated() && s.Reachable
}

// Consistent reports whether s satisfies the reachability invariant.
func (s State) Consistent() bool {
	return !s.Reachable || s.Activated()
}

// StatusText maps s to its display string.
func (s State) StatusText() string {
	if s.Unsupported {
		return StatusUnsupported
	}
	switch s.Activation {
	case ActivationActivated:
		if !s.PeerInstalled {
			return StatusNotInstalled
		}
		if !s.Reachable {
			return StatusNotReachable
		}
		return StatusReady
	case ActivationActivating:
		return StatusWaiting
	case ActivationInactive:
		return StatusInactive
	case ActivationError:
		return StatusError
	default:
		return StatusNotActivated
	}
}
