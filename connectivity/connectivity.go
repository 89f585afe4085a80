// Package connectivity classifies raw network signals into a tri-state
// online/offline/unknown value and broadcasts changes to subscribers.
package connectivity

// State is the classified connectivity of the device.
type State int

const (
	// Unknown means at least one signal is not determined yet. It must be
	// treated like "do not sync yet", never like Online.
	Unknown State = iota
	// Offline means the device has no usable network.
	Offline
	// Online means the device is connected and the internet is reachable.
	Online
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Classify maps the two raw signals into a State. A nil signal is one the
// platform has not determined yet.
func Classify(isConnected, isInternetReachable *bool) State {
	if isConnected != nil && !*isConnected {
		return Offline
	}
	if isConnected != nil && isInternetReachable != nil && !*isInternetReachable {
		return Offline
	}
	if isConnected == nil || isInternetReachable == nil {
		return Unknown
	}
	return Online
}

// Bool returns a pointer to b, for building signals in callers and tests.
func Bool(b bool) *bool {
	return &b
}
