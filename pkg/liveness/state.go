package liveness

// MaxFailedAttempts is the number of native host failures tolerated before
// the coordinator stops dialing and relies on HTTP probing alone.
const MaxFailedAttempts = 3

// State is the coordinator's belief about the backend. It is rebuilt from
// scratch on every start and never persisted.
type State struct {
	BackendRunning bool `json:"backendRunning"`
	HostConnected  bool `json:"nativeHostConnected"`
	FailedAttempts uint `json:"failedAttempts"`
	// NotifiedUnavailable latches once the "backend not running"
	// notification has been shown.
	NotifiedUnavailable bool `json:"notifiedUnavailable"`
}

// NativeGivenUp reports whether further native connection attempts are skipped.
func (s State) NativeGivenUp() bool {
	return s.FailedAttempts > MaxFailedAttempts
}
