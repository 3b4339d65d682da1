package nativehost

// Actions understood on the native channel.
const (
	ActionCheckBackend  = "check_backend"
	ActionStartBackend  = "start_backend"
	ActionStopBackend   = "stop_backend"
	ActionBackendStatus = "backend_status"
	ActionUnknown       = "unknown"
)

// Backend statuses reported in backend_status results.
const (
	StatusRunning        = "running"
	StatusStarted        = "started"
	StatusAlreadyRunning = "already_running"
	StatusStopped        = "stopped"
	StatusNotRunning     = "not_running"
	StatusError          = "error"
)

type Result struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Message is the JSON envelope exchanged with the native messaging host.
type Message struct {
	Action  string  `json:"action"`
	Result  *Result `json:"result,omitempty"`
	Message string  `json:"message,omitempty"`
}

func (m Message) IsBackendStatus() bool {
	return m.Action == ActionBackendStatus
}

// BackendRunning reports whether a backend_status result means the backend is up.
func (m Message) BackendRunning() bool {
	if m.Result == nil {
		return false
	}
	return IsRunningStatus(m.Result.Status)
}

func IsRunningStatus(status string) bool {
	switch status {
	case StatusRunning, StatusStarted, StatusAlreadyRunning:
		return true
	default:
		return false
	}
}

func StatusMessage(result Result) Message {
	return Message{Action: ActionBackendStatus, Result: &result}
}
