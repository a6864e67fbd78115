package models

import "fmt"

// SocketMode selects the transport used to reach the server.
type SocketMode string

const (
	SocketPlain    SocketMode = "plain"
	SocketStartTLS SocketMode = "starttls"
	SocketSSL      SocketMode = "ssl"
)

// DefaultPort returns the conventional port for the mode.
func (m SocketMode) DefaultPort() int {
	if m == SocketSSL {
		return 993
	}
	return 143
}

// Account is an immutable connection descriptor plus the per-cycle telemetry
// the reporter aggregates. Telemetry is reset between cycles.
type Account struct {
	Socket     SocketMode
	Host       string
	Port       int
	User       string
	Password   string
	AllowLogin bool
	TimeoutSec int

	NumDelivered   int
	NumUndelivered int
	NumMarked      int
	NumTrashed     int
	NumDeleted     int
	Changes        []string
	Errors         []string
}

// Reset clears the per-cycle telemetry.
func (a *Account) Reset() {
	a.NumDelivered = 0
	a.NumUndelivered = 0
	a.NumMarked = 0
	a.NumTrashed = 0
	a.NumDeleted = 0
	a.Changes = nil
	a.Errors = nil
}

// AddError records a cycle error on the account.
func (a *Account) AddError(format string, args ...interface{}) string {
	message := fmt.Sprintf(format, args...)
	a.Errors = append(a.Errors, message)
	return message
}

// AddChange records a server-side change description for notifications.
func (a *Account) AddChange(folder, what string) {
	a.Changes = append(a.Changes, fmt.Sprintf("`%s`: %s", folder, what))
}

func (a *Account) Describe() string {
	return fmt.Sprintf("user %s on host %s port %d (%s)", a.User, a.Host, a.Port, string(a.Socket))
}

// CycleState carries the queue of pending post-cycle hook commands,
// deduplicated preserving first-seen order.
type CycleState struct {
	PendingHooks []string
}

// EnqueueHook adds a hook command unless it is already pending.
func (s *CycleState) EnqueueHook(hook string) {
	for _, h := range s.PendingHooks {
		if h == hook {
			return
		}
	}
	s.PendingHooks = append(s.PendingHooks, hook)
}

// DrainHooks returns the pending hooks and empties the queue.
func (s *CycleState) DrainHooks() []string {
	hooks := s.PendingHooks
	s.PendingHooks = nil
	return hooks
}
