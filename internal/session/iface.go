package session

import "time"

// ServiceInfo describes what a backend supports. It is fetched once per manager.
type ServiceInfo struct {
	APILevel            int
	PreferredUpdateRate time.Duration
}

// Backend is the hint service as seen by a manager: either the hintd daemon over
// IPC or an in-process Registry.
type Backend interface {
	Hello() (ServiceInfo, error)
	Create(threadIDs []int32, target time.Duration) (string, error)
	UpdateTarget(id string, target time.Duration) error
	ReportActual(id string, actual time.Duration) error
	SendHint(id string, hint Hint) error
	CloseSession(id string) error
	// Done is closed when the session ends on the backend side.
	Done(id string) <-chan struct{}
}
