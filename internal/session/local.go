package session

import (
	"errors"
	"os"
	"time"
)

// Local serves a Backend from an in-process Registry. It is the fallback when the
// hintd daemon is unavailable.
type Local struct {
	reg   *Registry
	owner string
	pid   int
	rate  time.Duration
	level int
}

// NewLocal returns a Backend backed by reg, advertising the given API level and rate.
func NewLocal(reg *Registry, apiLevel int, rate time.Duration) *Local {
	return &Local{
		reg:   reg,
		owner: "local",
		pid:   os.Getpid(),
		rate:  rate,
		level: apiLevel,
	}
}

func (l *Local) Hello() (ServiceInfo, error) {
	return ServiceInfo{APILevel: l.level, PreferredUpdateRate: l.rate}, nil
}

func (l *Local) Create(threadIDs []int32, target time.Duration) (string, error) {
	info, err := l.reg.Create(CreateRequest{
		Owner:     l.owner,
		PID:       l.pid,
		ThreadIDs: threadIDs,
		Target:    target,
	})
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (l *Local) UpdateTarget(id string, target time.Duration) error {
	_, err := l.reg.UpdateTarget(id, target)
	return err
}

func (l *Local) ReportActual(id string, actual time.Duration) error {
	_, err := l.reg.ReportActual(id, actual)
	return err
}

func (l *Local) SendHint(id string, hint Hint) error {
	_, err := l.reg.SendHint(id, hint)
	return err
}

func (l *Local) CloseSession(id string) error {
	_, err := l.reg.Close(id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (l *Local) Done(id string) <-chan struct{} {
	return l.reg.Done(id)
}

var _ Backend = (*Local)(nil)
