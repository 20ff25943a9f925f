package perfhint

import (
	"strconv"

	"github.com/peterje/perfhint/internal/session"
)

// SessionHint signals an upcoming change in a session's workload.
// Values are stable; new values are only ever appended.
type SessionHint int32

const (
	// CPULoadUp: workload intensity jumps now; the session needs extra CPU
	// resources immediately to meet its target for the current cycle.
	CPULoadUp SessionHint = 0
	// CPULoadDown: workload intensity drops; the session can meet its target
	// with fewer resources.
	CPULoadDown SessionHint = 1
	// CPULoadReset: the upcoming workload is unknown; reset to a baseline and
	// wake up if inactive.
	CPULoadReset SessionHint = 2
	// CPULoadResume: the previous workload resumes after a pause; restore the
	// resources used before and wake up if inactive.
	CPULoadResume SessionHint = 3
)

func (h SessionHint) String() string {
	if session.Hint(h).Known() {
		return session.Hint(h).String()
	}
	return "SessionHint(" + strconv.Itoa(int(h)) + ")"
}
