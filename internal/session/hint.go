package session

import "strconv"

// Hint is an advisory signal about an upcoming change in workload intensity.
// Values are stable and only ever appended to.
type Hint int32

const (
	HintLoadUp     Hint = 0
	HintLoadDown   Hint = 1
	HintLoadReset  Hint = 2
	HintLoadResume Hint = 3
)

// Known reports whether h is a hint this build understands.
func (h Hint) Known() bool {
	return h >= HintLoadUp && h <= HintLoadResume
}

func (h Hint) String() string {
	switch h {
	case HintLoadUp:
		return "CPU_LOAD_UP"
	case HintLoadDown:
		return "CPU_LOAD_DOWN"
	case HintLoadReset:
		return "CPU_LOAD_RESET"
	case HintLoadResume:
		return "CPU_LOAD_RESUME"
	}
	return "Hint(" + strconv.Itoa(int(h)) + ")"
}
