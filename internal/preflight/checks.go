package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/peterje/perfhint/internal/models"
	"github.com/peterje/perfhint/internal/placement"
	"go.uber.org/zap"
)

// CheckAll inspects the host for the facilities hintd relies on and logs the
// outcome. Failures are advisory: the daemon degrades instead of refusing to
// start.
func CheckAll(socketPath string, log *zap.Logger) []models.Check {
	checks := []models.Check{
		checkCPUs(),
		checkAffinity(),
		checkProcfs(),
		checkSocketDir(socketPath),
	}

	for _, c := range checks {
		if c.OK {
			log.Info("preflight ok", zap.String("check", c.Name), zap.String("detail", c.Detail))
		} else {
			log.Warn("preflight failed", zap.String("check", c.Name), zap.String("detail", c.Detail))
		}
	}
	return checks
}

func checkCPUs() models.Check {
	n := runtime.NumCPU()
	return models.Check{Name: "cpus", OK: n > 0, Detail: fmt.Sprintf("%d online", n)}
}

func checkAffinity() models.Check {
	if err := placement.Probe(); err != nil {
		return models.Check{Name: "affinity", Detail: err.Error()}
	}
	return models.Check{Name: "affinity", OK: true, Detail: "sched_setaffinity available"}
}

func checkProcfs() models.Check {
	if _, err := os.Stat("/proc/self/task"); err != nil {
		// Thread ownership can't be verified; sessions are accepted on trust.
		return models.Check{Name: "procfs", Detail: err.Error()}
	}
	return models.Check{Name: "procfs", OK: true, Detail: "/proc/self/task"}
}

func checkSocketDir(socketPath string) models.Check {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return models.Check{Name: "socket_dir", Detail: err.Error()}
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return models.Check{Name: "socket_dir", Detail: err.Error()}
	}
	f.Close()
	os.Remove(f.Name())
	return models.Check{Name: "socket_dir", OK: true, Detail: dir}
}
