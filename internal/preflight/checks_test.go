package preflight

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestCheckAll(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "sub", "hintd.sock")
	checks := CheckAll(socket, zap.NewNop())

	byName := map[string]bool{}
	for _, c := range checks {
		byName[c.Name] = c.OK
	}
	for _, name := range []string{"cpus", "affinity", "procfs", "socket_dir"} {
		if _, ok := byName[name]; !ok {
			t.Fatalf("missing check %q", name)
		}
	}
	if !byName["cpus"] {
		t.Fatal("cpus check should pass")
	}
	if !byName["socket_dir"] {
		t.Fatal("socket_dir check should pass for a writable temp dir")
	}
}
