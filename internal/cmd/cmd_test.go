package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/peterje/perfhint/internal/api"
	"github.com/peterje/perfhint/internal/hintd"
	"github.com/peterje/perfhint/internal/session"
	"github.com/peterje/perfhint/pkg/perfhint"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// startService runs hintd on a socket in a temp dir and returns the socket path.
func startService(t *testing.T) (string, *hintd.Service) {
	t.Helper()
	dir := t.TempDir()
	socket := filepath.Join(dir, "hintd.sock")
	ln, cleanup, err := hintd.Listen(socket, filepath.Join(dir, "hintd.pid"), nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	svc := hintd.New(hintd.Options{
		Registry:            session.NewRegistry(session.Options{}),
		APILevel:            34,
		PreferredUpdateRate: 5 * time.Millisecond,
	})
	go svc.Serve(ln)
	t.Cleanup(func() {
		ln.Close()
		svc.Shutdown()
		cleanup()
	})
	return socket, svc
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "perfhint" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "perfhint")
	}

	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, name := range []string{"serve", "sessions", "rate", "demo"} {
		if !cmdMap[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestRateCommand(t *testing.T) {
	socket, _ := startService(t)

	out, err := executeCommand(rootCmd, "rate", "--target", socket)
	if err != nil {
		t.Fatalf("rate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "5ms (5000000 ns)") {
		t.Errorf("unexpected output: %q", out)
	}
	if !strings.Contains(out, "api level: 34 (sessions: true, hints: true)") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestPrintSessions(t *testing.T) {
	now := time.Now()
	hint := session.HintLoadUp
	infos := []session.Info{
		{ID: "busy", PID: 10, Target: 16 * time.Millisecond, LastActual: 20 * time.Millisecond,
			MeanActual: 18 * time.Millisecond, Boost: 3, LastHint: &hint, CreatedAt: now.Add(-time.Minute)},
		{ID: "sleepy", PID: 11, Target: 8 * time.Millisecond, Idle: true, CreatedAt: now},
	}

	var buf bytes.Buffer
	printSessions(&buf, infos, now)
	out := buf.String()

	for _, want := range []string{"busy", "CPU_LOAD_UP", "18ms", "1m0s", "sleepy", "idle"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printSessions(&buf, nil, now)
	if !strings.Contains(buf.String(), "no live sessions") {
		t.Errorf("unexpected empty output: %q", buf.String())
	}
}

func TestDemoWorkload(t *testing.T) {
	reg := session.NewRegistry(session.Options{Window: 2})
	mgr, err := perfhint.NewManager(session.NewLocal(reg, 34, 2*time.Millisecond))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	sess, err := mgr.CreateSession([]int32{currentTID()}, 2*time.Millisecond)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer sess.Close()

	var buf bytes.Buffer
	w := &demoWorkload{sess: sess, out: &buf, period: 2 * time.Millisecond}
	if err := w.run(200 * time.Millisecond); err != nil {
		t.Fatalf("run: %v", err)
	}
	if w.frames == 0 {
		t.Fatal("no frames ran")
	}

	infos := reg.List()
	if len(infos) != 1 || infos[0].Reports != int64(w.frames) {
		t.Fatalf("registry saw %+v, want %d reports", infos, w.frames)
	}
	if infos[0].LastHint == nil || *infos[0].LastHint != session.HintLoadResume {
		t.Fatalf("last hint = %v, want CPU_LOAD_RESUME", infos[0].LastHint)
	}
	if !strings.Contains(buf.String(), "done:") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestSweepInterval(t *testing.T) {
	if got := sweepInterval(2 * time.Second); got != 500*time.Millisecond {
		t.Errorf("sweepInterval(2s) = %v", got)
	}
	if got := sweepInterval(0); got != 100*time.Millisecond {
		t.Errorf("sweepInterval(0) = %v", got)
	}
}

func TestFetchSessionsSeesEveryClient(t *testing.T) {
	socket, svc := startService(t)

	var ids []string
	for range 2 {
		c, err := hintd.Dial(socket, hintd.DialOptions{})
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		t.Cleanup(func() { c.Close() })
		id, err := c.Create([]int32{currentTID()}, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, id)
	}

	h := api.NewSessionsHandler(svc.Registry(), svc, nil, zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", h.HandleList)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	infos, err := fetchSessions(ts.URL, false)
	if err != nil {
		t.Fatalf("fetchSessions: %v", err)
	}
	seen := make(map[string]bool)
	for _, info := range infos {
		seen[info.ID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			t.Errorf("session %s missing from %+v", id, infos)
		}
	}

	if _, err := fetchSessions(ts.URL+"/missing", false); err == nil {
		t.Error("expected an error for a non-200 response")
	}
}
