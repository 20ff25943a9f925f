package perfhint

import (
	"errors"
	"net"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/peterje/perfhint/internal/hintd"
	"github.com/peterje/perfhint/internal/session"
	"golang.org/x/sys/unix"
)

func newLocalManager(t *testing.T, apiLevel int) (*Manager, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(session.Options{Window: 2, MaxBoost: 4})
	mgr, err := NewManager(session.NewLocal(reg, apiLevel, 8*time.Millisecond))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr, reg
}

// newRemoteManager wires a Manager to a hintd Service over an in-memory pipe.
func newRemoteManager(t *testing.T) (*Manager, *hintd.Service, net.Conn) {
	t.Helper()
	svc := hintd.New(hintd.Options{APILevel: 34, PreferredUpdateRate: 4 * time.Millisecond})
	serverConn, clientConn := net.Pipe()
	go svc.ServeConn(serverConn)

	client := hintd.NewClient(clientConn, hintd.DialOptions{RequestTimeout: 2 * time.Second})
	t.Cleanup(func() { client.Close() })

	mgr, err := NewManager(client)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr, svc, serverConn
}

func TestPreferredUpdateRate(t *testing.T) {
	mgr, _ := newLocalManager(t, 34)
	if got := mgr.PreferredUpdateRate(); got != 8*time.Millisecond {
		t.Errorf("PreferredUpdateRate() = %v, want 8ms", got)
	}

	zeroRate, err := NewManager(session.NewLocal(session.NewRegistry(session.Options{}), 34, 0))
	if err != nil {
		t.Fatal(err)
	}
	if zeroRate.PreferredUpdateRate() <= 0 {
		t.Errorf("PreferredUpdateRate() = %v, want positive", zeroRate.PreferredUpdateRate())
	}
}

func TestCapabilities(t *testing.T) {
	tests := []struct {
		level    int
		sessions bool
		hints    bool
	}{
		{32, false, false},
		{33, true, false},
		{34, true, true},
		{35, true, true},
	}
	for _, tt := range tests {
		caps := capabilitiesFor(tt.level)
		if caps.Sessions != tt.sessions || caps.SendHint != tt.hints {
			t.Errorf("capabilitiesFor(%d) = %+v", tt.level, caps)
		}
	}

	_, err := NewManager(session.NewLocal(session.NewRegistry(session.Options{}), 32, time.Millisecond))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("NewManager(level 32) error = %v, want ErrUnsupported", err)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	mgr, reg := newLocalManager(t, 34)

	tests := []struct {
		name   string
		tids   []int32
		target time.Duration
	}{
		{"nil tids", nil, time.Millisecond},
		{"empty tids", []int32{}, time.Millisecond},
		{"zero target", []int32{1}, 0},
		{"negative target", []int32{1}, -time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := mgr.CreateSession(tt.tids, tt.target)
			if sess != nil {
				t.Error("CreateSession() returned a handle")
			}
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("error = %v, want ErrInvalidArgument", err)
			}
			if Status(err) != int(unix.EINVAL) {
				t.Errorf("Status() = %d, want EINVAL", Status(err))
			}
		})
	}
	if len(reg.List()) != 0 {
		t.Error("failed creates left sessions behind")
	}
}

func TestDurations(t *testing.T) {
	mgr, reg := newLocalManager(t, 34)
	sess, err := mgr.CreateSession([]int32{100}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	defer sess.Close()

	for _, bad := range []time.Duration{0, -1, -time.Hour} {
		if err := sess.UpdateTargetWorkDuration(bad); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("UpdateTargetWorkDuration(%v) = %v, want ErrInvalidArgument", bad, err)
		}
		if err := sess.ReportActualWorkDuration(bad); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ReportActualWorkDuration(%v) = %v, want ErrInvalidArgument", bad, err)
		}
	}
	if sess.TargetWorkDuration() != 10*time.Millisecond {
		t.Errorf("target changed by rejected update: %v", sess.TargetWorkDuration())
	}

	for _, d := range []time.Duration{5 * time.Millisecond, 7 * time.Millisecond, 6 * time.Millisecond} {
		if err := sess.UpdateTargetWorkDuration(d); err != nil {
			t.Fatalf("UpdateTargetWorkDuration(%v) = %v", d, err)
		}
		if err := sess.ReportActualWorkDuration(d / 2); err != nil {
			t.Fatalf("ReportActualWorkDuration() = %v", err)
		}
	}
	if sess.TargetWorkDuration() != 6*time.Millisecond {
		t.Errorf("TargetWorkDuration() = %v, want 6ms", sess.TargetWorkDuration())
	}

	list := reg.List()
	if len(list) != 1 || list[0].Target != 6*time.Millisecond || list[0].Reports != 3 {
		t.Errorf("registry = %+v", list)
	}
}

func TestSendHint(t *testing.T) {
	mgr, _ := newLocalManager(t, 34)
	sess, err := mgr.CreateSession([]int32{100}, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	for _, h := range []SessionHint{CPULoadUp, CPULoadDown, CPULoadReset, CPULoadResume} {
		if err := sess.SendHint(h); err != nil {
			t.Errorf("SendHint(%s) = %v", h, err)
		}
	}
	if err := sess.SendHint(SessionHint(99)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SendHint(99) = %v, want ErrInvalidArgument", err)
	}
}

func TestSendHintNeedsAPILevel(t *testing.T) {
	mgr, _ := newLocalManager(t, 33)
	sess, err := mgr.CreateSession([]int32{100}, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	if err := sess.SendHint(CPULoadUp); !errors.Is(err, ErrUnsupported) {
		t.Errorf("SendHint() = %v, want ErrUnsupported", err)
	}
	if err := sess.ReportActualWorkDuration(time.Millisecond); err != nil {
		t.Errorf("ReportActualWorkDuration() = %v", err)
	}
}

func TestClose(t *testing.T) {
	mgr, reg := newLocalManager(t, 34)
	sess, err := mgr.CreateSession([]int32{100}, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if len(reg.List()) != 0 {
		t.Error("session still registered")
	}

	if err := sess.UpdateTargetWorkDuration(time.Millisecond); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("UpdateTargetWorkDuration after close = %v", err)
	}
	if err := sess.ReportActualWorkDuration(time.Millisecond); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("ReportActualWorkDuration after close = %v", err)
	}
	if err := sess.SendHint(CPULoadUp); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SendHint after close = %v", err)
	}
}

func TestRemoteSession(t *testing.T) {
	mgr, svc, _ := newRemoteManager(t)
	if mgr.PreferredUpdateRate() != 4*time.Millisecond {
		t.Errorf("PreferredUpdateRate() = %v, want 4ms", mgr.PreferredUpdateRate())
	}
	if !mgr.Capabilities().SendHint {
		t.Error("SendHint capability missing at level 34")
	}

	sess, err := mgr.CreateSession([]int32{7, 8}, 16*time.Millisecond)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := sess.UpdateTargetWorkDuration(12 * time.Millisecond); err != nil {
		t.Fatalf("UpdateTargetWorkDuration() = %v", err)
	}
	if err := sess.ReportActualWorkDuration(13 * time.Millisecond); err != nil {
		t.Fatalf("ReportActualWorkDuration() = %v", err)
	}
	for _, h := range []SessionHint{CPULoadUp, CPULoadDown, CPULoadReset, CPULoadResume} {
		if err := sess.SendHint(h); err != nil {
			t.Errorf("SendHint(%s) = %v", h, err)
		}
	}

	list := svc.Registry().List()
	if len(list) != 1 || list[0].Target != 12*time.Millisecond {
		t.Fatalf("service sessions = %+v", list)
	}

	// closing on the service side invalidates the handle
	if _, err := svc.CloseSession(list[0].ID); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sess.ReportActualWorkDuration(time.Millisecond) == nil {
		if time.Now().After(deadline) {
			t.Fatal("handle still usable after service closed the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := sess.ReportActualWorkDuration(time.Millisecond); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("error = %v, want ErrSessionClosed", err)
	}
}

func TestBrokenPipe(t *testing.T) {
	mgr, _, serverConn := newRemoteManager(t)
	sess, err := mgr.CreateSession([]int32{7}, 16*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	serverConn.Close()
	time.Sleep(50 * time.Millisecond)

	// The done channel fires with the connection, so the handle reports closed;
	// calls that race ahead of it see the broken pipe.
	for _, err := range []error{
		sess.UpdateTargetWorkDuration(time.Millisecond),
		sess.ReportActualWorkDuration(time.Millisecond),
		sess.SendHint(CPULoadUp),
	} {
		if !errors.Is(err, ErrBrokenPipe) && !errors.Is(err, ErrSessionClosed) {
			t.Errorf("error = %v, want ErrBrokenPipe or ErrSessionClosed", err)
		}
		if Status(err) != int(unix.EPIPE) {
			t.Errorf("Status(%v) = %d, want EPIPE", err, Status(err))
		}
	}

	if _, err := mgr.CreateSession([]int32{7}, time.Millisecond); !errors.Is(err, ErrBrokenPipe) {
		t.Errorf("CreateSession() after disconnect = %v, want ErrBrokenPipe", err)
	}
}

func TestGetManagerFallsBackInProcess(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("uses gettid")
	}
	t.Setenv(TargetEnv, "/nonexistent/hintd.sock")

	mgr, err := GetManager()
	if err != nil {
		t.Fatalf("GetManager() error = %v", err)
	}
	again, _ := GetManager()
	if again != mgr {
		t.Error("GetManager() should return the same instance")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	sess, err := mgr.CreateSession([]int32{int32(unix.Gettid())}, 16*time.Millisecond)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	defer sess.Close()

	// threads of other processes are rejected
	if _, err := mgr.CreateSession([]int32{1 << 30}, 16*time.Millisecond); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("CreateSession(foreign tid) = %v, want ErrInvalidArgument", err)
	}
}

func TestDefaultTargetFollowsServiceConfig(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "custom.sock")
	t.Setenv("HOME", dir)
	t.Setenv(TargetEnv, "")
	t.Setenv("PERFHINT_SERVICE_SOCKET", socket)

	cfg := clientConfig()
	if got := defaultTarget(cfg); got != socket {
		t.Fatalf("defaultTarget() = %q, want %q", got, socket)
	}
	t.Setenv(TargetEnv, "ws://127.0.0.1:7400/tunnel")
	if got := defaultTarget(cfg); got != "ws://127.0.0.1:7400/tunnel" {
		t.Errorf("defaultTarget() with %s = %q", TargetEnv, got)
	}
}

func TestConnectDefaultUsesConfiguredSocket(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("uses gettid")
	}
	dir := t.TempDir()
	socket := filepath.Join(dir, "custom.sock")
	t.Setenv("HOME", dir)
	t.Setenv(TargetEnv, "")
	t.Setenv("PERFHINT_SERVICE_SOCKET", socket)

	ln, cleanup, err := hintd.Listen(socket, filepath.Join(dir, "custom.pid"), nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	svc := hintd.New(hintd.Options{APILevel: 34, PreferredUpdateRate: 4 * time.Millisecond})
	go svc.Serve(ln)
	t.Cleanup(func() {
		ln.Close()
		svc.Shutdown()
		cleanup()
	})

	mgr, err := connectDefault()
	if err != nil {
		t.Fatalf("connectDefault() error = %v", err)
	}
	if mgr.PreferredUpdateRate() != 4*time.Millisecond {
		t.Fatalf("PreferredUpdateRate() = %v, want the service's 4ms", mgr.PreferredUpdateRate())
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	sess, err := mgr.CreateSession([]int32{int32(unix.Gettid())}, 16*time.Millisecond)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	defer sess.Close()
	if n := len(svc.Registry().List()); n != 1 {
		t.Errorf("service holds %d sessions, want 1", n)
	}
}

func TestStatus(t *testing.T) {
	if Status(nil) != 0 {
		t.Error("Status(nil) != 0")
	}
	if Status(ErrInvalidArgument) != int(unix.EINVAL) {
		t.Error("Status(invalid) != EINVAL")
	}
	if Status(ErrBrokenPipe) != int(unix.EPIPE) {
		t.Error("Status(broken) != EPIPE")
	}
}

func TestSessionHintString(t *testing.T) {
	if CPULoadUp.String() != "CPU_LOAD_UP" {
		t.Errorf("String() = %q", CPULoadUp.String())
	}
	if SessionHint(12).String() != "SessionHint(12)" {
		t.Errorf("String() = %q", SessionHint(12).String())
	}
}
