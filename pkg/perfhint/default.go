package perfhint

import (
	"os"
	"sync"

	"github.com/peterje/perfhint/internal/config"
	"github.com/peterje/perfhint/internal/hintd"
	"github.com/peterje/perfhint/internal/session"
	"github.com/spf13/viper"
)

// TargetEnv overrides the hintd address used by GetManager. It accepts a socket
// path, a unix:// URL or a ws(s):// tunnel URL.
const TargetEnv = "PERFHINT_TARGET"

// SecretEnv holds the tunnel secret for ws(s):// targets.
const SecretEnv = "PERFHINT_TUNNEL_SECRET"

var (
	defaultMu  sync.Mutex
	defaultMgr *Manager
)

// GetManager returns the process-wide Manager, connecting to hintd on first use.
// If hintd cannot be reached, sessions are tracked in-process instead. The
// Manager lives for the rest of the process and has no release function.
// A failed acquisition is retried on the next call.
func GetManager() (*Manager, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultMgr != nil {
		return defaultMgr, nil
	}

	mgr, err := connectDefault()
	if err != nil {
		return nil, err
	}
	defaultMgr = mgr
	return mgr, nil
}

func connectDefault() (*Manager, error) {
	cfg := clientConfig()
	client, err := hintd.Dial(defaultTarget(cfg), hintd.DialOptions{TunnelSecret: os.Getenv(SecretEnv)})
	if err == nil {
		mgr, err := NewManager(client)
		if err == nil {
			return mgr, nil
		}
		client.Close()
	}
	return NewManager(newInProcessBackend(cfg))
}

// clientConfig reads the same configuration hintd does, so the socket and
// controller settings agree. An unreadable config falls back to defaults.
func clientConfig() *config.Config {
	cfg, err := config.Load(viper.New(), "")
	if err != nil {
		return config.Default()
	}
	return cfg
}

func defaultTarget(cfg *config.Config) string {
	if target := os.Getenv(TargetEnv); target != "" {
		return target
	}
	return cfg.SocketPath()
}

func newInProcessBackend(cfg *config.Config) session.Backend {
	reg := session.NewRegistry(session.Options{
		Window:       cfg.Controller.Window,
		MaxBoost:     cfg.Controller.MaxBoost,
		IdleTimeout:  cfg.Controller.IdleTimeout,
		VerifyThread: session.ThreadInGroup,
	})
	return session.NewLocal(reg, cfg.Service.APILevel, cfg.Service.PreferredUpdateRate)
}
