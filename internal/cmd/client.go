package cmd

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/peterje/perfhint/internal/config"
	"github.com/peterje/perfhint/internal/hintd"
	"github.com/spf13/cobra"
)

var (
	targetFlag   string
	secretFlag   string
	insecureFlag bool
)

// addTargetFlags registers the flags shared by commands that talk to hintd.
func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&targetFlag, "target", "", "hintd socket path or ws(s):// tunnel URL (default from config)")
	cmd.Flags().StringVar(&secretFlag, "secret", "", "tunnel secret for ws(s):// targets (default from config)")
	cmd.Flags().BoolVar(&insecureFlag, "insecure", false, "skip certificate verification for wss:// targets")
}

func dialOptions(cfg *config.Config) hintd.DialOptions {
	secret := secretFlag
	if secret == "" {
		secret = cfg.HTTP.TunnelSecret
	}
	opts := hintd.DialOptions{TunnelSecret: secret}
	if insecureFlag {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return opts
}

func target(cfg *config.Config) string {
	if targetFlag != "" {
		return targetFlag
	}
	return cfg.SocketPath()
}

// connect dials hintd and checks it answers.
func connect(cfg *config.Config) (*hintd.Client, error) {
	client, err := hintd.Dial(target(cfg), dialOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to hintd: %w", err)
	}
	if err := client.Ping(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping hintd: %w", err)
	}
	return client, nil
}

// connectOrStart connects to a running hintd or launches one in the background.
func connectOrStart(cfg *config.Config) (*hintd.Client, error) {
	if client, err := connect(cfg); err == nil {
		return client, nil
	}
	if targetFlag != "" && targetFlag != cfg.SocketPath() {
		return nil, fmt.Errorf("hintd not reachable at %s", targetFlag)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}
	args := []string{"serve"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start hintd: %w", err)
	}
	// Detach; hintd outlives this process.
	cmd.Process.Release()

	for i := 0; i < 40; i++ { // 40 * 50ms = 2s
		time.Sleep(50 * time.Millisecond)
		if client, err := connect(cfg); err == nil {
			return client, nil
		}
	}
	return nil, fmt.Errorf("hintd did not become available within 2s")
}
