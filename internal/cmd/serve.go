package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/peterje/perfhint/internal/api"
	"github.com/peterje/perfhint/internal/config"
	"github.com/peterje/perfhint/internal/hintd"
	"github.com/peterje/perfhint/internal/journal"
	"github.com/peterje/perfhint/internal/placement"
	"github.com/peterje/perfhint/internal/preflight"
	"github.com/peterje/perfhint/internal/server"
	"github.com/peterje/perfhint/internal/session"
	"github.com/peterje/perfhint/internal/tunnel"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const journalFlushInterval = 2 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hintd service",
	Long: `Run hintd in the foreground. It listens on a unix socket for perfhint
clients and, unless http.addr is empty, serves the inspection API and the
websocket tunnel for remote clients.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := preflight.CheckAll(cfg.SocketPath(), log.Named("preflight"))

	reg := session.NewRegistry(session.Options{
		Window:       cfg.Controller.Window,
		MaxBoost:     cfg.Controller.MaxBoost,
		IdleTimeout:  cfg.Controller.IdleTimeout,
		Placer:       newPlacer(cfg, log),
		VerifyThread: threadVerifier(cfg),
		Logger:       log.Named("registry"),
	})

	opts := hintd.Options{
		Registry:            reg,
		Logger:              log.Named("hintd"),
		APILevel:            cfg.Service.APILevel,
		PreferredUpdateRate: cfg.Service.PreferredUpdateRate,
	}
	var history api.History
	if cfg.Journal.Enabled {
		j, err := openJournal(cfg, log)
		if err != nil {
			return err
		}
		defer j.Close()
		go j.Run(ctx, journalFlushInterval)
		opts.Recorder = j
		history = j
	}
	svc := hintd.New(opts)

	ln, cleanup, err := hintd.Listen(cfg.SocketPath(), cfg.PIDPath(), log)
	if err != nil {
		return err
	}
	defer cleanup()

	errCh := make(chan error, 2)
	go func() {
		if err := svc.Serve(ln); err != nil {
			errCh <- fmt.Errorf("serve socket: %w", err)
		}
	}()
	go svc.Sweep(ctx, sweepInterval(cfg.Controller.IdleTimeout))
	log.Info("hintd listening",
		zap.String("socket", cfg.SocketPath()),
		zap.Int("api_level", cfg.Service.APILevel),
		zap.Duration("preferred_update_rate", cfg.Service.PreferredUpdateRate))

	var httpSrv *http.Server
	if cfg.HTTP.Addr != "" {
		if cfg.Placement.Enabled {
			log.Info("tunnel sessions are tracked but not placed; their peers cannot be verified")
		}
		srv := server.New(server.Options{
			Service: svc,
			History: history,
			Tunnel:  tunnel.NewHandler(cfg.HTTP.TunnelSecret, svc.ServeConn, log.Named("tunnel")),
			Checks:  checks,
			Logger:  log.Named("http"),
		})
		httpSrv = &http.Server{Addr: cfg.HTTP.Addr, Handler: srv.Handler()}
		if cfg.HTTP.TLS.Enabled {
			tlsConfig, err := server.TLSConfig(cfg.HTTP.TLS.CertFile, cfg.HTTP.TLS.KeyFile, filepath.Join(config.Dir(), "tls"))
			if err != nil {
				return err
			}
			httpSrv.TLSConfig = tlsConfig
		}
		go func() {
			var err error
			if httpSrv.TLSConfig != nil {
				err = httpSrv.ListenAndServeTLS("", "")
			} else {
				err = httpSrv.ListenAndServe()
			}
			if !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve http: %w", err)
			}
		}()
		log.Info("http listening", zap.String("addr", cfg.HTTP.Addr), zap.Bool("tls", httpSrv.TLSConfig != nil))
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("service failed", zap.Error(runErr))
	}

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	ln.Close()
	svc.Shutdown()
	return runErr
}

func newPlacer(cfg *config.Config, log *zap.Logger) placement.Placer {
	if !cfg.Placement.Enabled {
		return placement.Noop{}
	}
	if err := placement.Probe(); err != nil {
		log.Warn("placement disabled", zap.Error(err))
		return placement.Noop{}
	}
	return placement.NewAffinity()
}

func threadVerifier(cfg *config.Config) func(int, int32) error {
	if !cfg.Service.VerifyThreads {
		return nil
	}
	return session.ThreadInGroup
}

func openJournal(cfg *config.Config, log *zap.Logger) (*journal.Journal, error) {
	j, err := journal.Open(cfg.JournalPath(), log.Named("journal"))
	if err != nil {
		return nil, err
	}
	if n, err := j.CloseStale(); err != nil {
		log.Warn("journal: close stale sessions", zap.Error(err))
	} else if n > 0 {
		log.Info("journal: closed sessions left by previous run", zap.Int64("count", n))
	}
	return j, nil
}

// sweepInterval checks for idle sessions a few times per idle timeout.
func sweepInterval(idle time.Duration) time.Duration {
	return max(idle/4, 100*time.Millisecond)
}
