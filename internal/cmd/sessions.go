package cmd

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/peterje/perfhint/internal/config"
	"github.com/peterje/perfhint/internal/session"
	"github.com/spf13/cobra"
)

var sessionsAddr string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live hint sessions",
	Long: `List every live session through the hintd inspection API. The socket
protocol only shows a client its own sessions.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		infos, err := fetchSessions(inspectionURL(cfg), insecureFlag)
		if err != nil {
			return err
		}
		printSessions(cmd.OutOrStdout(), infos, time.Now())
		return nil
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsAddr, "addr", "", "hintd HTTP address (default from config)")
	sessionsCmd.Flags().BoolVar(&insecureFlag, "insecure", false, "skip certificate verification")
	rootCmd.AddCommand(sessionsCmd)
}

func inspectionURL(cfg *config.Config) string {
	addr := sessionsAddr
	if addr == "" {
		addr = cfg.HTTP.Addr
	}
	if strings.Contains(addr, "://") {
		return strings.TrimSuffix(addr, "/")
	}
	if cfg.HTTP.TLS.Enabled {
		return "https://" + addr
	}
	return "http://" + addr
}

// fetchSessions reads the live session list from the inspection API at base.
func fetchSessions(base string, insecure bool) ([]session.Info, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	if insecure {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	resp, err := client.Get(base + "/api/sessions")
	if err != nil {
		return nil, fmt.Errorf("query hintd: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query hintd: %s", resp.Status)
	}
	var infos []session.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return infos, nil
}

func printSessions(w io.Writer, infos []session.Info, now time.Time) {
	if len(infos) == 0 {
		color.New(color.FgHiBlack).Fprintln(w, "no live sessions")
		return
	}

	header := color.New(color.FgCyan, color.Bold)
	header.Fprintf(w, "%-36s  %-7s  %-10s  %-10s  %-10s  %-7s  %-14s  %s\n",
		"ID", "PID", "TARGET", "ACTUAL", "MEAN", "BOOST", "LAST HINT", "AGE")

	for _, info := range infos {
		hint := "-"
		if info.LastHint != nil {
			hint = info.LastHint.String()
		}
		fmt.Fprintf(w, "%-36s  %-7d  %-10s  %-10s  %-10s  ",
			info.ID, info.PID,
			formatDuration(info.Target), formatDuration(info.LastActual), formatDuration(info.MeanActual))
		boostColor(info).Fprintf(w, "%-7s", boostLabel(info))
		fmt.Fprintf(w, "  %-14s  %s\n", hint, now.Sub(info.CreatedAt).Round(time.Second))
	}
}

func boostLabel(info session.Info) string {
	if info.Idle {
		return "idle"
	}
	return fmt.Sprintf("%d", info.Boost)
}

func boostColor(info session.Info) *color.Color {
	switch {
	case info.Idle:
		return color.New(color.FgHiBlack)
	case info.MeanActual > info.Target:
		return color.New(color.FgRed)
	case info.Boost > 0:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Microsecond).String()
}
