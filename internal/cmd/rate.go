package cmd

import (
	"fmt"

	"github.com/peterje/perfhint/pkg/perfhint"
	"github.com/spf13/cobra"
)

var rateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Print the preferred update rate",
	Long: `Print how often hintd wants actual work durations reported, as reported by
the service, together with the capabilities it advertises.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := connect(cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		mgr, err := perfhint.NewManager(client)
		if err != nil {
			return err
		}
		caps := mgr.Capabilities()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "preferred update rate: %s (%d ns)\n", mgr.PreferredUpdateRate(), mgr.PreferredUpdateRate().Nanoseconds())
		fmt.Fprintf(out, "api level: %d (sessions: %t, hints: %t)\n", caps.APILevel, caps.Sessions, caps.SendHint)
		return nil
	},
}

func init() {
	addTargetFlags(rateCmd)
	rootCmd.AddCommand(rateCmd)
}
