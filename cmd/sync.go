package cmd

import (
	"github.com/spf13/cobra"

	"github.com/orchardlog/fieldsync/internal/models"
	"github.com/orchardlog/fieldsync/internal/output"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued writes to the server now",
	Long: `Replays the queue in order. A write the server rejects is moved to the
dead letter list; a write that fails for a network reason stops the run so
later writes are not sent ahead of it.

The health check only informs the output. The run is always attempted,
since the first delivery is the real test of the connection.`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			online := a.probe(cmd.Context())
			if !online && !jsonOutput(cmd) {
				output.Warning("Server health check failed, trying anyway")
			}

			sum, err := a.manager.Sync(cmd.Context(), models.TriggerManual)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(sum)
			}
			switch {
			case sum.Skipped:
				output.Warning("Another sync is already running")
			case sum.SuccessCount+sum.FailCount+sum.DeadCount == 0:
				output.Info("Nothing to sync")
			default:
				output.Success("Sent %d", sum.SuccessCount)
				if sum.DeadCount > 0 {
					output.Warning("%d rejected by the server, see `fieldsync dead list`", sum.DeadCount)
				}
				if sum.Stopped {
					output.Warning("Stopped early, %d writes still queued", sum.Remaining)
				}
			}
			return nil
		})
	},
}

var runsCmd = &cobra.Command{
	Use:     "runs",
	Short:   "Show recent sync runs",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := a.db.RecentRuns(limit)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(runs)
			}
			if len(runs) == 0 {
				output.Info("No sync runs yet")
				return nil
			}
			for _, run := range runs {
				output.Info("%s", output.FormatRun(run))
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(syncCmd, runsCmd)
	runsCmd.Flags().IntP("limit", "n", 10, "Number of runs to show")
}
