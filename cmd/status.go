package cmd

import (
	"github.com/spf13/cobra"

	"github.com/orchardlog/fieldsync/internal/output"
	buildinfo "github.com/orchardlog/fieldsync/internal/version"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show connectivity, queue counts and the last sync run",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			counts, err := a.db.CountByStatus()
			if err != nil {
				return err
			}
			last, err := a.db.LastRun()
			if err != nil {
				return err
			}
			keys, err := a.db.CacheKeys()
			if err != nil {
				return err
			}
			report := output.StatusReport{
				ServerURL: a.settings.ServerURL,
				Online:    a.probe(cmd.Context()),
				Counts:    counts,
				LastRun:   last,
				CacheSize: len(keys),
			}
			if jsonOutput(cmd) {
				return output.JSON(map[string]any{
					"server_url": report.ServerURL,
					"online":     report.Online,
					"counts":     report.Counts,
					"last_run":   report.LastRun,
					"cached":     report.CacheSize,
				})
			}
			md := report.Markdown()
			if !output.IsTerminal() {
				output.Info("%s", md)
				return nil
			}
			rendered, err := output.RenderMarkdown(md)
			if err != nil {
				return err
			}
			output.Info("%s", rendered)
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Print the fieldsync version",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput(cmd) {
			return output.JSON(map[string]any{
				"version":     version,
				"development": buildinfo.IsDevelopment(version),
			})
		}
		if buildinfo.IsDevelopment(version) {
			output.Info("fieldsync %s (development build)", version)
			return nil
		}
		output.Info("fieldsync %s", version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, versionCmd)
}
