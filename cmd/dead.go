package cmd

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/orchardlog/fieldsync/internal/db"
	"github.com/orchardlog/fieldsync/internal/models"
	"github.com/orchardlog/fieldsync/internal/output"
)

var deadCmd = &cobra.Command{
	Use:     "dead",
	Short:   "Inspect writes the server rejected",
	GroupID: "sync",
}

var deadListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List dead-lettered writes",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			items, err := a.db.ListByStatus(models.StatusDead)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(items)
			}
			if len(items) == 0 {
				output.Info("No dead writes")
				return nil
			}
			width := output.TerminalWidth(0)
			for _, item := range items {
				output.Info("%s", output.FormatItemShort(item, width))
				if item.LastError != nil {
					output.Info("    %s", output.Truncate(item.LastError.Message, width-4))
				}
			}
			return nil
		})
	},
}

var deadRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Put a dead write back in the queue with a fresh attempt count",
	Long: `Requeues the write in its original position. It is sent on the next sync,
ahead of anything queued after it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseItemID(args[0])
		if err != nil {
			printError(cmd, err)
			return err
		}
		return withApp(cmd, func(a *app) error {
			if err := a.db.RequeueDead(id); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(map[string]any{"id": id, "status": models.StatusPending})
			}
			output.Success("Requeued #%d", id)
			return nil
		})
	},
}

var deadDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Delete a dead write permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseItemID(args[0])
		if err != nil {
			printError(cmd, err)
			return err
		}
		return withApp(cmd, func(a *app) error {
			item, err := a.db.GetItem(id)
			if err != nil {
				return err
			}
			if item.Status != models.StatusDead {
				return fmt.Errorf("item %d is %s: %w", id, item.Status, db.ErrNotDead)
			}

			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				if !output.IsTerminal() {
					return fmt.Errorf("%w: pass --yes to discard without a prompt", errInvalidInput)
				}
				confirmed := false
				err := huh.NewConfirm().
					Title(fmt.Sprintf("Discard #%d %s %s?", item.ID, item.Method, item.Endpoint)).
					Description("The write will never reach the server.").
					Affirmative("Discard").
					Negative("Keep").
					Value(&confirmed).
					Run()
				if err != nil {
					return err
				}
				if !confirmed {
					output.Info("Kept #%d", id)
					return nil
				}
			}

			if err := a.db.DiscardItem(id); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(map[string]any{"id": id, "discarded": true})
			}
			output.Success("Discarded #%d", id)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(deadCmd)
	deadCmd.AddCommand(deadListCmd, deadRetryCmd, deadDiscardCmd)
	deadDiscardCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
}
