package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/orchardlog/fieldsync/internal/models"
	"github.com/orchardlog/fieldsync/internal/output"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Aliases: []string{"q"},
	Short:   "List queued writes in delivery order",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			var items []models.QueueItem
			var err error
			if status, _ := cmd.Flags().GetString("status"); status != "" {
				items, err = a.db.ListByStatus(models.ItemStatus(status))
			} else {
				items, err = a.db.PeekOrdered()
			}
			if err != nil {
				return err
			}
			pending, err := a.manager.PendingCount()
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return output.JSON(map[string]any{"pending": pending, "items": items})
			}
			if len(items) == 0 {
				output.Info("Queue is empty")
				return nil
			}
			long, _ := cmd.Flags().GetBool("long")
			width := output.TerminalWidth(0)
			for _, item := range items {
				if long {
					output.Info("%s---", output.FormatItemLong(item))
					continue
				}
				output.Info("%s", output.FormatItemShort(item, width))
			}
			output.Info("\n%d pending, %d total", pending, len(items))
			return nil
		})
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one queued write with its payload and last error",
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
			if jsonOutput(cmd) {
				return output.JSON(item)
			}
			if output.IsTerminal() {
				if rendered, err := output.RenderMarkdown(output.ItemMarkdown(*item)); err == nil {
					output.Info("%s", rendered)
					return nil
				}
			}
			output.Info("%s", output.FormatItemLong(*item))
			return nil
		})
	},
}

func parseItemID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q is not a queue item id", errInvalidInput, s)
	}
	return id, nil
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueShowCmd)
	queueCmd.Flags().String("status", "", "Only items with this status (pending, syncing, failed_retryable, dead)")
	queueCmd.Flags().BoolP("long", "l", false, "Show payloads and errors")
}
