package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/orchardlog/fieldsync/internal/connectivity"
	"github.com/orchardlog/fieldsync/internal/events"
	"github.com/orchardlog/fieldsync/internal/output"
	"github.com/orchardlog/fieldsync/internal/tui/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay running and sync whenever the server is reachable",
	Long: `Probes the server and replays the queue each time it comes back, on a
timer, and after a retryable failure once the backoff elapses.

Key bindings:
  s  Sync now
  r  Refresh
  ?  Toggle help
  q  Quit`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			prober := connectivity.NewProber(a.monitor, a.client, connectivity.ProberConfig{
				Interval: a.settings.ProbeInterval,
				Logger:   a.logger,
			})
			online := prober.ProbeOnce(ctx)

			plain, _ := cmd.Flags().GetBool("plain")
			if plain || !output.IsTerminal() {
				return watchPlain(ctx, a, prober)
			}

			interval, _ := cmd.Flags().GetDuration("interval")
			model := watch.NewModel(a.db, func() error { return a.manager.SyncAll(ctx) },
				a.settings.ServerURL, online, interval)
			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

			unsubEvents := a.manager.AddSyncListener(func(ev events.Event) { p.Send(watch.EventMsg{Event: ev}) })
			defer unsubEvents()
			unsubConn := a.monitor.Subscribe(func(online bool) { p.Send(watch.ConnectivityMsg{Online: online}) })
			defer unsubConn()

			if err := a.manager.Init(ctx); err != nil {
				return err
			}
			prober.Start(ctx)
			defer prober.Stop()

			if _, err := p.Run(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("error running watch: %w", err)
			}
			return nil
		})
	},
}

// watchPlain prints one line per sync event until ctx is cancelled.
func watchPlain(ctx context.Context, a *app, prober *connectivity.Prober) error {
	unsubEvents := a.manager.AddSyncListener(func(ev events.Event) {
		ts := time.Now().Format("15:04:05")
		switch ev := ev.(type) {
		case events.SyncStart:
			output.Info("%s sync started (%s)", ts, ev.Trigger)
		case events.SyncComplete:
			output.Info("%s sync complete (%s): %d sent, %d failed, %d dead, %d remaining",
				ts, ev.Trigger, ev.SuccessCount, ev.FailCount, ev.DeadCount, ev.Remaining)
		case events.SyncError:
			output.Error("%s sync failed (%s): %v", ts, ev.Trigger, ev.Err)
		}
	})
	defer unsubEvents()
	unsubConn := a.monitor.Subscribe(func(online bool) {
		state := "offline"
		if online {
			state = "online"
		}
		output.Info("%s server %s", time.Now().Format("15:04:05"), state)
	})
	defer unsubConn()

	if err := a.manager.Init(ctx); err != nil {
		return err
	}
	prober.Start(ctx)
	defer prober.Stop()

	<-ctx.Done()
	return nil
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Duration("interval", 2*time.Second, "Screen refresh interval")
	watchCmd.Flags().Bool("plain", false, "Print events as lines instead of the dashboard")
}
