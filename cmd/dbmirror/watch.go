package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/dbmirror/dbmirror/internal/daemon"
	"github.com/dbmirror/dbmirror/internal/dashboard"
	"github.com/dbmirror/dbmirror/internal/logging"
	"github.com/dbmirror/dbmirror/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Keep mirrors up to date as the source changes",
	Long: `Watch the account's storage directory and update stale mirrors after the
source databases change. Bursts of file events are debounced into one update;
requests that arrive during an update are folded into a single follow-up.
A poller catches changes the file watch misses.

With --dashboard, progress and finished updates are streamed as JSON over
WebSocket:
  ws://127.0.0.1:8765/ws
  http://127.0.0.1:8765/health

Watch mode requires auto_update_database = true.`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("dashboard") {
			cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}
		initial, _ := cmd.Flags().GetBool("initial")

		if !cfg.AutoUpdateDatabase {
			fatal("auto update is disabled (set auto_update_database = true)")
		}

		a := mustApp()
		defer a.Close()

		dir, err := a.engine.SourceDir()
		if err != nil {
			fatal("%v", err)
		}

		w := cfg.Watch
		coord := daemon.New(a.engine, daemon.Config{
			AutoUpdate:   cfg.AutoUpdateDatabase,
			Debounce:     w.Debounce,
			Settle:       w.Settle,
			MinInterval:  w.MinInterval,
			MaxPending:   w.MaxPending,
			PollInterval: w.PollInterval,
			CycleTimeout: w.CycleTimeout,
			Extension:    cfg.Source.Extension,
			Verbose:      cfg.Dashboard.Enabled,
			Logger:       logging.Component(logger, "coordinator"),
		})
		coord.Subscribe(func(n daemon.Notification) {
			if n.Trigger == daemon.TriggerPoll && n.Stale > 0 {
				return
			}
			if n.Result.Checked > 0 || n.Err != nil {
				a.recordCycle(n.Result)
			}
		})

		services := []suture.Service{coord}
		if cfg.Dashboard.Enabled {
			server := dashboard.NewServer(dashboard.Config{
				Host:   cfg.Dashboard.Host,
				Port:   cfg.Dashboard.Port,
				Status: coord.Status,
				Logger: logging.Component(logger, "dashboard"),
			})
			h := dashboard.NewHandler(server)
			h.Attach(a.engine.Registry(), coord)
			defer h.Detach()
			services = append(services, server)
		}

		// The coordinator may need a full cycle timeout to finish the file
		// in progress when stopped.
		sup := daemon.NewSupervisor(logging.Component(logger, "supervisor"), daemon.SupervisorConfig{
			ShutdownTimeout: w.CycleTimeout + 5*time.Second,
		}, services...)

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("%s Watching %s\n", ui.RenderAccent("👁"), dir)
		fmt.Printf("   Mirror: %s\n", a.scanner.Layout().Dir())
		if cfg.Dashboard.Enabled {
			fmt.Printf("   Dashboard: ws://%s:%d/ws\n", cfg.Dashboard.Host, cfg.Dashboard.Port)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if initial {
			go requestWhenEnabled(ctx, coord)
		}

		err = sup.Serve(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			fatal("watch stopped: %v", err)
		}
		fmt.Println("\nStopped")
	},
}

// requestWhenEnabled issues one update as soon as the supervisor has
// started the coordinator.
func requestWhenEnabled(ctx context.Context, coord *daemon.Coordinator) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if coord.Enabled() {
				coord.RequestUpdate()
				return
			}
		}
	}
}

func init() {
	watchCmd.Flags().Bool("dashboard", false, "Stream progress over WebSocket")
	watchCmd.Flags().IntP("port", "p", 8765, "Dashboard port")
	watchCmd.Flags().Bool("initial", true, "Run one update when watching starts")
	rootCmd.AddCommand(watchCmd)
}
