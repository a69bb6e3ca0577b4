package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbmirror/dbmirror/internal/engine"
	"github.com/dbmirror/dbmirror/internal/mirror"
	"github.com/dbmirror/dbmirror/internal/ui"
)

var scanCmd = &cobra.Command{
	Use:     "scan",
	GroupID: "sync",
	Short:   "List source databases and the state of their mirrors",
	Long: `Walk the account's storage directory and compare every database with its
decrypted mirror. Nothing is written.

States:
  current  - mirror is at least as new as the source
  stale    - mirror exists but the source changed since
  pending  - no mirror yet (use 'dbmirror decrypt-all')`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		report, err := a.engine.Check(ctx)
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("%s %s\n", ui.RenderAccent("Source:"), report.SourceDir)
		fmt.Printf("%s %s\n\n", ui.RenderAccent("Mirror:"), report.Layout.Dir())
		if len(report.Files) == 0 {
			fmt.Printf("   No %s files found\n", a.cfg.Source.Extension)
			return
		}

		rows := [][]string{{"FILE", "SIZE", "SOURCE", "MIRROR", "STATE"}}
		now := time.Now()
		for _, f := range report.Files {
			mirrored := "-"
			if f.Mirror.Exists {
				mirrored = ui.Ago(f.Mirror.ModTime, now)
			}
			rows = append(rows, []string{
				f.Source.Name,
				ui.Bytes(f.Source.Size),
				ui.Ago(f.Source.ModTime, now),
				mirrored,
				recordState(f),
			})
		}
		fmt.Print(ui.Table(rows))
		fmt.Printf("\n   %d files, %d stale, %d pending\n", len(report.Files), len(report.NeedsUpdate()), len(report.Pending()))
	},
}

func recordState(r mirror.ChangeRecord) string {
	switch {
	case r.Pending():
		return ui.RenderWarn("pending")
	case r.NeedsUpdate():
		return ui.RenderAccent("stale")
	default:
		return ui.RenderPass("current")
	}
}

var updateCmd = &cobra.Command{
	Use:     "update",
	GroupID: "sync",
	Short:   "Re-decrypt databases whose mirror is stale",
	Long: `Re-decrypt every database whose mirror exists but is older than its source.
Each mirror is backed up first and restored if the new copy fails verification.
Databases that were never decrypted are left alone; use 'dbmirror decrypt-all'.

The update is bounded by watch.cycle_timeout, as in watch mode.`,
	Run: func(cmd *cobra.Command, args []string) {
		runCycle(cmd, "Updating", func(a *app, showProgress bool) engine.CycleResult {
			ctx, cancel := signalContext()
			defer cancel()
			return a.update(ctx, showProgress)
		})
	},
}

var decryptAllCmd = &cobra.Command{
	Use:     "decrypt-all",
	GroupID: "sync",
	Short:   "Decrypt databases that have no mirror yet",
	Long: `Decrypt every database that has never been mirrored. Existing mirrors are
not touched; use 'dbmirror update' for those.`,
	Run: func(cmd *cobra.Command, args []string) {
		runCycle(cmd, "Decrypting", func(a *app, showProgress bool) engine.CycleResult {
			ctx, cancel := signalContext()
			defer cancel()
			return a.engine.DecryptAll(ctx, showProgress)
		})
	},
}

func runCycle(cmd *cobra.Command, verb string, run func(*app, bool) engine.CycleResult) {
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	a := mustApp()
	defer a.Close()

	showProgress := !noProgress && !quiet
	var stop func()
	if showProgress {
		stop = attachBar(a.engine.Registry())
	}

	fmt.Printf("%s %s %s...\n", ui.RenderAccent("⟳"), verb, a.scanner.Layout().Account)
	start := time.Now()
	res := run(a, showProgress)
	if stop != nil {
		stop()
	}

	if res.Checked > 0 || res.Err != nil {
		a.recordCycle(res)
	}

	if res.Checked == 0 && res.Err == nil {
		fmt.Printf("%s Nothing to do\n", ui.RenderPass("✓"))
		return
	}
	printBatch(res)

	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), res.Err)
		if mirror.IsFatal(res.Err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	fmt.Printf("%s Done in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
	if res.Batch.FailCount > 0 {
		os.Exit(1)
	}
}

func init() {
	updateCmd.Flags().Bool("no-progress", false, "Do not show a progress bar")
	decryptAllCmd.Flags().Bool("no-progress", false, "Do not show a progress bar")
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(decryptAllCmd)
}
