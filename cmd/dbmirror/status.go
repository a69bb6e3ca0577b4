package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbmirror/dbmirror/internal/mirrordb"
	"github.com/dbmirror/dbmirror/internal/scan"
	"github.com/dbmirror/dbmirror/internal/state"
	"github.com/dbmirror/dbmirror/internal/ui"
)

type statusFile struct {
	Name   string           `json:"name"`
	State  string           `json:"state"`
	Tables []mirrordb.Table `json:"tables,omitempty"`
}

type statusReport struct {
	Source      string       `json:"source"`
	Mirror      string       `json:"mirror"`
	AutoUpdate  bool         `json:"auto_update"`
	KeySet      bool         `json:"key_set"`
	Decrypter   string       `json:"decrypter"`
	LastSuccess time.Time    `json:"last_success,omitempty"`
	LastBatch   state.Batch  `json:"last_batch"`
	LastError   string       `json:"last_error,omitempty"`
	Files       []statusFile `json:"files"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show mirror status and the last update",
	Long: `Display the configured source and mirror, the outcome of the last update and
the state of every database. With --tables, committed mirrors are opened
read-only and their tables listed with row counts.`,
	Run: func(cmd *cobra.Command, args []string) {
		showTables, _ := cmd.Flags().GetBool("tables")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		a := mustApp()
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		st, err := state.Load(a.cfg.StatePath)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Cannot read state")
		}

		rep := statusReport{
			Mirror:      a.scanner.Layout().Dir(),
			AutoUpdate:  a.cfg.AutoUpdateDatabase,
			KeySet:      a.cfg.Decrypt.Key != "",
			Decrypter:   a.cfg.Decrypt.Command,
			LastSuccess: st.LastSuccess,
			LastBatch:   st.LastBatch,
			LastError:   st.LastError,
		}

		report, scanErr := a.engine.Check(ctx)
		if scanErr == nil {
			rep.Source = report.SourceDir
			rep.Files = a.statusFiles(ctx, report, showTables)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				fatal("%v", err)
			}
			return
		}

		fmt.Printf("\n%s\n", ui.RenderBold("dbmirror status"))
		if scanErr != nil {
			fmt.Printf("   Source: %s %v\n", ui.RenderFail("✗"), scanErr)
		} else {
			fmt.Printf("   Source: %s\n", rep.Source)
		}
		fmt.Printf("   Mirror: %s\n", rep.Mirror)
		fmt.Printf("   Decrypter: %s\n", orDash(rep.Decrypter))
		fmt.Printf("   Key: %s\n", yesNo(rep.KeySet))
		fmt.Printf("   Auto update: %s\n", yesNo(rep.AutoUpdate))

		fmt.Printf("\n%s\n", ui.RenderBold("Last update"))
		fmt.Printf("   Succeeded: %s\n", ui.Ago(rep.LastSuccess, time.Now()))
		fmt.Printf("   Files: %d updated, %d failed, %d skipped\n",
			rep.LastBatch.Success, rep.LastBatch.Failed-rep.LastBatch.Skipped, rep.LastBatch.Skipped)
		if len(rep.LastBatch.Flagged) > 0 {
			fmt.Printf("   %s Flagged: %v\n", ui.RenderWarn("⚠"), rep.LastBatch.Flagged)
		}
		if rep.LastError != "" {
			fmt.Printf("   %s %s\n", ui.RenderFail("Error:"), rep.LastError)
		}

		if len(rep.Files) == 0 {
			fmt.Println()
			return
		}

		fmt.Printf("\n%s\n", ui.RenderBold("Databases"))
		rows := [][]string{{"FILE", "STATE", "TABLES", "ROWS"}}
		for _, f := range rep.Files {
			tables, rowCount := "-", "-"
			if f.Tables != nil {
				var total int64
				for _, t := range f.Tables {
					if t.Rows > 0 {
						total += t.Rows
					}
				}
				tables = strconv.Itoa(len(f.Tables))
				rowCount = strconv.FormatInt(total, 10)
			}
			rows = append(rows, []string{f.Name, f.State, tables, rowCount})
		}
		fmt.Print(ui.Table(rows))
		fmt.Println()
	},
}

// statusFiles classifies every scanned file. With tables set, decrypted
// mirrors are opened and their tables listed.
func (a *app) statusFiles(ctx context.Context, report *scan.Report, tables bool) []statusFile {
	files := make([]statusFile, 0, len(report.Files))
	for _, f := range report.Files {
		sf := statusFile{Name: f.Source.Name, State: "current"}
		switch {
		case f.Pending():
			sf.State = "pending"
		case f.NeedsUpdate():
			sf.State = "stale"
		}
		if tables && a.pool.IsDecrypted(f.Source.Name) {
			list, err := a.pool.Tables(ctx, f.Source.Name)
			if err != nil {
				a.logger.Debug().Err(err).Str("file", f.Source.Name).Msg("Cannot list tables")
			}
			sf.Tables = list
		}
		files = append(files, sf)
	}
	return files
}

func yesNo(b bool) string {
	if b {
		return ui.RenderPass("yes")
	}
	return ui.RenderWarn("no")
}

func orDash(s string) string {
	if s == "" {
		return ui.RenderWarn("not configured")
	}
	return s
}

func init() {
	statusCmd.Flags().Bool("tables", false, "List tables and row counts of committed mirrors")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}
