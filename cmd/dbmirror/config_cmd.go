package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/dbmirror/dbmirror/internal/config"
	"github.com/dbmirror/dbmirror/internal/decrypt"
	"github.com/dbmirror/dbmirror/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create or inspect the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a dbmirror.toml",
	Long: `Write a configuration file with the current settings. When stdin is a
terminal the source root, account, decrypt program and key are asked for.

The key is stored in the file only when entered here; it can also be given
through DBMIRROR_DECRYPT_KEY.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		noInput, _ := cmd.Flags().GetBool("no-input")

		path := cfgFile
		if path == "" {
			path = filepath.Join(config.Dir(), config.Name+".toml")
		}

		c := cfg
		if !noInput && ui.IsInputTerminal() {
			if err := promptConfig(&c); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Aborted")
					return
				}
				fatal("%v", err)
			}
		}

		if err := c.Validate(); err != nil {
			fatal("invalid configuration:\n%v", err)
		}
		if err := c.WriteTOML(path, force); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		f := cfg.ToFile()
		if f.Decrypt.Key != "" {
			f.Decrypt.Key = "********"
		}
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("# %s\n", used)
		}
		if err := toml.NewEncoder(os.Stdout).Encode(f); err != nil {
			fatal("%v", err)
		}
	},
}

func promptConfig(c *config.Config) error {
	notEmpty := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("required")
		}
		return nil
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Source root").
				Description("Directory holding one folder per account").
				Value(&c.Source.Root).
				Validate(notEmpty),
			huh.NewInput().
				Title("Account").
				Description("Account identifier, with or without suffix").
				Value(&c.Source.Account).
				Validate(notEmpty),
			huh.NewInput().
				Title("Mirror directory").
				Value(&c.MirrorRoot),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Decrypt program").
				Description("Called as: <program> {src} {dst}; the key is passed in " + decrypt.KeyEnv).
				Value(&c.Decrypt.Command),
			huh.NewInput().
				Title("Key").
				Description("Leave empty to use DBMIRROR_DECRYPT_KEY").
				EchoMode(huh.EchoModePassword).
				Value(&c.Decrypt.Key),
			huh.NewConfirm().
				Title("Update mirrors automatically in watch mode?").
				Value(&c.AutoUpdateDatabase),
		),
	)
	return form.Run()
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configInitCmd.Flags().Bool("no-input", false, "Do not prompt")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
