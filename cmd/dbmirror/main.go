package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dbmirror/dbmirror/internal/config"
	"github.com/dbmirror/dbmirror/internal/logging"
)

var (
	cfgFile string
	verbose bool
	quiet   bool

	v         *viper.Viper
	cfg       config.Config
	logger    = zerolog.Nop()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "dbmirror",
	Short: "Keep a decrypted mirror of encrypted chat databases",
	Long: `dbmirror keeps a decrypted copy of every encrypted SQLite database of one
messaging account. Only files whose source changed since the last mirror are
decrypted again, each one behind a backup that is restored if the new copy
fails verification.

Configuration is read from dbmirror.toml in the user config directory or the
working directory, DBMIRROR_* environment variables and flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		v, err = config.Load(cfgFile)
		if err != nil {
			fatal("%v", err)
		}

		flags := cmd.Root().PersistentFlags()
		_ = v.BindPFlag("source.root", flags.Lookup("root"))
		_ = v.BindPFlag("source.account", flags.Lookup("account"))
		_ = v.BindPFlag("mirror.root", flags.Lookup("mirror"))
		_ = v.BindPFlag("decrypt.command", flags.Lookup("decrypter"))

		cfg = config.From(v)
		switch {
		case quiet:
			cfg.Log.Level = "warn"
		case verbose:
			cfg.Log.Level = "debug"
		}

		logger, logCloser, err = logging.New(cfg.Log)
		if err != nil {
			fatal("failed to initialize logging: %v", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: "+config.Dir()+"/dbmirror.toml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors")
	flags.String("root", "", "source root holding one directory per account")
	flags.String("account", "", "account identifier")
	flags.String("mirror", "", "directory receiving decrypted copies")
	flags.String("decrypter", "", "path of the decrypt program")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	if logCloser != nil {
		_ = logCloser.Close()
	}
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
