package cli

import (
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/wesotion/socket-file-sync/internal/config"
	"github.com/wesotion/socket-file-sync/internal/logger"
	"github.com/wesotion/socket-file-sync/pkg/journal"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "socket-file-sync",
	Short: "socket-file-sync - keep a local directory in sync with a server",
	Long: `socket-file-sync mirrors a local directory onto a directory on a
remote server over a websocket connection. Changes are pushed as they
happen, optionally in both directions, and sessions survive short
network interruptions.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.socket-file-sync)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadSource reads the global layer with the command's flags bound over it
func loadSource(cmd *cobra.Command) (*config.Source, error) {
	src, err := config.NewLoader(cfgFile).WithFlags(cmd.Flags()).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return src, nil
}

func newLogger(cfg *config.Config, secrets ...string) (*logger.Logger, error) {
	lc := logger.DefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.File = cfg.Logging.File
	lc.Pretty = cfg.Logging.Pretty
	for _, s := range secrets {
		if s != "" {
			lc.Secrets = append(lc.Secrets, s)
		}
	}
	return logger.New(lc)
}

// openJournal opens the journal at path. An empty path disables it and
// yields a nil recorder.
func openJournal(path string) (journal.Recorder, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	j, err := journal.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return j, func() { _ = j.Close() }, nil
}

// workingDir returns dir expanded, or the process working directory
func workingDir(dir string) (string, error) {
	if dir == "" {
		return os.Getwd()
	}
	return homedir.Expand(dir)
}
