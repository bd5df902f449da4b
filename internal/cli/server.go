package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/wesotion/socket-file-sync/internal/config"
	"github.com/wesotion/socket-file-sync/internal/metrics"
	"github.com/wesotion/socket-file-sync/pkg/lifecycle"
	"github.com/wesotion/socket-file-sync/pkg/protocol"
	"github.com/wesotion/socket-file-sync/pkg/server"
	"github.com/wesotion/socket-file-sync/pkg/watcher"
)

const shutdownTimeout = 10 * time.Second

var serverHost string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the sync server",
	Long: `Run the sync server. Clients authenticate with the shared secret,
bind a directory on this machine and push their changes into it.`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("secret", "", "shared secret clients must present")
	serverCmd.Flags().Int("port", config.DefaultPort, "port to listen on")
	serverCmd.Flags().StringVar(&serverHost, "host", "", "interface to listen on (default all)")

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	src, err := loadSource(cmd)
	if err != nil {
		return err
	}
	cfg := src.Config()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Secret == "" {
		return fmt.Errorf("a secret is required: pass --secret or run configure")
	}

	log, err := newLogger(cfg, cfg.Secret)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	defaults, err := src.Global()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	rec, closeJournal, err := openJournal(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer closeJournal()

	m := metrics.NewMetrics()
	watchers := watcher.NewFactory(log.Component("watcher"))
	sessionLogger := log.Component("session")
	fs := afero.NewOsFs()

	manager, err := lifecycle.NewManager(lifecycle.ManagerConfig{
		NewSession: func(id string) (*protocol.Session, error) {
			return protocol.NewSession(protocol.SessionConfig{
				ID:       id,
				Secret:   cfg.Secret,
				Source:   src,
				Defaults: defaults,
				Fs:       fs,
				Watchers: watchers,
				Window:   cfg.DebounceWindow,
				Journal:  rec,
				Metrics:  m,
				Logger:   sessionLogger,
			})
		},
		GracePeriod:   cfg.GracePeriod,
		SessionTTL:    cfg.SessionTTL,
		SweepSchedule: cfg.SweepSchedule,
		Metrics:       m,
		Logger:        log.Zerolog(),
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Host:    serverHost,
		Port:    cfg.Port,
		Manager: manager,
		Metrics: m,
		Logger:  log.Component("server"),
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
