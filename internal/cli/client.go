package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/wesotion/socket-file-sync/internal/config"
	"github.com/wesotion/socket-file-sync/pkg/lifecycle"
	"github.com/wesotion/socket-file-sync/pkg/protocol"
	"github.com/wesotion/socket-file-sync/pkg/watcher"
)

var (
	clientSessionID   string
	clientInitialSync bool
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Sync the current directory to a server",
	Long: `Sync a local directory to a directory on the server. Local changes
are pushed as they happen. With --two-way the server's changes are
written back here as well.`,
	Args: cobra.NoArgs,
	RunE: runClient,
}

func init() {
	f := clientCmd.Flags()
	f.String("secret", "", "shared secret of the server")
	f.String("server", "", "server host or URL")
	f.Int("port", config.DefaultPort, "server port")
	f.String("cwd", "", "local directory to sync (default the working directory)")
	f.String("server-dir", "", "directory on the server to sync to")
	f.Bool("two-way", false, "accept changes made on the server")
	f.Bool("delete-on-remote", false, "delete files on the server when they are deleted here")
	f.Bool("delete-by-remote", false, "allow the server to delete files here")
	f.BoolVar(&clientInitialSync, "initial-sync", true, "push every local file once the server directory is bound")
	f.StringVar(&clientSessionID, "session-id", "", "session id to resume (default generated)")

	rootCmd.AddCommand(clientCmd)
}

// applyFlags lets flags given on the command line win over the project
// file of the synced directory
func applyFlags(eff config.Effective, flags *pflag.FlagSet) (config.Effective, error) {
	strs := map[string]*string{
		"secret":     &eff.Secret,
		"server":     &eff.Server,
		"server-dir": &eff.ServerDir,
	}
	for name, dst := range strs {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return eff, err
		}
		*dst = v
	}

	if flags.Lookup("port") != nil && flags.Changed("port") {
		port, err := flags.GetInt("port")
		if err != nil {
			return eff, err
		}
		eff.Port = port
	}

	bools := map[string]*bool{
		"two-way":          &eff.TwoWay,
		"delete-on-remote": &eff.DeleteOnRemote,
		"delete-by-remote": &eff.DeleteByRemote,
	}
	for name, dst := range bools {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		v, err := flags.GetBool(name)
		if err != nil {
			return eff, err
		}
		*dst = v
	}
	return eff, nil
}

// clientConfig resolves the configuration of the directory to sync
func clientConfig(cmd *cobra.Command, src *config.Source) (string, config.Effective, error) {
	cwd, err := workingDir(src.Config().Cwd)
	if err != nil {
		return "", config.Effective{}, fmt.Errorf("failed to resolve directory: %w", err)
	}

	eff, err := src.ProjectConfig(cwd)
	if err != nil {
		return "", config.Effective{}, err
	}
	eff, err = applyFlags(eff, cmd.Flags())
	if err != nil {
		return "", config.Effective{}, err
	}
	eff.Cwd = cwd

	if eff.Secret == "" {
		return "", config.Effective{}, fmt.Errorf("a secret is required: pass --secret or run configure")
	}
	if eff.ServerDir == "" {
		return "", config.Effective{}, fmt.Errorf("a server directory is required: pass --server-dir or run configure in %s", cwd)
	}
	return cwd, eff, nil
}

func runClient(cmd *cobra.Command, args []string) error {
	src, err := loadSource(cmd)
	if err != nil {
		return err
	}
	cwd, eff, err := clientConfig(cmd, src)
	if err != nil {
		return err
	}
	url, err := eff.URL()
	if err != nil {
		return err
	}

	cfg := src.Config()
	log, err := newLogger(cfg, eff.Secret)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	rec, closeJournal, err := openJournal(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer closeJournal()

	sessionID := clientSessionID
	if sessionID == "" {
		sessionID = lifecycle.NewSessionID()
	}

	peer, err := protocol.NewPeer(protocol.PeerConfig{
		SessionID:   sessionID,
		Root:        cwd,
		Config:      eff,
		InitialSync: clientInitialSync,
		Fs:          afero.NewOsFs(),
		Watchers:    watcher.NewFactory(log.Component("watcher")),
		Window:      cfg.DebounceWindow,
		Journal:     rec,
		Logger:      log.Component("peer"),
	})
	if err != nil {
		return err
	}

	client, err := lifecycle.NewClient(lifecycle.ClientConfig{
		URL:       url,
		SessionID: sessionID,
		Peer:      peer,
		Logger:    log.Component("client"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return client.Run(ctx)
}
