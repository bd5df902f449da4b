package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesotion/socket-file-sync/internal/config"
	"github.com/wesotion/socket-file-sync/pkg/server"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long:  `Show the status of the configured sync server.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("server", "", "server host or URL")
	statusCmd.Flags().Int("port", config.DefaultPort, "server port")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	src, err := loadSource(cmd)
	if err != nil {
		return err
	}
	eff, err := src.Global()
	if err != nil {
		return err
	}
	if eff.Server == "" {
		eff.Server = "localhost"
	}
	endpoint, err := healthURL(eff)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(endpoint)
	if err != nil {
		fmt.Fprintln(out, "Status: unreachable")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(out, "Status: unhealthy (%s)\n", resp.Status)
		return nil
	}

	var health server.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("invalid health response: %w", err)
	}

	fmt.Fprintf(out, "Status: %s\n", health.Status)
	fmt.Fprintf(out, "Server: %s\n", endpoint)
	fmt.Fprintf(out, "Sessions: %d\n", health.Sessions)
	fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Duration(health.UptimeSeconds)*time.Second))
	return nil
}

// healthURL maps the websocket endpoint of eff onto its health endpoint
func healthURL(eff config.Effective) (string, error) {
	ws, err := eff.URL()
	if err != nil {
		return "", err
	}
	u, err := url.Parse(ws)
	if err != nil {
		return "", err
	}
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = "/healthz"
	return u.String(), nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
