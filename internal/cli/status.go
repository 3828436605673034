package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/daemon"
	"github.com/harun/parley/pkg/gateway"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Parley daemon status",
	Long:  `Show the status of the Parley daemon recorded in the data directory.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := daemon.PIDFile(cfg.DataDir)
	pid, ok := runningPID(pidFile)
	if !ok {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)
	// The PID file is written at startup, so its mtime approximates uptime.
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}
	if cfg.Gateway.Enabled {
		fmt.Fprintf(out, "Gateway: %s\n", gatewayURL(cfg.Gateway))
		clients, err := gatewayClients(cmd.Context(), cfg.Gateway)
		if err != nil {
			fmt.Fprintf(out, "Clients: unavailable (%v)\n", err)
		} else {
			fmt.Fprintf(out, "Clients: %d\n", len(clients))
		}
	}
	return nil
}

func gatewayURL(gc config.GatewayConfig) string {
	host := gc.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(gc.Port))
}

// gatewayClients asks the running gateway for its websocket clients.
func gatewayClients(ctx context.Context, gc config.GatewayConfig) ([]gateway.ClientInfo, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gatewayURL(gc)+"/v1/clients", nil)
	if err != nil {
		return nil, err
	}
	if gc.SharedSecret != "" {
		req.Header.Set("Authorization", "Bearer "+gc.SharedSecret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}

	var body struct {
		Clients []gateway.ClientInfo `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode clients: %w", err)
	}
	return body.Clients, nil
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
