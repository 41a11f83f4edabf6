package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check if the keygate server is running",
		Long:  "Probe the keygate server's health, readiness and admission mode over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout(), url)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Server base URL (default from server.host and server.port)")

	return cmd
}

func runStatus(out io.Writer, baseURL string) error {
	if baseURL == "" {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		host := settings.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		baseURL = fmt.Sprintf("http://%s:%d", host, settings.Server.Port)
	}

	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		fmt.Fprintf(out, "Server is not running at %s\n", baseURL)
		return nil
	}
	resp.Body.Close()

	var app struct {
		Version string `json:"version"`
		Mode    string `json:"mode"`
	}
	if resp, err := client.Get(baseURL + "/v1/app"); err == nil {
		json.NewDecoder(resp.Body).Decode(&app)
		resp.Body.Close()
	}

	ready := "unknown"
	if resp, err := client.Get(baseURL + "/readyz"); err == nil {
		resp.Body.Close()
		ready = "ok"
		if resp.StatusCode != http.StatusOK {
			ready = fmt.Sprintf("degraded (%d)", resp.StatusCode)
		}
	}

	fmt.Fprintf(out, "Server is running at %s\n", baseURL)
	fmt.Fprintf(out, "  Version:   %s\n", app.Version)
	fmt.Fprintf(out, "  Mode:      %s\n", app.Mode)
	fmt.Fprintf(out, "  Key store: %s\n", ready)
	return nil
}
