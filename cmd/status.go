package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var addr string
	var apiKey string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Prints the status of a running jobsift server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printStatus(cmd, addr, apiKey)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "address of the jobsift server")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key when auth is enabled")
	return cmd
}

func printStatus(cmd *cobra.Command, addr, apiKey string) error {
	url := strings.TrimRight(addr, "/") + "/v1/pipeline/status"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return fmt.Errorf("format status: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
