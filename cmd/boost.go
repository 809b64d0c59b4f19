package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newBoostCmd() *cobra.Command {
	var addr string
	var apiKey string
	var minutes int

	cmd := &cobra.Command{
		Use:   "boost",
		Short: "Temporarily raises worker and rate limits on a running jobsift server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return requestBoost(cmd, addr, apiKey, minutes)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "address of the jobsift server")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key when auth is enabled")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "boost duration in minutes (0 uses the server default)")
	return cmd
}

func requestBoost(cmd *cobra.Command, addr, apiKey string, minutes int) error {
	body, err := json.Marshal(map[string]int{"minutes": minutes})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(addr, "/") + "/v1/pipeline/boost"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	fmt.Fprintln(os.Stdout, strings.TrimSpace(string(respBody)))
	return nil
}
