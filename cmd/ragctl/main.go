// Package main implements the ragctl CLI for manual operations against
// the ragd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the ragd HTTP server
	serverURL string
	// apiKey authenticates against the bearer-protected routes
	apiKey string
	// clientID selects the settings record requests run under
	clientID string
	// version information
	version = "dev"
)

// Request timeouts: quick probes versus operations that wait on a
// language model.
const (
	healthTimeout = 5 * time.Second
	opTimeout     = 30 * time.Second
	chatTimeout   = 5 * time.Minute
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ragctl",
	Short: "CLI for ragd HTTP server operations",
	Long: `ragctl is a command-line interface for interacting with the ragd HTTP server.
It provides commands for chatting, inspecting models and prompts, reading
testbed results and watching a live server dashboard.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8000", "ragd server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("API_SERVER_KEY"), "API key (defaults to $API_SERVER_KEY)")
	rootCmd.PersistentFlags().StringVar(&clientID, "client", "", "settings record to run under (default: server)")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(promptsCmd)
	rootCmd.AddCommand(testbedCmd)
	rootCmd.AddCommand(dashboardCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check ragd server health",
	Long: `Check the health status of the ragd HTTP server.

Examples:
  # Check health
  ragctl health

  # Check health on a different server
  ragctl health --server http://localhost:8080`,
	RunE: runHealth,
}

// HealthResponse matches internal/server/server.go healthzResponse
type HealthResponse struct {
	Status             string `json:"status"`
	DatabasesConnected int    `json:"databases_connected"`
	ModelsEnabled      int    `json:"models_enabled"`
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/v1/healthz", serverURL)

	client := &http.Client{
		Timeout: healthTimeout,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to %s: %v\n", url, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Server Status: %s\n", healthResp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	fmt.Printf("Databases Connected: %d\n", healthResp.DatabasesConnected)
	fmt.Printf("Models Enabled: %d\n", healthResp.ModelsEnabled)

	return nil
}

// newRequest builds an authenticated request against the server. Every
// bearer route also honors the client header.
func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if clientID != "" {
		req.Header.Set("client", clientID)
	}
	return req, nil
}

// doJSON sends an authenticated JSON request and decodes a 2xx response
// into out (skipped when out is nil).
func doJSON(method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := newRequest(method, path, body)
	if err != nil {
		return err
	}

	client := &http.Client{
		Timeout: opTimeout,
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s%s: %w", serverURL, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// statusError turns a non-2xx response into an error, preferring the
// server's detail message over the raw body.
func statusError(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	var detail struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &detail); err == nil && detail.Detail != "" {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, detail.Detail)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}
