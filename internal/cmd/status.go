package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	statusAddr string
	statusKey  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the gateway's current AgentSnapshot",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	key, err := resolveAPIKey(statusKey)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+statusAddr+"/state", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+key)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("querying gateway at %s: %w", statusAddr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	// Pretty-print for humans, raw JSON when piped.
	if term.IsTerminal(int(os.Stdout.Fd())) {
		var buf map[string]any
		if err := json.Unmarshal(body, &buf); err == nil {
			pretty, _ := json.MarshalIndent(buf, "", "  ")
			fmt.Println(string(pretty))
			return nil
		}
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// resolveAPIKey prefers the --key override, then falls back to the
// persisted secret.
func resolveAPIKey(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	path := filepath.Join(rootDir, "config", "secrets", "api_key")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading api key %s (pass --key or run `vagent serve` once): %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "127.0.0.1:8000", "Gateway address")
	statusCmd.Flags().StringVar(&statusKey, "key", "", "API key (default: read from <root>/config/secrets/api_key)")
	rootCmd.AddCommand(statusCmd)
}
