package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/config"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/gateway"
)

var errUnauthorized = errors.New("gateway rejected the shared secret (check gateway.shared_secret)")

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Query the running daemon's status endpoint and print a summary.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	payload, err := fetchStatus(cfg.Gateway.Addr(), cfg.Gateway.SharedSecret)
	if err != nil {
		if errors.Is(err, errUnauthorized) {
			return err
		}
		cmd.Println("Status: stopped")
		return nil
	}

	cmd.Printf("Status: %s\n", payload.Status)
	cmd.Printf("Uptime: %s\n", payload.Uptime)
	cmd.Printf("Subscribers: %d\n", payload.Clients)
	cmd.Printf("Pending questions: %d\n", payload.PendingQuestions)
	cmd.Printf("Jobs: %d\n", payload.Jobs)

	lanes := make([]string, 0, len(payload.Queues))
	for lane := range payload.Queues {
		lanes = append(lanes, lane)
	}
	sort.Strings(lanes)
	for _, lane := range lanes {
		stats := payload.Queues[lane]
		cmd.Printf("Lane %s: %d queued, %d running (concurrency %d)\n",
			lane, stats.Queued, stats.Running, stats.Concurrency)
	}
	return nil
}

// fetchStatus queries a daemon's authenticated status endpoint.
func fetchStatus(addr, secret string) (*gateway.StatusPayload, error) {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/status", addr), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint answered %d", resp.StatusCode)
	}

	var payload gateway.StatusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &payload, nil
}
