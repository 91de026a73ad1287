package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/kosmoi/internal/api"
	"github.com/kalambet/kosmoi/internal/config"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store mode, collection counts and replication state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), client)
	},
}

func showStatus(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/status")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	printStatus("Server", "running at %s", client.baseURL)

	if resp.StatusCode == http.StatusServiceUnavailable {
		defer resp.Body.Close()
		var panel api.DegradedPanel
		if err := json.NewDecoder(resp.Body).Decode(&panel); err != nil {
			return fmt.Errorf("decoding degraded panel: %w", err)
		}
		printDegraded(panel)
		return nil
	}

	var st api.StatusResponse
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}

	mode := st.Mode
	switch st.Mode {
	case "ready":
		mode = colorize(colorGreen, mode)
	case "degraded_offline":
		mode = colorize(colorYellow, mode)
	}
	printStatus("Mode", "%s", mode)
	if st.Store != "" {
		printStatus("Store", "%s (%s, %d recoveries)", st.Store, st.State, st.Recoveries)
	}
	if st.Cause != "" {
		printStatus("Cause", "%s", st.Cause)
	}
	if st.ResetCount > 0 {
		printStatus("Resets", "%d since last ready", st.ResetCount)
	}
	if st.OrphanedContacts > 0 {
		printStatus("Orphans", "%d contacts point at a missing stage", st.OrphanedContacts)
	}

	names := make([]string, 0, len(st.Collections))
	for name := range st.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		printStatus("  "+name, "%d documents", st.Collections[name])
	}

	for _, r := range st.Replication {
		state := "idle"
		if r.Running {
			state = "running"
		}
		line := fmt.Sprintf("%s <-> %s, %s, pulled %d, pushed %d", r.Collection, r.Table, state, r.Pulled, r.Pushed)
		if !r.LastPull.IsZero() {
			line += ", last pull " + r.LastPull.Format(time.RFC3339)
		}
		if r.LastError != "" {
			line += ", " + colorize(colorRed, "error: "+r.LastError)
		}
		printStatus("Sync", "%s", line)
	}
	return nil
}

func printDegraded(panel api.DegradedPanel) {
	printWarning("%s", panel.Message)
	printStatus("Mode", "%s", panel.Mode)
	if panel.Cause != "" {
		printStatus("Cause", "%s", panel.Cause)
	}
	if panel.ResetCount > 0 {
		printStatus("Resets", "%d since last ready", panel.ResetCount)
	}
	printStatus("Options", "kosmoi reset --confirm, or POST /offline/continue")
}

// --- reset ---

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every local store and local state, then start over",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes ALL local data, including changes not yet pushed. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runReset(cmd.Context(), client)
	},
}

func init() {
	resetCmd.Flags().Bool("confirm", false, "confirm the reset")
}

func runReset(ctx context.Context, client *apiClient) error {
	printStep("Resetting local store...")
	resp, err := client.post(ctx, "/offline/reset", nil)
	if err != nil {
		return err
	}
	var result struct {
		ResetCount int `json:"reset_count"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Local store reset (%d since last ready)", result.ResetCount)
	return nil
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one replication cycle for every collection now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sync", nil)
		if err != nil {
			return err
		}
		var statuses []json.RawMessage
		if err := decodeJSON(resp, &statuses); err != nil {
			return err
		}
		printSuccess("Synced %d collections", len(statuses))
		return nil
	},
}

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write YAML fixtures into the local collections",
	Long: `Write YAML fixtures into the local collections through the running daemon.

The file maps collection names to lists of documents. Each document must
carry the collection's required fields; a missing id is generated.

  collections:
    tasks:
      - id: task-1
        title: Call the venue
        description: ""
        status: pending
        priority: medium
        assigned_to: ana
        meeting_id: ""
        created_at: 2026-01-01T00:00:00Z
        updated_at: 2026-01-01T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			return fmt.Errorf("--file is required")
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening fixtures: %w", err)
		}
		defer f.Close()

		fixtures, err := parseFixtures(f)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := seedFixtures(cmd.Context(), client, fixtures)
		if err != nil {
			return err
		}
		printSuccess("Seeded %d documents", n)
		return nil
	},
}

func init() {
	seedCmd.Flags().String("file", "", "YAML fixtures file")
}

// seedFixtures writes every fixture, collection by collection in name order.
// It stops at the first rejected document.
func seedFixtures(ctx context.Context, client *apiClient, fixtures fixtureSet) (int, error) {
	names := make([]string, 0, len(fixtures.Collections))
	for name := range fixtures.Collections {
		names = append(names, name)
	}
	sort.Strings(names)

	n := 0
	for _, name := range names {
		for _, doc := range fixtures.Collections[name] {
			resp, err := client.put(ctx, "/collections/"+name+"/"+doc.ID(), doc)
			if err != nil {
				return n, err
			}
			if err := checkStatus(resp); err != nil {
				return n, fmt.Errorf("seeding %s/%s: %w", name, doc.ID(), err)
			}
			resp.Body.Close()
			n++
		}
	}
	return n, nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printWarning("%v", err)
		}

		printStatus("File", "%s", config.Path())
		for _, k := range config.ShowAll(cfg) {
			printKey(k)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		secret, _ := cmd.Flags().GetBool("secret")
		if secret {
			if err := config.SetSecret(key, value); err != nil {
				return err
			}
			printSuccess("Stored secret %s", key)
			return nil
		}

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configSetCmd.Flags().Bool("secret", false, "store a secret key (remote.api_key, remote.postgres_dsn, server.token) in the secrets file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
