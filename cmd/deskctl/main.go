package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/jordanhubbard/loomdesk/internal/apiclient"
	localconfig "github.com/jordanhubbard/loomdesk/internal/config"
	"github.com/jordanhubbard/loomdesk/pkg/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const version = "0.1.0"

var (
	configPath   string
	serverURL    string
	agentID      string
	outputFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deskctl",
		Short: "deskctl - work the loomdesk queue from a terminal",
		Long: color.CyanString("deskctl") + ` talks to a loomdesk server as one agent.
Log in once; the token is kept in the deskctl config file. Output is JSON by
default, use -o table for a human view.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := ""
	if paths, err := localconfig.Default(); err == nil {
		defaultConfig = paths.ConfigFile
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "deskctl config file")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "loomdesk server URL (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&agentID, "agent", "a", "", "Agent ID (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "Output format: json, table")

	rootCmd.AddCommand(newLoginCommand())
	rootCmd.AddCommand(newHashPasswordCommand())
	rootCmd.AddCommand(newConversationCommand())
	rootCmd.AddCommand(newReplyCommand())
	rootCmd.AddCommand(newSuggestCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newAgentsCommand())
	rootCmd.AddCommand(newModeCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

// loadSettings reads the deskctl config, falling back to defaults plus
// environment, and applies the global flag overrides.
func loadSettings() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadConfigFromFile(configPath)
	}
	if configPath == "" || errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Parse(nil)
	}
	if err != nil {
		return nil, err
	}

	if serverURL != "" {
		cfg.Dashboard.ServerURL = serverURL
	}
	if agentID != "" {
		cfg.Dashboard.AgentID = agentID
	}
	return cfg, nil
}

// session returns the settings and a client carrying the saved token
func session() (*config.Config, *apiclient.Client, error) {
	cfg, err := loadSettings()
	if err != nil {
		return nil, nil, err
	}
	return cfg, apiclient.New(cfg.Dashboard.ServerURL, cfg.Dashboard.Token, cfg.Dashboard.RequestTimeout), nil
}

// requireAgent fails unless an agent identity is known
func requireAgent(cfg *config.Config) (string, error) {
	if cfg.Dashboard.AgentID == "" {
		return "", errors.New("no agent id: run deskctl login or pass --agent")
	}
	return cfg.Dashboard.AgentID, nil
}

// saveSession merges the dashboard identity into the config file, keeping
// everything else in it untouched.
func saveSession(server, agent, token string) error {
	if configPath == "" {
		return errors.New("no config file location")
	}

	doc := map[string]interface{}{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	dash, _ := doc["dashboard"].(map[string]interface{})
	if dash == nil {
		dash = map[string]interface{}{}
	}
	dash["server_url"] = server
	dash["agent_id"] = agent
	dash["token"] = token
	doc["dashboard"] = dash

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(configPath, data, 0600)
}

// outputJSON pretty-prints v. All commands use this unless -o table applies.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func table() bool { return outputFormat == "table" }

func ok(format string, args ...interface{}) {
	fmt.Println(color.GreenString("✓"), fmt.Sprintf(format, args...))
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}
