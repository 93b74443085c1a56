package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/jordanhubbard/loomdesk/internal/suggestion"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/spf13/cobra"
)

func newReplyCommand() *cobra.Command {
	var (
		accept   bool
		noAssign bool
	)
	cmd := &cobra.Command{
		Use:   "reply <conversation-id> [message...]",
		Short: "Reply to a visitor",
		Long: `Reply to a visitor. The reply is compared with the pending suggestion, if
any, and attributed as as-is, edited or from-scratch. --accept sends the
pending suggestion unchanged.`,
		Example: `  deskctl reply c-123 "Your parcel left the depot this morning."
  deskctl reply c-123 --accept`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session()
			if err != nil {
				return err
			}
			me, err := requireAgent(cfg)
			if err != nil {
				return err
			}
			id := args[0]

			pending, err := client.PendingSuggestion(cmd.Context(), id)
			if err != nil {
				return err
			}
			text := strings.Join(args[1:], " ")
			if accept {
				if pending == nil {
					return errors.New("no pending suggestion to accept")
				}
				text = pending.Text
			}

			action := suggestion.Classify(text, pending)
			result, err := client.Respond(cmd.Context(), models.RespondRequest{
				ConversationID:   id,
				Message:          text,
				AgentID:          me,
				UsedSuggestion:   action != models.ResponseFromScratch,
				SuggestionAction: action,
				AutoAssign:       !noAssign,
			})
			if err != nil {
				return err
			}
			if !table() {
				return outputJSON(result)
			}
			ok("sent (%s)", action)
			return nil
		},
	}
	cmd.Flags().BoolVar(&accept, "accept", false, "Send the pending suggestion as-is")
	cmd.Flags().BoolVar(&noAssign, "no-assign", false, "Do not take ownership of the conversation")
	return cmd
}

func newSuggestCommand() *cobra.Command {
	var generate bool
	cmd := &cobra.Command{
		Use:   "suggest <conversation-id>",
		Short: "Show the pending AI suggestion, or --generate a new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := session()
			if err != nil {
				return err
			}
			var s *models.Suggestion
			if generate {
				s, err = client.GenerateSuggestion(cmd.Context(), args[0])
			} else {
				s, err = client.PendingSuggestion(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			if !table() {
				return outputJSON(s)
			}
			if s == nil {
				fmt.Println(color.New(color.Faint).Sprint("no pending suggestion"))
				return nil
			}
			fmt.Printf("%s %s\n", color.MagentaString("suggestion (%.0f%%):", s.Confidence*100), s.Text)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&generate, "generate", "g", false, "Ask for a fresh suggestion")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "status <online|offline>",
		Short:     "Set your personal status",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(models.PersonalStatusOnline), string(models.PersonalStatusOffline)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session()
			if err != nil {
				return err
			}
			me, err := requireAgent(cfg)
			if err != nil {
				return err
			}
			status := models.PersonalStatus(args[0])
			if !status.Valid() {
				return fmt.Errorf("status must be online or offline, got %q", args[0])
			}
			if err := client.SetPersonalStatus(cmd.Context(), me, status, time.Now()); err != nil {
				return err
			}
			ok("%s is %s", me, statusColor(status))
			return nil
		},
	}
}

func newAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "Show the presence roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := session()
			if err != nil {
				return err
			}
			agents, err := client.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			if !table() {
				return outputJSON(agents)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tSTATUS\tLAST SEEN")
			for _, a := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s ago\n", a.AgentID, statusColor(a.PersonalStatus), ago(a.LastSeenAt))
			}
			return w.Flush()
		},
	}
}

func newModeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mode [hitl|autopilot|off]",
		Short: "Show the system mode, or change it (admin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := session()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				mode := models.SystemMode(args[0])
				if !mode.Valid() {
					return fmt.Errorf("mode must be hitl, autopilot or off, got %q", args[0])
				}
				if err := client.SetSystemMode(cmd.Context(), mode); err != nil {
					return err
				}
			}
			mode, err := client.SystemMode(cmd.Context())
			if err != nil {
				return err
			}
			if !table() {
				return outputJSON(models.SystemModeRequest{Mode: mode})
			}
			fmt.Println("system mode:", color.New(color.Bold).Sprint(mode))
			return nil
		},
	}
}

func newLogsCommand() *cobra.Command {
	var (
		limit     int
		level     string
		component string
	)
	cmd := &cobra.Command{
		Use:     "logs",
		Short:   "Show recent server log entries (admin)",
		Example: `  deskctl logs --component=hub --level=warning -o table`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := session()
			if err != nil {
				return err
			}
			entries, err := client.RecentLogs(cmd.Context(), limit, level, component)
			if err != nil {
				return err
			}
			if !table() {
				return outputJSON(entries)
			}
			for i := len(entries) - 1; i >= 0; i-- {
				e := entries[i]
				lvl := e.Level
				switch lvl {
				case "error", "fatal", "panic":
					lvl = color.RedString(lvl)
				case "warning":
					lvl = color.YellowString(lvl)
				}
				fmt.Printf("%s %-7s [%s] %s\n", e.Timestamp.Local().Format(time.RFC3339), lvl, orDash(e.Component), e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of entries")
	cmd.Flags().StringVar(&level, "level", "", "Only this level (debug, info, warning, error)")
	cmd.Flags().StringVar(&component, "component", "", "Only this component (desk, hub, api, ...)")
	return cmd
}

func statusColor(s models.PersonalStatus) string {
	if s == models.PersonalStatusOnline {
		return color.GreenString(string(s))
	}
	return color.New(color.Faint).Sprint(s)
}
