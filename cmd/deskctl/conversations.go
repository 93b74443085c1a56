package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/jordanhubbard/loomdesk/internal/apiclient"
	"github.com/jordanhubbard/loomdesk/internal/auth"
	localconfig "github.com/jordanhubbard/loomdesk/internal/config"
	"github.com/jordanhubbard/loomdesk/internal/queue"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/spf13/cobra"
)

// --- Session commands ---

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "login <agent-id>",
		Short:   "Log in and save the session token",
		Args:    cobra.ExactArgs(1),
		Example: `  LOOMDESK_PASSWORD=secret deskctl login alice@example.com -s https://desk.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session()
			if err != nil {
				return err
			}
			password, err := localconfig.GetPassword(args[0])
			if err != nil {
				return err
			}
			resp, err := client.Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			if err := saveSession(cfg.Dashboard.ServerURL, resp.AgentID, resp.Token); err != nil {
				return fmt.Errorf("logged in but failed to save token: %w", err)
			}
			ok("logged in as %s (%s)", color.CyanString(resp.AgentID), resp.Role)
			return nil
		},
	}
}

func newHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for a security.agents entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

// --- Conversation commands ---

func newConversationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv", "c"},
		Short:   "Work with conversations",
	}
	cmd.AddCommand(newConversationListCommand())
	cmd.AddCommand(newConversationMessagesCommand())
	cmd.AddCommand(newConversationAssignCommand())
	cmd.AddCommand(newConversationUnassignCommand())
	cmd.AddCommand(newConversationCategoryCommand())
	cmd.AddCommand(newConversationArchiveCommand(true))
	cmd.AddCommand(newConversationArchiveCommand(false))
	cmd.AddCommand(newConversationStatusCommand("resolve", (*apiclient.Client).Resolve))
	cmd.AddCommand(newConversationStatusCommand("reopen", (*apiclient.Client).Reopen))
	return cmd
}

func newConversationListCommand() *cobra.Command {
	var archive, assignment string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the work queue, most urgent first",
		Example: `  deskctl conversation list -o table
  deskctl conversation list --assignment=mine --archive=active`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session()
			if err != nil {
				return err
			}
			convs, err := client.ListConversations(cmd.Context(), apiclient.ListOptions{
				ArchiveFilter:    models.ArchiveFilter(archive),
				AssignmentFilter: models.AssignmentFilter(assignment),
				AgentID:          cfg.Dashboard.AgentID,
			})
			if err != nil {
				return err
			}
			if !table() {
				return outputJSON(convs)
			}
			printQueue(convs, cfg.Dashboard.AgentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&archive, "archive", "", "Filter: active, archived")
	cmd.Flags().StringVar(&assignment, "assignment", "", "Filter: mine, unassigned, others, all")
	return cmd
}

func printQueue(convs []models.Conversation, agentID string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, " \tID\tSTATUS\tASSIGNED\tCATEGORY\tMSGS\tLAST MESSAGE")
	for _, c := range convs {
		mark := color.New(color.Faint).Sprint("·")
		switch queue.BucketOf(c, agentID) {
		case queue.BucketMineNeedsResponse:
			mark = color.RedString("●")
		case queue.BucketNeedsResponse:
			mark = color.YellowString("●")
		case queue.BucketMine:
			mark = color.CyanString("○")
		}
		status := string(c.Status)
		if c.Archived {
			status += ",archived"
		}
		last := "-"
		if c.LastMessage != nil {
			last = fmt.Sprintf("%s: %s", c.LastMessage.Sender, truncate(c.LastMessage.Content, 48))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", mark, c.ID, status, orDash(c.AssignedAgent), orDash(c.CategoryID), c.MessageCount, last)
	}
	w.Flush()

	counts := queue.Count(convs, agentID)
	fmt.Printf("\n%d active (%d mine, %d unassigned, %d others), %d archived\n",
		counts.All, counts.Mine, counts.Unassigned, counts.Others, counts.Archived)
}

func newConversationMessagesCommand() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Show a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := session()
			if err != nil {
				return err
			}
			msgs, err := client.ListMessages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !table() {
				return outputJSON(msgs)
			}
			for _, m := range msgs {
				if m.Metadata.DebugOnly && !debug {
					continue
				}
				printMessage(m)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Include debug-only messages")
	return cmd
}

func printMessage(m models.Message) {
	who := string(m.Sender)
	switch m.Sender {
	case models.SenderVisitor:
		who = color.YellowString(who)
	case models.SenderAgent:
		who = color.CyanString(who)
	case models.SenderAI:
		who = color.MagentaString(who)
	}
	suffix := ""
	if a := m.Metadata.ResponseAttribution; a != nil {
		suffix = color.New(color.Faint).Sprintf(" (%s, %s)", a.RespondedBy, a.ResponseType)
	}
	fmt.Printf("%s %s: %s%s\n", m.Timestamp.Local().Format("15:04:05"), who, m.Content, suffix)
}

func newConversationAssignCommand() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:     "assign <conversation-id>",
		Short:   "Take a conversation, or hand it to --to",
		Args:    cobra.ExactArgs(1),
		Example: `  deskctl conversation assign c-123 --to bob@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session()
			if err != nil {
				return err
			}
			me, err := requireAgent(cfg)
			if err != nil {
				return err
			}
			if to == "" {
				to = me
			}
			if err := client.Assign(cmd.Context(), args[0], to, me); err != nil {
				return err
			}
			ok("%s assigned to %s", args[0], to)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Agent to assign to (default: yourself)")
	return cmd
}

func newConversationUnassignCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <conversation-id>",
		Short: "Release a conversation back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session()
			if err != nil {
				return err
			}
			me, err := requireAgent(cfg)
			if err != nil {
				return err
			}
			if err := client.Unassign(cmd.Context(), args[0], me); err != nil {
				return err
			}
			ok("%s unassigned", args[0])
			return nil
		},
	}
}

func newConversationCategoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "category <conversation-id> [category-id]",
		Short: "Set a conversation's category; omit the category to clear it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session()
			if err != nil {
				return err
			}
			category := ""
			if len(args) == 2 {
				category = args[1]
			}
			if err := client.SetCategory(cmd.Context(), args[0], category, cfg.Dashboard.AgentID); err != nil {
				return err
			}
			ok("%s category set to %s", args[0], orDash(category))
			return nil
		},
	}
}

func newConversationArchiveCommand(archive bool) *cobra.Command {
	use, short := "archive", "Archive conversations"
	if !archive {
		use, short = "unarchive", "Restore archived conversations"
	}
	return &cobra.Command{
		Use:   use + " <conversation-id>...",
		Short: short + " (all or nothing)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session()
			if err != nil {
				return err
			}
			call := client.BulkArchive
			if !archive {
				call = client.BulkUnarchive
			}
			if err := call(cmd.Context(), args, cfg.Dashboard.AgentID); err != nil {
				return err
			}
			ok("%sd %d conversation(s)", use, len(args))
			return nil
		},
	}
}

func newConversationStatusCommand(use string, call func(*apiclient.Client, context.Context, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <conversation-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session()
			if err != nil {
				return err
			}
			if err := call(client, cmd.Context(), args[0], cfg.Dashboard.AgentID); err != nil {
				return err
			}
			ok("%s: %s", use, args[0])
			return nil
		},
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
