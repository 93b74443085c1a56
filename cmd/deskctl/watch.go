package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/jordanhubbard/loomdesk/internal/dashboard"
	localconfig "github.com/jordanhubbard/loomdesk/internal/config"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/internal/notify"
	"github.com/jordanhubbard/loomdesk/internal/prefs"
	"github.com/jordanhubbard/loomdesk/internal/realtime"
	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const watchHelp = `commands:
  /queue                 show the work queue
  /open <id>             open a conversation
  /close                 close it
  /take, /release        assign it to yourself, or unassign it
  /resolve, /reopen      change its status
  /suggest               generate a fresh suggestion
  /accept                send the shown suggestion as-is
  /status online|offline set your availability
  /quit
anything else is sent as a reply to the open conversation`

func newWatchCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard: queue, open chat, suggestions and notices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session()
			if err != nil {
				return err
			}
			me, err := requireAgent(cfg)
			if err != nil {
				return err
			}
			wsURL, err := client.RealtimeURL()
			if err != nil {
				return err
			}

			logger := logging.New(cfg.Logging)
			if !verbose {
				logger.SetLevel(logrus.ErrorLevel)
			}

			var store *prefs.Store
			if paths, err := localconfig.Default(); err == nil {
				store = prefs.NewStore(paths.DataDir)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			var d *dashboard.Dashboard
			channel := realtime.NewClient(realtime.Options{
				URL:         wsURL,
				Token:       client.Token(),
				MaxAttempts: cfg.Dashboard.ReconnectAttempts,
				Logger:      logger,
			}, func(ctx context.Context, env *messages.Envelope) {
				d.HandleEvent(ctx, env)
			})
			d = dashboard.New(dashboard.Options{
				AgentID:           me,
				API:               client,
				Channel:           channel,
				Prefs:             store,
				Notifications:     notify.NewCenter(cfg.Dashboard.NotificationTTL),
				PollInterval:      cfg.Dashboard.PollInterval,
				HeartbeatInterval: cfg.Dashboard.HeartbeatInterval,
				Logger:            logger,
			})

			v := newView(d)
			d.Notifications.Subscribe(v.notice)
			d.Suggestions.OnChange(v.suggestion)
			d.OnChange(v.refresh)

			done := make(chan error, 1)
			go func() { done <- d.Run(ctx) }()

			fmt.Println(color.CyanString("loomdesk"), "watching as", color.New(color.Bold).Sprint(me), "- /help for commands")
			go v.prompt(ctx, cancel)

			<-ctx.Done()
			<-done
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show client logs")
	return cmd
}

// view renders dashboard changes to the terminal
type view struct {
	d *dashboard.Dashboard

	mu      sync.Mutex
	chatID  string
	printed map[string]struct{}
	mode    models.SystemMode
	typing  bool
}

func newView(d *dashboard.Dashboard) *view {
	return &view{d: d, printed: make(map[string]struct{})}
}

func (v *view) notice(n notify.Notification) {
	v.mu.Lock()
	defer v.mu.Unlock()
	label := color.CyanString("[%s]", n.Level)
	switch n.Level {
	case notify.LevelError:
		label = color.RedString("[%s]", n.Level)
	case notify.LevelWarning:
		label = color.YellowString("[%s]", n.Level)
	case notify.LevelSuccess:
		label = color.GreenString("[%s]", n.Level)
	}
	fmt.Println(label, n.Message)
}

func (v *view) suggestion(s *models.Suggestion) {
	if s == nil || s.Text == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Printf("%s %s\n", color.MagentaString("suggestion:"), s.Text)
}

// refresh prints what changed since the last call: mode, the open chat and
// messages not yet shown.
func (v *view) refresh() {
	mode := v.d.Mode()
	chatID := v.d.OpenChatID()
	msgs := v.d.Messages()
	typing := v.d.CustomerTyping()

	v.mu.Lock()
	defer v.mu.Unlock()
	if mode != v.mode {
		if v.mode != "" {
			fmt.Println(color.YellowString("system mode is now %s", mode))
		}
		v.mode = mode
	}
	if chatID != v.chatID {
		v.chatID = chatID
		v.printed = make(map[string]struct{})
		if chatID != "" {
			fmt.Println(color.New(color.Bold).Sprintf("── %s ──", chatID))
		} else {
			fmt.Println(color.New(color.Faint).Sprint("── chat closed ──"))
		}
	}
	for _, m := range msgs {
		if _, ok := v.printed[m.ID]; ok {
			continue
		}
		v.printed[m.ID] = struct{}{}
		printMessage(m)
	}
	if typing && !v.typing {
		fmt.Println(color.New(color.Faint).Sprint("visitor is typing…"))
	}
	v.typing = typing
}

func (v *view) prompt(ctx context.Context, quit context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := v.exec(ctx, line, quit); err != nil {
			v.notice(notify.Notification{Level: notify.LevelError, Message: err.Error()})
		}
	}
	quit()
}

func (v *view) exec(ctx context.Context, line string, quit context.CancelFunc) error {
	if !strings.HasPrefix(line, "/") {
		_, err := v.d.Reply(ctx, line, true)
		return err
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	open := v.d.OpenChatID()
	needOpen := func() error {
		if open == "" {
			return fmt.Errorf("no conversation is open, use /open <id>")
		}
		return nil
	}

	switch fields[0] {
	case "/help":
		fmt.Println(watchHelp)
	case "/quit", "/exit":
		quit()
	case "/queue":
		v.mu.Lock()
		printQueue(v.d.View(), v.d.AgentID())
		v.mu.Unlock()
	case "/open":
		if arg == "" {
			return fmt.Errorf("usage: /open <conversation-id>")
		}
		return v.d.OpenChat(ctx, arg)
	case "/close":
		v.d.CloseChat()
	case "/take":
		if err := needOpen(); err != nil {
			return err
		}
		return v.d.Assignments.Assign(ctx, open, "", true)
	case "/release":
		if err := needOpen(); err != nil {
			return err
		}
		return v.d.Assignments.Unassign(ctx, open)
	case "/resolve":
		if err := needOpen(); err != nil {
			return err
		}
		return v.d.Assignments.Resolve(ctx, open)
	case "/reopen":
		if err := needOpen(); err != nil {
			return err
		}
		return v.d.Assignments.Reopen(ctx, open)
	case "/suggest":
		if err := needOpen(); err != nil {
			return err
		}
		_, err := v.d.Suggestions.Generate(ctx)
		return err
	case "/accept":
		s := v.d.Suggestions.Current()
		if s == nil {
			return fmt.Errorf("no suggestion is shown")
		}
		_, err := v.d.Reply(ctx, s.Text, true)
		return err
	case "/status":
		status := models.PersonalStatus(arg)
		if !status.Valid() {
			return fmt.Errorf("usage: /status online|offline")
		}
		return v.d.SetPersonalStatus(ctx, status)
	default:
		return fmt.Errorf("unknown command %s, try /help", fields[0])
	}
	return nil
}
