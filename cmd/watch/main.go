// Command upstand-watch connects to the relay as a client and prints live
// feed updates for one team.
//
//	upstand-watch --config client.yaml --team team-42
//
// Lines typed on stdin are sent as activity. A few commands are
// recognised:
//
//	/typing         announce that you are typing
//	/team <id>      switch to another team
//	/dismiss <id>   dismiss a toast
//	/notify <text>  raise a local blocker notification
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"upstand-realtime/internal/auth"
	"upstand-realtime/internal/config"
	"upstand-realtime/internal/conn"
	"upstand-realtime/internal/livequery"
	"upstand-realtime/internal/metrics"
	"upstand-realtime/internal/models"
	"upstand-realtime/internal/notify"
	"upstand-realtime/internal/realtime"
	"upstand-realtime/internal/redis"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

type watchFlags struct {
	configPath string
	team       string
	company    string
	user       string
	desktop    bool
}

func buildRootCmd() *cobra.Command {
	var f watchFlags
	cmd := &cobra.Command{
		Use:          "upstand-watch",
		Short:        "Follow a team's standups, activity and notifications",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&f.team, "team", "", "Team id (defaults to config, then the token)")
	cmd.Flags().StringVar(&f.company, "company", "", "Company id (defaults to config, then the token)")
	cmd.Flags().StringVar(&f.user, "user", "", "User id (defaults to config, then the token)")
	cmd.Flags().BoolVar(&f.desktop, "desktop", false, "Show desktop notifications for blockers and mentions")
	return cmd
}

// resolveScope fills the scope from flags, then config, then token claims.
func resolveScope(f watchFlags, cfg *config.Config) (models.Scope, error) {
	scope := models.Scope{
		TeamID:    firstNonEmpty(f.team, cfg.TeamID),
		CompanyID: firstNonEmpty(f.company, cfg.CompanyID),
		UserID:    firstNonEmpty(f.user, cfg.UserID),
	}
	if cfg.Token != "" && (scope.TeamID == "" || scope.CompanyID == "" || scope.UserID == "") {
		claimed, err := auth.ScopeFromToken(cfg.Token)
		if err != nil {
			return models.Scope{}, err
		}
		scope.TeamID = firstNonEmpty(scope.TeamID, claimed.TeamID)
		scope.CompanyID = firstNonEmpty(scope.CompanyID, claimed.CompanyID)
		scope.UserID = firstNonEmpty(scope.UserID, claimed.UserID)
	}
	if scope.TeamID == "" || scope.UserID == "" {
		return models.Scope{}, fmt.Errorf("team and user are required (flags, config or token claims)")
	}
	return scope, nil
}

func runWatch(ctx context.Context, f watchFlags, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	scope, err := resolveScope(f, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New(prometheus.NewRegistry())

	var store livequery.Store
	switch cfg.Store {
	case "redis":
		client, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		store = redis.NewDocumentStore(client)
	default:
		store = livequery.NewMemoryStore()
	}

	polling := conn.NewPollingTransport(cfg.PollURL, cfg.Token)
	polling.Wait = cfg.Timing.PollWait
	manager := conn.NewManager(conn.Options{
		Primary:              conn.NewWebSocketTransport(cfg.PushURL, cfg.Token),
		Fallback:             polling,
		ReconnectDelay:       cfg.Timing.ReconnectDelay,
		MaxReconnectAttempts: cfg.Timing.MaxReconnectAttempts,
		PingInterval:         cfg.Timing.PingInterval,
		Metrics:              m,
	})

	listener := livequery.NewListener(livequery.Options{
		Store:             store,
		ActivityLimit:     cfg.Caps.Activity,
		NotificationLimit: cfg.Caps.Notifications,
		Metrics:           m,
	})

	var notifier realtime.Notifier
	if f.desktop {
		dispatcher := notify.NewDispatcher(notify.NewExecBackend("Upstand"))
		if !dispatcher.RequestPermission(ctx) {
			fmt.Fprintln(out, "desktop notifications unavailable")
		}
		notifier = dispatcher
	}

	agg := realtime.New(realtime.Options{
		Conn:               manager,
		Listener:           listener,
		Notifier:           notifier,
		Metrics:            m,
		StandupCap:         cfg.Caps.Standups,
		ActivityCap:        cfg.Caps.Activity,
		NotificationCap:    cfg.Caps.Notifications,
		ToastCap:           cfg.Caps.Toasts,
		TypingTimeout:      cfg.Timing.TypingTimeout,
		ToastTimeout:       cfg.Timing.ToastTimeout,
		StatusPollInterval: cfg.Timing.StatusPollInterval,
	})
	defer agg.Close()

	p := &printer{out: out, seen: make(map[string]bool)}
	for _, topic := range []realtime.Topic{
		realtime.TopicStandups, realtime.TopicActivity, realtime.TopicNotifications,
		realtime.TopicPresence, realtime.TopicToasts, realtime.TopicStatus,
	} {
		topic := topic
		unsubscribe := agg.Subscribe(topic, func(s realtime.Snapshot) { p.print(topic, s) })
		defer unsubscribe()
	}

	if err := agg.Start(ctx, scope); err != nil {
		return err
	}
	fmt.Fprintf(out, "watching team %s as %s\n", scope.TeamID, scope.UserID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if err := handleLine(ctx, agg, &scope, line); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func handleLine(ctx context.Context, agg *realtime.Aggregator, scope *models.Scope, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/typing":
		return agg.SendTyping()
	case "/team":
		if arg == "" {
			return fmt.Errorf("usage: /team <id>")
		}
		next := *scope
		next.TeamID = arg
		if err := agg.SwitchScope(ctx, next); err != nil {
			return err
		}
		*scope = next
		return nil
	case "/dismiss":
		return agg.DismissToast(arg)
	case "/notify":
		return agg.SendNotification(models.NotificationItem{Type: models.NotificationBlocker, Title: "Blocker", Message: arg})
	}
	return agg.EmitActivity(models.ActivityUser, map[string]any{"text": line})
}

// printer writes one line per new feed entry and per status change.
type printer struct {
	out io.Writer

	mu     sync.Mutex
	seen   map[string]bool
	status models.ConnectionStatus
	online int
}

func (p *printer) print(topic realtime.Topic, s realtime.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch topic {
	case realtime.TopicStandups:
		for i := len(s.Standups) - 1; i >= 0; i-- {
			st := s.Standups[i]
			if p.first("standup:" + st.ID) {
				fmt.Fprintf(p.out, "[standup] %s: %s", st.UserID, st.Today)
				if st.Blockers != "" {
					fmt.Fprintf(p.out, " (blockers: %s)", st.Blockers)
				}
				fmt.Fprintln(p.out)
			}
		}
	case realtime.TopicActivity:
		for i := len(s.Activity) - 1; i >= 0; i-- {
			a := s.Activity[i]
			if p.first("activity:" + a.ID) {
				fmt.Fprintf(p.out, "[activity] %s %s %v\n", a.ActorID, a.Kind, a.Details)
			}
		}
	case realtime.TopicNotifications:
		for i := len(s.Notifications) - 1; i >= 0; i-- {
			n := s.Notifications[i]
			if p.first("notification:" + n.ID) {
				fmt.Fprintf(p.out, "[%s] %s %s\n", n.Type, n.Title, n.Message)
			}
		}
	case realtime.TopicToasts:
		for _, t := range s.Toasts {
			if p.first("toast:" + t.ID) {
				fmt.Fprintf(p.out, "[toast %s] %s\n", t.ID, t.Title)
			}
		}
	case realtime.TopicPresence:
		if len(s.Presence) != p.online {
			p.online = len(s.Presence)
			fmt.Fprintf(p.out, "[presence] %d online\n", p.online)
		}
		for _, t := range s.Typing {
			fmt.Fprintf(p.out, "[presence] %s is typing\n", t.UserID)
		}
	case realtime.TopicStatus:
		if s.Connection.Status != p.status {
			p.status = s.Connection.Status
			fmt.Fprintf(p.out, "[status] %s via %s\n", s.Connection.Status, s.Connection.TransportMode)
		}
		for _, q := range s.Stale {
			if p.first("stale:" + q) {
				fmt.Fprintf(p.out, "[status] %s feed is stale\n", q)
			}
		}
	}
}

func (p *printer) first(key string) bool {
	if p.seen[key] {
		return false
	}
	p.seen[key] = true
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
