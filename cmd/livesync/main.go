package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"livesync/internal/config"
	"livesync/internal/logger"
	"livesync/internal/models"
	"livesync/internal/pushclient"
	"livesync/internal/restclient"
	"livesync/internal/session"
)

type options struct {
	user     string
	token    string
	api      string
	ws       string
	link     string
	openWith string
	send     string
	markAll  bool
	interval time.Duration
}

func main() {
	var o options
	pflag.StringVar(&o.user, "user", "", "user id to log in as (overrides client.userId)")
	pflag.StringVar(&o.token, "token", "", "bearer token; requested from the backend when empty")
	pflag.StringVar(&o.api, "api", "", "REST base URL (overrides client.apiUrl)")
	pflag.StringVar(&o.ws, "ws", "", "push channel URL (overrides client.wsUrl)")
	pflag.StringVar(&o.link, "link", "", "shareable link to open, e.g. https://app/messages?roomId=...")
	pflag.StringVar(&o.openWith, "open-with", "", "open (or create) the room with this user")
	pflag.StringVar(&o.send, "send", "", "message to send to the open room")
	pflag.BoolVar(&o.markAll, "mark-all-read", false, "mark every notification read after loading")
	pflag.DurationVar(&o.interval, "interval", 5*time.Second, "how often to log the session state")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	applyFlags(&cfg.Client, o)
	log := logger.Init(cfg.Logging.LoggerConfig("livesync"))

	if err := run(cfg.Client, o, log); err != nil {
		log.Error("livesync stopped", "error", err)
		os.Exit(1)
	}
}

func applyFlags(c *config.Client, o options) {
	if o.user != "" {
		c.UserID = o.user
	}
	if o.token != "" {
		c.Token = o.token
	}
	if o.api != "" {
		c.APIURL = o.api
	}
	if o.ws != "" {
		c.WSURL = o.ws
	}
}

func run(cfg config.Client, o options, log *slog.Logger) error {
	if cfg.UserID == "" {
		return fmt.Errorf("a user id is required (--user or LIVESYNC_USER_ID)")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rest, err := restclient.New(cfg.APIURL, cfg.Token,
		restclient.WithLogger(log),
		restclient.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		return err
	}
	if cfg.Token == "" {
		tok, err := rest.Token(ctx, cfg.UserID)
		if err != nil {
			return err
		}
		cfg.Token = tok
		rest.SetToken(tok)
	}

	push := pushclient.New(pushclient.Options{
		URL:    cfg.WSURL,
		Header: http.Header{"Authorization": []string{"Bearer " + cfg.Token}},
		Backoff: pushclient.Backoff{
			Initial: cfg.BackoffInitial,
			Max:     cfg.BackoffMax,
			Factor:  cfg.BackoffFactor,
		},
		QueueSize:     cfg.QueueSize,
		DegradedAfter: cfg.DegradedAfter,
		Logger:        log,
	})

	var loc *session.URLLocation
	if o.link != "" {
		if loc, err = session.NewURLLocation(o.link); err != nil {
			return err
		}
	}

	opts := session.Options{
		UserID:  cfg.UserID,
		Backend: rest,
		Channel: push,
		Logger:  log,
		OnNotice: func(n session.Notice) {
			log.Warn("action failed", "notice", n.String())
		},
		OnStatus: func(st pushclient.Status) {
			log.Info("push channel", "state", st.State.String(), "attempt", st.Attempt, "degraded", st.Degraded)
		},
	}
	if loc != nil {
		opts.Location = loc
	}
	s, err := session.New(opts)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Close()

	if o.openWith != "" {
		room, err := s.CreateRoom(ctx, o.openWith)
		if err != nil {
			return err
		}
		s.Select(room.ID)
	}
	if o.send != "" {
		if err := sendWhenOpen(ctx, s, o.send); err != nil {
			log.Warn("message not sent", "error", err)
		}
	}
	if o.markAll {
		if err := s.MarkAllRead(ctx); err != nil {
			log.Warn("mark all read failed", "error", err)
		}
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	var last string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if snap := describe(s); snap != last {
				log.Info("session state", "state", snap)
				last = snap
			}
		}
	}
}

func sendWhenOpen(ctx context.Context, s *session.Session, body string) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if id := s.ActiveRoom(); id != "" {
			_, err := s.SendMessage(ctx, id, body)
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("no room open to send to")
}

// describe renders the room list, the open room and the unread badge on one
// line.
func describe(s *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "unread=%d", s.UnreadCount())
	active := s.ActiveRoom()
	for _, r := range s.Rooms() {
		flag := ""
		switch {
		case r.ID == active:
			flag = "*"
		case r.UnreadForMe:
			flag = "!"
		}
		fmt.Fprintf(&b, " %s%s(%s)", flag, r.ID, r.LastActivityAt.Format(time.RFC3339))
	}
	if active != "" {
		fmt.Fprintf(&b, " open=%s messages=%d", active, len(s.Messages(active)))
		if last := lastMessage(s.Messages(active)); last != nil {
			fmt.Fprintf(&b, " last=%q", last.Body)
		}
	}
	return b.String()
}

func lastMessage(msgs []models.Message) *models.Message {
	if len(msgs) == 0 {
		return nil
	}
	return &msgs[len(msgs)-1]
}
