package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"livesync/internal/config"
	"livesync/internal/logger"
	"livesync/internal/models"
	"livesync/internal/relay"
	"livesync/internal/storage"
)

const usage = `Usage: admin <command> [args]

  migrate                            create or update the relay tables
  notify <user_id> <message> [type]  raise a notification and push it
  unread <user_id>                   print the unread notification count
  rooms <user_id>                    list the user's rooms
  token <producer>                   print a service token for POST /api/users/:userId/notifications`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.Init(cfg.Logging.LoggerConfig("admin"))

	if os.Args[1] == "token" {
		if err := serviceToken(cfg.Relay.JWTSecret, os.Args[2:]); err != nil {
			log.Error("command failed", "command", "token", "error", err)
			os.Exit(1)
		}
		return
	}

	db, err := gorm.Open(postgres.Open(cfg.Relay.PostgresDSN), &gorm.Config{})
	if err != nil {
		log.Error("failed to connect database", "error", err)
		os.Exit(1)
	}
	// Redis is only needed to push notifications to running relays.
	var rdb *redis.Client
	if cfg.Relay.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Relay.RedisAddr, Password: cfg.Relay.RedisPassword})
		defer rdb.Close()
	}
	storageSvc := storage.NewStorageService(db, rdb, cfg.Relay.FanoutPrefix)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := dispatch(ctx, storageSvc, os.Args[1:]); err != nil {
		log.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, s *storage.Service, args []string) error {
	switch args[0] {
	case "migrate":
		if err := s.Migrate(); err != nil {
			return err
		}
		fmt.Println("Migrations applied.")
	case "notify":
		if len(args) < 3 {
			return fmt.Errorf("usage: admin notify <user_id> <message> [type]")
		}
		n := &models.Notification{RecipientID: args[1], Text: args[2]}
		if len(args) > 3 {
			n.Type = args[3]
		}
		return notify(ctx, s, n)
	case "unread":
		if len(args) != 2 {
			return fmt.Errorf("usage: admin unread <user_id>")
		}
		count, err := s.UnreadCount(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("User %s has %d unread notifications.\n", args[1], count)
	case "rooms":
		if len(args) != 2 {
			return fmt.Errorf("usage: admin rooms <user_id>")
		}
		rooms, err := s.RoomsForUser(ctx, args[1])
		if err != nil {
			return err
		}
		for _, r := range rooms {
			unread := ""
			if r.UnreadForMe {
				unread = " (unread)"
			}
			fmt.Printf("%s  %s  with %s%s\n", r.LastActivityAt.Format(time.RFC3339), r.ID, r.Counterparty(args[1]), unread)
		}
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
	return nil
}

func notify(ctx context.Context, s *storage.Service, n *models.Notification) error {
	n.Text = strings.TrimSpace(n.Text)
	if n.Text == "" {
		return fmt.Errorf("empty message")
	}
	count, err := s.SaveNotification(ctx, n)
	if err != nil {
		return err
	}
	fmt.Printf("Notification %s created for %s (unread: %d).\n", n.ID, n.RecipientID, count)

	if !s.Fanout() {
		fmt.Println("Redis not configured; connected clients will see it on their next resync.")
		return nil
	}
	ev, err := models.NewEvent(models.EventNewNotification, models.NotificationPayload{Notification: *n, Count: &count})
	if err != nil {
		return err
	}
	return s.Publish(ctx, relay.UserTopic(n.RecipientID), ev)
}

func serviceToken(secret string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: admin token <producer>")
	}
	auth, err := relay.NewAuth(secret, 0)
	if err != nil {
		return err
	}
	tok, err := auth.SignService(args[0])
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
