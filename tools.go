package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/db"
	"safeyou-chat/internal/models"
	"safeyou-chat/internal/replica"
	"safeyou-chat/internal/repositories"
	"safeyou-chat/internal/retention"
	"safeyou-chat/internal/ws"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		database, err := db.Connect(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		return database.Close()
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Run one event-log retention pass",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		if w, _ := cmd.Flags().GetDuration("window"); w > 0 {
			cfg.Retention.Window = w
		}
		database, err := db.Connect(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close()

		scheduler, err := retention.NewScheduler(repositories.NewEventRepo(database), cfg.Retention)
		if err != nil {
			return err
		}
		n, err := scheduler.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %s events older than %s\n", humanize.Comma(n), cfg.Retention.Window)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a running server's change streams and print them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := setup(); err != nil {
			return err
		}
		server, _ := cmd.Flags().GetString("server")
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		entities, err := parseEntities(cmd.Flags().GetString("entities"))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		out := cmd.OutOrStdout()
		remote := ws.RemoteSource{BaseURL: server, UserID: userID}
		session := replica.NewSession(remote, replica.NewView(), entities,
			replica.WithResync(remote.Snapshot),
			replica.OnChange(func(ev models.ChangeEvent) {
				fmt.Fprintln(out, describe(ev))
			}))
		return session.Run(ctx)
	},
}

func init() {
	pruneCmd.Flags().Duration("window", 0, "override RETENTION_WINDOW")

	watchCmd.Flags().String("server", "http://localhost:"+config.Default().Server.HTTPPort, "chat server base url")
	watchCmd.Flags().String("user", "", "user id to watch as")
	watchCmd.Flags().String("entities", "message,user", "comma separated streams to follow")
}

func parseEntities(raw string, err error) ([]models.Entity, error) {
	if err != nil {
		return nil, err
	}
	var out []models.Entity
	for _, part := range strings.Split(raw, ",") {
		e := models.Entity(strings.TrimSpace(part))
		if e == "" {
			continue
		}
		if !e.Valid() {
			return nil, fmt.Errorf("unknown entity %q", e)
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no entities to watch")
	}
	return out, nil
}

func describe(ev models.ChangeEvent) string {
	prefix := fmt.Sprintf("#%d %s %s %s", ev.Sequence, ev.Entity, ev.Op, humanize.Time(ev.OccurredAt))
	switch ev.Entity {
	case models.EntityMessage:
		m, err := ev.Message()
		if err != nil {
			return prefix + " (undecodable)"
		}
		text := m.Body.Text
		if m.Body.Media != nil {
			text = strings.TrimSpace(text + " [" + string(m.Body.Media.Kind) + "]")
		}
		return fmt.Sprintf("%s %s: %s (%d reads)", prefix, m.AuthorUsername, text, len(m.ReadBy))
	case models.EntityUser:
		u, err := ev.User()
		if err != nil {
			return prefix + " (undecodable)"
		}
		state := "offline, seen " + humanize.Time(u.LastSeen)
		if u.IsOnline {
			state = "online"
		}
		if u.Suspension != nil && u.Suspension.Until.After(time.Now()) {
			state += ", suspended " + humanize.Time(u.Suspension.Until)
		}
		return fmt.Sprintf("%s %s %s", prefix, u.Username, state)
	}
	return prefix
}
