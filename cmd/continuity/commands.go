package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/apperrors"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/services"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stay connected: sync on an interval and on reconnect, apply pushes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		a, err := newApp(ctx, cfg, func(err error) {
			slog.Error("credentials rejected, log in again", "error", err)
			cancel()
		})
		if err != nil {
			return err
		}
		defer a.Close()

		a.engine.OnSessionTransferred(func(s models.SessionData) {
			slog.Info("session received from another device", "location", s.Location, "preferences", len(s.Preferences))
		})
		a.notifications.Subscribe(func(snap services.NotificationSnapshot) {
			slog.Info("notifications changed", "total", len(snap.Items), "unread", snap.UnreadCount)
		})
		a.monitor.OnChange(func(s services.NetworkStatus) {
			slog.Info("network changed", "online", s.Online, "quality", s.Quality)
			if s.Online {
				a.channel.Resume()
			}
		})

		slog.Info("starting continuity client",
			"device_id", a.registry.GetOrCreateDeviceID(ctx),
			"store", cfg.StoreDriver,
			"pending", a.queue.PendingCount(),
		)
		a.channel.Connect()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			a.monitor.Run(gctx)
			return nil
		})
		g.Go(func() error {
			a.engine.Run(gctx)
			return nil
		})
		if err := g.Wait(); err != nil {
			return err
		}
		slog.Info("continuity client stopped")
		return nil
	},
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the offline queue and sync state once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			err := a.engine.Sync(ctx)
			if err != nil && !apperrors.IsConflict(err) {
				return err
			}
			status := a.engine.Status()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state: %s\n", status.State)
			fmt.Fprintf(out, "pending: %d\n", status.PendingCount)
			if len(status.Conflicts) > 0 {
				printConflicts(cmd, status.Conflicts)
			}
			return nil
		})
	},
}

// --- resolve ---

var resolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id|field> <local|remote|merge>",
	Short: "Resolve a sync conflict",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resolution := models.Resolution(args[1])
		if !resolution.Valid() {
			return fmt.Errorf("resolution must be local, remote or merge, got %q", args[1])
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			// Conflicts live in memory; a cycle brings them back from the server.
			if err := a.engine.Sync(ctx); err != nil && !apperrors.IsConflict(err) {
				return err
			}
			for _, c := range a.engine.Conflicts() {
				if c.ID != args[0] && c.Field != args[0] {
					continue
				}
				if err := a.engine.ResolveConflict(ctx, c.ID, resolution); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resolved %s (%s) as %s\n", c.ID, c.Field, resolution)
				return nil
			}
			return fmt.Errorf("no open conflict matches %q", args[0])
		})
	},
}

// --- devices ---

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage the account's devices",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			devices, err := a.registry.List(ctx)
			if err != nil {
				return err
			}
			self := a.registry.GetOrCreateDeviceID(ctx)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tNAME\tLAST ACTIVE\t")
			for _, d := range devices {
				marker := ""
				if d.ID == self {
					marker = "(this device)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.DeviceType, d.Name, d.LastActive.Format(time.RFC3339), marker)
			}
			return w.Flush()
		})
	},
}

var devicesRemoveCmd = &cobra.Command{
	Use:   "remove <device-id>",
	Short: "Revoke a device; removing this one forgets its identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.registry.Remove(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		})
	},
}

// --- transfer ---

var transferCmd = &cobra.Command{
	Use:   "transfer <device-id>",
	Short: "Hand the current session to another device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.engine.TransferSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session sent to %s\n", args[0])
			return nil
		})
	},
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and feed the offline mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued submissions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			items := a.queue.List()
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no queued submissions")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tFORM\tCREATED\tSTATUS")
			for _, m := range items {
				status := "pending"
				if m.Synced {
					status = "synced"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Key, m.FormID, m.CreatedAt.Format(time.RFC3339), status)
			}
			return w.Flush()
		})
	},
}

var queueSubmitCmd = &cobra.Command{
	Use:   "submit <form-id> <json>",
	Short: "Queue a form submission for the next sync",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(args[1])) {
			return errors.New("payload must be valid JSON")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			key := a.queue.Enqueue(ctx, args[0], json.RawMessage(args[1]))
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", key)
			return nil
		})
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <key>",
	Short: "Drop a queued submission without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if !a.queue.Discard(ctx, args[0]) {
				return fmt.Errorf("no queued submission %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
			return nil
		})
	},
}

// --- prefs ---

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Read and change synced preferences",
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show local state as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := a.engine.LocalState(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		})
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <key> <json-value>",
	Short: "Set a preference; it is pushed on the next sync",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(args[1])) {
			return errors.New("value must be valid JSON")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.engine.SetPreference(ctx, args[0], json.RawMessage(args[1]))
		})
	},
}

// --- notifications ---

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List stored persistent notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			snap := a.notifications.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "unread: %d\n", snap.UnreadCount)
			for _, n := range snap.Items {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", n.Type, n.Title, n.Message)
			}
			return nil
		})
	},
}

func init() {
	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesRemoveCmd)

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueSubmitCmd)
	queueCmd.AddCommand(queueDiscardCmd)

	prefsCmd.AddCommand(prefsShowCmd)
	prefsCmd.AddCommand(prefsSetCmd)

	rootCmd.AddCommand(runCmd, syncCmd, resolveCmd, devicesCmd, transferCmd, queueCmd, prefsCmd, notificationsCmd)
}

// withApp runs fn against a freshly opened profile and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, func(err error) {
		slog.Error("credentials rejected, log in again", "error", err)
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printConflicts(cmd *cobra.Command, conflicts []models.SyncConflict) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONFLICT\tFIELD\tLOCAL\tREMOTE")
	for _, c := range conflicts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Field, c.LocalValue, c.RemoteValue)
	}
	w.Flush()
}
