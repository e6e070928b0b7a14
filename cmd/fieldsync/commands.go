package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fieldsync/server/mobilesync/app"
	"fieldsync/server/mobilesync/domain"
	"fieldsync/server/mobilesync/service"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and start syncing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("FIELDSYNC_PASSWORD")
			}
			if strings.TrimSpace(email) == "" || password == "" {
				return errors.New("--email and --password (or FIELDSYNC_PASSWORD) are required")
			}
			return opts.session(cmd, func(ctx context.Context, client *app.Client, _ *cliListener) error {
				session, err := client.Coordinator.Login(ctx, domain.Credentials{Email: email, Password: password})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s)\n", session.UserID, session.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and discard cached and queued data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.session(cmd, func(ctx context.Context, client *app.Client, _ *cliListener) error {
				if err := client.Coordinator.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, connectivity and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.session(cmd, func(ctx context.Context, client *app.Client, _ *cliListener) error {
				st, err := client.Coordinator.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				user := "-"
				if st.LoggedIn {
					user = st.UserID
				}
				fmt.Fprintf(out, "user:            %s\n", user)
				fmt.Fprintf(out, "logged in:       %t\n", st.LoggedIn)
				fmt.Fprintf(out, "online:          %t\n", st.Online)
				fmt.Fprintf(out, "channel:         %s\n", st.Connection)
				fmt.Fprintf(out, "pending actions: %d\n", st.PendingActions)
				fmt.Fprintf(out, "pending photos:  %d\n", st.PendingPhotos)
				return nil
			})
		},
	}
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Refresh cached data and flush offline queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.session(cmd, func(ctx context.Context, client *app.Client, l *cliListener) error {
				coord := client.Coordinator
				started := time.Now().UTC()
				if _, err := coord.LoadUserData(ctx); err != nil {
					return err
				}
				if _, err := waitFor(ctx, l, wait, func() (bool, error) {
					st, err := coord.Status(ctx)
					return st.Connection == domain.ConnOpen, err
				}); err != nil {
					return err
				}
				if err := coord.Flush(ctx); err != nil {
					return err
				}
				if _, err := waitFor(ctx, l, wait, func() (bool, error) {
					st, err := coord.Status(ctx)
					return st.PendingActions == 0 && st.PendingPhotos == 0, err
				}); err != nil {
					return err
				}
				var snap service.Snapshot
				if _, err := waitFor(ctx, l, wait, func() (bool, error) {
					var err error
					snap, err = coord.Cached(ctx)
					return !snap.Projects.LastSyncedAt.Before(started) && !snap.Tasks.LastSyncedAt.Before(started), err
				}); err != nil {
					return err
				}
				st, err := coord.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "projects: %d (synced %s)\n", len(snap.Projects.Records), syncedAt(snap.Projects))
				fmt.Fprintf(out, "tasks:    %d (synced %s)\n", len(snap.Tasks.Records), syncedAt(snap.Tasks))
				fmt.Fprintf(out, "alerts:   %d\n", len(snap.Alerts))
				fmt.Fprintf(out, "pending:  %d actions, %d photos\n", st.PendingActions, st.PendingPhotos)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the channel and queue flush")
	return cmd
}

func syncedAt(col domain.Collection) string {
	if col.LastSyncedAt.IsZero() {
		return "never"
	}
	return col.LastSyncedAt.Local().Format(time.RFC3339)
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a chat message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return opts.session(cmd, func(ctx context.Context, client *app.Client, l *cliListener) error {
				coord := client.Coordinator
				// Let the channel open so the message goes out live instead of via the queue.
				if _, err := waitFor(ctx, l, wait, func() (bool, error) {
					st, err := coord.Status(ctx)
					return st.Connection == domain.ConnOpen || !st.Online, err
				}); err != nil {
					return err
				}
				sent, err := coord.SendChatMessage(ctx, text)
				if err != nil {
					return err
				}
				var reply string
				answered, err := waitFor(ctx, l, wait, func() (bool, error) {
					snap, err := coord.Cached(ctx)
					if err != nil {
						return false, err
					}
					reply = replyAfter(snap.Chat, sent.ID)
					return reply != "", nil
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !answered {
					fmt.Fprintln(out, "no reply yet; the message is saved and will be delivered when the channel is available")
					return nil
				}
				fmt.Fprintln(out, reply)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for a reply")
	return cmd
}

// replyAfter returns the first assistant message recorded after the message with id.
func replyAfter(chat []domain.ChatMessage, id string) string {
	seen := false
	for _, m := range chat {
		if m.ID == id {
			seen = true
			continue
		}
		if seen && m.Role == domain.RoleAssistant {
			return m.Content
		}
	}
	return ""
}

func newUploadCmd(opts *rootOptions) *cobra.Command {
	var (
		description string
		lat, lon    float64
	)
	cmd := &cobra.Command{
		Use:   "upload <photo-path>",
		Short: "Upload a site photo, queueing it when offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			photo := domain.PhotoUpload{
				LocalMediaRef: args[0],
				Description:   description,
				CapturedAt:    time.Now().UTC(),
			}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
				photo.Geolocation = &domain.Geo{Latitude: lat, Longitude: lon}
			}
			return opts.session(cmd, func(ctx context.Context, client *app.Client, _ *cliListener) error {
				queued, err := client.Coordinator.UploadPhoto(ctx, photo)
				if err != nil {
					return err
				}
				if queued {
					fmt.Fprintln(cmd.OutOrStdout(), "photo queued for upload")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "photo uploaded")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "photo description")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	return cmd
}

func newAckCmd(opts *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.session(cmd, func(ctx context.Context, client *app.Client, l *cliListener) error {
				coord := client.Coordinator
				if _, err := waitFor(ctx, l, wait, func() (bool, error) {
					st, err := coord.Status(ctx)
					return st.Connection == domain.ConnOpen || !st.Online, err
				}); err != nil {
					return err
				}
				if err := coord.AcknowledgeAlert(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "alert %s acknowledged\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the channel")
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print alerts and changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return opts.session(cmd, func(ctx context.Context, client *app.Client, l *cliListener) error {
				out := cmd.OutOrStdout()
				seen := map[string]bool{}
				printNewAlerts := func() error {
					snap, err := client.Coordinator.Cached(ctx)
					if err != nil {
						return err
					}
					for _, a := range snap.Alerts {
						if seen[a.ID] {
							continue
						}
						seen[a.ID] = true
						fmt.Fprintf(out, "[%s] %s: %s (%s)\n", a.Severity, a.Title, a.Message, a.Source)
					}
					return nil
				}
				if _, err := client.Coordinator.LoadUserData(ctx); err != nil {
					return err
				}
				if err := printNewAlerts(); err != nil {
					return err
				}
				for {
					select {
					case <-ctx.Done():
						return nil
					case key := <-l.changes:
						switch key {
						case domain.KeyAlerts:
							if err := printNewAlerts(); err != nil && !errors.Is(err, context.Canceled) {
								return err
							}
						case service.ChangeConnection:
							st, err := client.Coordinator.Status(ctx)
							if err == nil {
								fmt.Fprintf(out, "channel %s\n", st.Connection)
							}
						}
					}
				}
			})
		},
	}
}
