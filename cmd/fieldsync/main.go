package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	commonlog "fieldsync/server/common/log"
	"fieldsync/server/mobilesync/app"
	"fieldsync/server/mobilesync/service"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first field client sync",
		Long:          "fieldsync keeps a local cache of projects, tasks, alerts and chat in step with the backend and replays work done while offline.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			commonlog.Configure("", "", opts.logLevel)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (environment only when empty)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "minimum log level: debug, info, warn or error")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newLoginCmd(opts))
	cmd.AddCommand(newLogoutCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newSyncCmd(opts))
	cmd.AddCommand(newChatCmd(opts))
	cmd.AddCommand(newUploadCmd(opts))
	cmd.AddCommand(newAckCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fieldsync %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func (o *rootOptions) loadConfig() (app.Config, error) {
	if o.configPath == "" {
		cfg := app.LoadConfig()
		return cfg, cfg.Validate()
	}
	return app.LoadConfigFile(o.configPath)
}

// cliListener prints notices and forwards change keys to waiters without blocking the loop.
type cliListener struct {
	out     io.Writer
	changes chan string
}

func newCLIListener(out io.Writer) *cliListener {
	return &cliListener{out: out, changes: make(chan string, 64)}
}

func (l *cliListener) OnNotice(n service.Notice) {
	fmt.Fprintf(l.out, "! %s: %s\n", n.Kind, n.Message)
}

func (l *cliListener) OnChange(key string) {
	select {
	case l.changes <- key:
	default:
	}
}

// session opens a client for one command and guarantees a clean shutdown.
func (o *rootOptions) session(cmd *cobra.Command, fn func(ctx context.Context, client *app.Client, l *cliListener) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	listener := newCLIListener(cmd.ErrOrStderr())
	client, err := app.NewClient(ctx, cfg, app.ClientOptions{Listener: listener, Notifier: service.LogNotifier{}})
	if err != nil {
		return err
	}
	runErr := fn(ctx, client, listener)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// waitFor re-evaluates done on every change notification and once per tick
// until it reports true or timeout elapses.
func waitFor(ctx context.Context, l *cliListener, timeout time.Duration, done func() (bool, error)) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := done()
		if err != nil || ok {
			return ok, err
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case <-l.changes:
		case <-ticker.C:
		}
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
