// Command superd is the privileged control daemon of the hosting panel. It
// serves JSON-RPC over a Unix Domain Socket and performs host operations on
// the panel's behalf.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SUPERD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "superd")

	cmd := newRootCommand(logger)
	cmd.AddCommand(newPingCommand(), newVersionCommand())

	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "superd: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "superd",
		Short:         "superd is the privileged control daemon of the hosting panel",
		SilenceErrors: true,
		Example: `
  # Run in the foreground with the system config
  superd --config /etc/superd/superd.yaml

  # Detach and write a pid file
  superd --detach --pid-file /run/superd/superd.pid

  # Serve status and metrics on localhost
  SUPERD_API_ADDR=127.0.0.1:9470 superd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			if level := strings.TrimSpace(viper.GetString("log-level")); level != "" {
				if lvl, ok := pslog.ParseLevel(level); ok {
					logger = logger.LogLevel(lvl)
				} else {
					return fmt.Errorf("unknown log level %q", level)
				}
			}

			if viper.GetBool("detach") {
				child, release, err := detach(viper.GetString("pid-file"))
				if err != nil {
					return err
				}
				if child != nil {
					fmt.Fprintf(os.Stdout, "superd started (pid %d)\n", child.Pid)
					return nil
				}
				defer release()
			}

			return serve(cmd.Context(), logger)
		},
	}

	flags := cmd.Flags()
	persistent := cmd.PersistentFlags()
	persistent.String("config", "", "path to the YAML config file")
	persistent.String("socket", "", "Unix socket path (overrides socket_path)")
	flags.String("api-addr", "", "listen address of the HTTP status and metrics API (overrides api_addr)")
	flags.String("audit-log", "", "path of the JSONL audit log (overrides audit_log)")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error")
	flags.Bool("detach", false, "run in the background")
	flags.String("pid-file", defaultPIDFile, "pid file written when detached")

	for _, name := range []string{"config", "socket", "api-addr", "audit-log", "log-level", "detach", "pid-file"} {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistent.Lookup(name)
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("SUPERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return cmd
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
