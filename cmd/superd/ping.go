package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"superd/internal/daemon"
	"superd/pkg/protocol"
)

func newPingCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers on its socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			socket := strings.TrimSpace(viper.GetString("socket"))
			if socket == "" {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				socket = cfg.SocketPath
			}

			reply, err := ping(cmd.Context(), socket, wait)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep retrying for up to this long while the daemon starts")
	return cmd
}

// ping calls the ping method once, or with exponential backoff for up to
// wait.
func ping(ctx context.Context, socket string, wait time.Duration) (string, error) {
	call := func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, daemon.DefaultTimeout)
		defer cancel()
		var reply string
		if err := protocol.Call(callCtx, socket, "ping", nil, &reply); err != nil {
			return "", err
		}
		return reply, nil
	}
	if wait <= 0 {
		return call()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(ctx, call, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(wait))
}
