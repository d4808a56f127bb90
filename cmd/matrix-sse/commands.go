// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/element-hq/matrix-sse/setup"
	"github.com/element-hq/matrix-sse/setup/config"
	"github.com/element-hq/matrix-sse/setup/process"
)

const shutdownTimeout = 30 * time.Second

// RootOptions holds flags shared by all commands.
type RootOptions struct {
	ConfigPath string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:   "matrix-sse",
		Short: "Serve Matrix /sync as a Server-Sent Events stream",
		Long: `matrix-sse polls a Matrix homeserver's /sync endpoint on behalf of each
connected client and pushes every result down a text/event-stream response.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "matrix-sse.yaml", "path to the config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCheckConfigCommand(opts))
	cmd.AddCommand(NewVersionCommand())
	return cmd
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return fmt.Errorf("invalid config file %s: %w", rootOpts.ConfigPath, err)
			}
			if err = setup.SetupLogging(cfg); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.MatrixSSE) error {
	processCtx := process.NewProcessContext()
	srv, err := setup.NewServer(ctx, cfg, processCtx)
	if err != nil {
		return err
	}

	served := make(chan error, 1)
	go func() {
		served <- srv.ListenAndServe()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		logrus.WithField("signal", sig.String()).Info("Shutting down")
	case <-ctx.Done():
	case err = <-served:
		if err != nil {
			logrus.WithError(err).Error("Listener failed")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := srv.Stop(stopCtx); stopErr != nil {
		logrus.WithError(stopErr).Warn("Unclean shutdown")
	}
	return err
}

func NewCheckConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return fmt.Errorf("invalid config file %s: %w", rootOpts.ConfigPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: homeserver %s, listening on %s\n",
				rootOpts.ConfigPath, cfg.Homeserver.URL, cfg.Listen)
			return nil
		},
	}
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), setup.VersionString)
		},
	}
}
