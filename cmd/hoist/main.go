package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	artifactcmd "hoist/cmd/hoist/artifact"
	"hoist/cmd/hoist/cmdutil"
	deploycmd "hoist/cmd/hoist/deploy"
	targetcmd "hoist/cmd/hoist/target"
	"hoist/cmd/hoist/ui"
	"hoist/internal/buildinfo"
	"hoist/internal/logging"
)

func main() {
	var g cmdutil.Globals
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "hoist",
		Short:         "Publish a container image and roll a host over to it",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ui.ConfigureInteraction(g.NoInteraction)

			level := logging.LevelWarn
			if cfg, err := g.Config(); err == nil && cfg.LogLevel != "" {
				level = cfg.LogLevel
			}
			if g.Debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	g.Bind(root)

	root.AddCommand(artifactcmd.Cmds(&g)...)
	root.AddCommand(deploycmd.Cmds(&g)...)
	root.AddCommand(targetcmd.Cmd(&g))

	// The first interrupt cancels the rollout; an attempt already past the
	// point of no return still finishes.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}
