package deploycmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"hoist/cmd/hoist/cmdutil"
	"hoist/cmd/hoist/ui"
	"hoist/config"
	"hoist/internal/remote"
)

func checkCmd(g *cmdutil.Globals) *cobra.Command {
	var targetFlags cmdutil.TargetFlags

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the target host is reachable and can run containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.Config()
			if err != nil {
				return err
			}
			target, err := targetFlags.Resolve(cfg, g.Target)
			if err != nil {
				return err
			}
			if err := preflight(cmd.Context(), cmdutil.Channel(target), target); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("%s is ready for %s.", ui.Bold(target.Remote().String()), target.Container))
			return nil
		},
	}

	targetFlags.Bind(cmd)
	return cmd
}

// preflight connects to the host and checks the configured runtime answers.
func preflight(ctx context.Context, ch remote.Channel, target config.Target) error {
	sess, err := ch.Connect(ctx, target.Remote())
	if err != nil {
		return err
	}
	defer sess.Close()

	if target.Runtime != config.RuntimeEngine {
		return remote.Preflight(ctx, sess, target.Docker)
	}
	rt, err := cmdutil.RuntimeFactory(target)(ctx, sess)
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if c, ok := rt.(io.Closer); ok {
		_ = c.Close()
	}
	return nil
}
