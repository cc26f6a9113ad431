// Package artifactcmd implements "hoist resolve" and "hoist publish".
package artifactcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hoist/cmd/hoist/cmdutil"
	"hoist/cmd/hoist/ui"
	"hoist/internal/artifact"
	"hoist/internal/buildinfo"
	"hoist/internal/publish"
)

// Cmds returns the artifact commands.
func Cmds(g *cmdutil.Globals) []*cobra.Command {
	return []*cobra.Command{resolveCmd(g), publishCmd(g)}
}

func resolveCmd(g *cmdutil.Globals) *cobra.Command {
	var buildFlags cmdutil.BuildFlags

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the digest-pinned reference for a build output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.Config()
			if err != nil {
				return err
			}
			art, err := artifact.Resolve(buildFlags.Output(cfg))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), art.Ref.String())
			return nil
		},
	}
	buildFlags.Bind(cmd)
	return cmd
}

func publishCmd(g *cmdutil.Globals) *cobra.Command {
	var (
		buildFlags cmdutil.BuildFlags
		creds      string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Push a build output to its registry",
		Long: "Pushes the image under its tag. Publishing an image the registry already\n" +
			"holds under that tag succeeds without pushing.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.Config()
			if err != nil {
				return err
			}
			art, err := artifact.Resolve(buildFlags.Output(cfg))
			if err != nil {
				return err
			}

			p := &publish.Publisher{UserAgent: "hoist/" + buildinfo.Version}
			published, err := p.Publish(cmd.Context(), art, cmdutil.Credentials(creds))
			if err != nil {
				return err
			}
			if published.Pushed {
				fmt.Println(ui.SuccessMsg("Pushed %s.", ui.Bold(published.Ref.String())))
			} else {
				fmt.Println(ui.InfoMsg("%s already published.", ui.Bold(published.Ref.String())))
			}
			return nil
		},
	}
	buildFlags.Bind(cmd)
	cmd.Flags().StringVar(&creds, "creds", "", "Registry credentials <user>:<password> or a token (default $"+cmdutil.EnvCredentials+")")
	return cmd
}
