package deploycmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hoist/cmd/hoist/cmdutil"
	"hoist/cmd/hoist/ui"
	"hoist/internal/buildinfo"
	"hoist/internal/publish"
	"hoist/internal/release"
)

func releaseCmd(g *cmdutil.Globals) *cobra.Command {
	var (
		buildFlags  cmdutil.BuildFlags
		targetFlags cmdutil.TargetFlags
		runFlags    cmdutil.RunFlags
		creds       string
		pinDigest   bool
	)

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Resolve, publish and deploy a build in one step",
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

			out := ui.NewTelemetryOutput()
			r, err := cmdutil.NewRollout(cmd.Context(), cfg, target, out.Tracer())
			if err != nil {
				out.Close()
				return err
			}
			defer r.Close()

			p := &release.Pipeline{
				Publisher: &publish.Publisher{UserAgent: "hoist/" + buildinfo.Version},
				Deployer:  r,
			}
			res, err := p.Release(cmd.Context(), release.Request{
				Build:       buildFlags.Output(cfg),
				Credentials: cmdutil.Credentials(creds),
				Target:      target.Rollout(),
				Container:   runFlags.Apply(target.Run),
				PinDigest:   pinDigest,
			})
			out.Close()
			if res.Published.Pushed {
				fmt.Println(ui.SuccessMsg("Pushed %s.", ui.Bold(res.Published.Ref.String())))
			} else if !res.Published.Ref.IsZero() {
				fmt.Println(ui.InfoMsg("%s already published.", ui.Bold(res.Published.Ref.String())))
			}
			printOutcome(res.Outcome)
			return err
		},
	}

	buildFlags.Bind(cmd)
	targetFlags.Bind(cmd)
	runFlags.Bind(cmd)
	cmd.Flags().StringVar(&creds, "creds", "", "Registry credentials <user>:<password> or a token (default $"+cmdutil.EnvCredentials+")")
	cmd.Flags().BoolVar(&pinDigest, "pin-digest", false, "Deploy tag@digest instead of the bare tag")
	return cmd
}
