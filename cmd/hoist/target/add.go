package targetcmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"hoist/cmd/hoist/cmdutil"
	"hoist/cmd/hoist/ui"
)

func addCmd(g *cmdutil.Globals) *cobra.Command {
	var (
		targetFlags cmdutil.TargetFlags
		runFlags    cmdutil.RunFlags
		healthCmd   string
		use         bool
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or update a target",
		Long: "Adds a target, or updates the flags given on an existing one. The first\n" +
			"target added becomes the current target.",
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]

			cfg, err := g.Config()
			if err != nil {
				return err
			}

			// Start from the existing entry so add can update single fields.
			target := targetFlags.Apply(cfg.Targets[name])
			target.Run = runFlags.Apply(target.Run)
			if healthCmd != "" {
				target.Health.Command = strings.Fields(healthCmd)
			}

			if err := cfg.Set(name, target); err != nil {
				return err
			}
			if use || cfg.CurrentTarget == "" {
				cfg.CurrentTarget = name
			}
			if err := cfg.Save(); err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("Target %s saved to %s.", ui.Bold(name), cfg.File()))
			return nil
		},
	}

	targetFlags.Bind(cmd)
	runFlags.Bind(cmd)
	cmd.Flags().StringVar(&healthCmd, "health-cmd", "", "Command run on the host after start; exit 0 is healthy")
	cmd.Flags().BoolVar(&use, "use", false, "Make this the current target")
	return cmd
}
