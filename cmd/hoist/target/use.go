package targetcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hoist/cmd/hoist/cmdutil"
	"hoist/cmd/hoist/ui"
)

func useCmd(g *cmdutil.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "use <name>",
		Short: "Set the current target",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]

			cfg, err := g.Config()
			if err != nil {
				return err
			}
			if err := cfg.Use(name); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("Switched to target %s.", ui.Bold(name)))
			return nil
		},
	}
}
