package targetcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hoist/cmd/hoist/cmdutil"
	"hoist/cmd/hoist/ui"
)

func removeCmd(g *cmdutil.Globals) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Short:   "Remove a target",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]

			cfg, err := g.Config()
			if err != nil {
				return err
			}
			if err := cfg.Remove(name); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("Target %s removed.", ui.Bold(name)))
			return nil
		},
	}
}
