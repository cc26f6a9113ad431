// Package targetcmd implements "hoist target", which manages the named
// deploy targets in the config file.
package targetcmd

import (
	"github.com/spf13/cobra"

	"hoist/cmd/hoist/cmdutil"
)

func Cmd(g *cmdutil.Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Manage deploy targets",
	}

	cmd.AddCommand(listCmd(g))
	cmd.AddCommand(useCmd(g))
	cmd.AddCommand(addCmd(g))
	cmd.AddCommand(removeCmd(g))
	return cmd
}
