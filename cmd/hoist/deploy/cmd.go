// Package deploycmd implements the commands that act on a target host.
package deploycmd

import (
	"github.com/spf13/cobra"

	"hoist/cmd/hoist/cmdutil"
)

// Cmds returns "hoist deploy", "release", "history" and "check".
func Cmds(g *cmdutil.Globals) []*cobra.Command {
	return []*cobra.Command{
		deployCmd(g),
		releaseCmd(g),
		historyCmd(g),
		checkCmd(g),
	}
}
