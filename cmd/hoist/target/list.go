package targetcmd

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"hoist/cmd/hoist/cmdutil"
	"hoist/cmd/hoist/ui"
	"hoist/config"
)

func listCmd(g *cmdutil.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured targets",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := g.Config()
			if err != nil {
				return err
			}
			if len(cfg.Targets) == 0 {
				fmt.Println(ui.InfoMsg("No targets configured. Add one with 'hoist target add'."))
				return nil
			}
			fmt.Println(ui.Table([]string{"", "NAME", "HOST", "CONTAINER", "RUNTIME"}, targetRows(cfg)))
			return nil
		},
	}
}

func targetRows(cfg *config.Config) [][]string {
	var rows [][]string
	for _, name := range slices.Sorted(maps.Keys(cfg.Targets)) {
		t := cfg.Targets[name]

		current := ""
		if name == cfg.CurrentTarget {
			current = "*"
		}
		runtime := t.Runtime
		if runtime == "" {
			runtime = config.RuntimeCLI
		}
		rows = append(rows, []string{current, name, t.Remote().String(), t.Container, runtime})
	}
	return rows
}
