package deploycmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hoist/cmd/hoist/cmdutil"
	"hoist/cmd/hoist/ui"
	"hoist/internal/rollout"
)

func historyCmd(g *cmdutil.Globals) *cobra.Command {
	var (
		targetFlags cmdutil.TargetFlags
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past rollouts of the target container",
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

			store, err := cmdutil.OpenState(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), target.Rollout().Key(), limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println(ui.InfoMsg("No rollouts recorded for %s.", target.Rollout()))
				return nil
			}
			fmt.Println(ui.Table(
				[]string{"STARTED", "ARTIFACT", "PHASE", "REASON", "ATTEMPT", "NOTES"},
				historyRows(records),
			))
			return nil
		},
	}

	targetFlags.Bind(cmd)
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rollouts to show (0 for all)")
	return cmd
}

func historyRows(records []rollout.Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		var notes []string
		if rec.RolledBack {
			notes = append(notes, "rolled back")
		}
		if rec.ServiceDown {
			notes = append(notes, "service down")
		}
		if n := len(rec.Warnings); n > 0 {
			notes = append(notes, fmt.Sprintf("%d warnings", n))
		}
		reason := ""
		if rec.Reason != rollout.ReasonNone {
			reason = rec.Reason.String()
		}
		rows = append(rows, []string{
			rec.StartedAt.Local().Format(time.DateTime),
			rec.Artifact,
			rec.Phase.String(),
			reason,
			strconv.Itoa(rec.Attempt),
			strings.Join(notes, ", "),
		})
	}
	return rows
}
