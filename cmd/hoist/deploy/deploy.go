package deploycmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"hoist/cmd/hoist/cmdutil"
	"hoist/cmd/hoist/ui"
	"hoist/config"
	"hoist/internal/artifact"
	"hoist/internal/rollout"
)

func deployCmd(g *cmdutil.Globals) *cobra.Command {
	var (
		targetFlags cmdutil.TargetFlags
		runFlags    cmdutil.RunFlags
		ref         string
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Roll the target container over to an image",
		Long: "Pulls the image on the target host, replaces the running container with one\n" +
			"started from it, and restores the previous image if the new one fails.\n" +
			"A tag-only reference is re-pulled on every deploy.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.Config()
			if err != nil {
				return err
			}
			target, err := targetFlags.Resolve(cfg, g.Target)
			if err != nil {
				return err
			}
			parsed, err := deployRef(cfg, ref)
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

			outcome, err := r.Deploy(cmd.Context(), parsed, target.Rollout(), runFlags.Apply(target.Run))
			out.Close()
			printOutcome(outcome)
			return err
		},
	}

	cmd.Flags().StringVar(&ref, "artifact", "", "Image reference to deploy (default <registry>/<repository>:latest from config)")
	targetFlags.Bind(cmd)
	runFlags.Bind(cmd)
	return cmd
}

// deployRef parses raw, or builds the latest reference for the configured
// repository when raw is empty.
func deployRef(cfg *config.Config, raw string) (artifact.Reference, error) {
	if strings.TrimSpace(raw) != "" {
		ref, err := artifact.ParseReference(raw)
		if err != nil {
			return artifact.Reference{}, fmt.Errorf("parse --artifact: %w", err)
		}
		return ref, nil
	}
	if cfg.Repository == "" {
		return artifact.Reference{}, fmt.Errorf("--artifact is required when the config sets no repository")
	}
	ref := artifact.Reference{Registry: cfg.Registry, Repository: cfg.Repository, Tag: artifact.DefaultTag}
	if err := ref.Validate(); err != nil {
		return artifact.Reference{}, fmt.Errorf("configured repository: %w", err)
	}
	return ref, nil
}

func printOutcome(o rollout.Outcome) {
	if o.Artifact == "" {
		return
	}
	fmt.Println()
	if o.Succeeded() {
		fmt.Println(ui.SuccessMsg("%s is running on %s.", ui.Bold(o.Artifact), o.Record.Container))
	} else {
		fmt.Println(ui.ErrorMsg("Rollout of %s failed (%s).", ui.Bold(o.Artifact), o.Reason))
	}

	var notes []string
	if o.RolledBack {
		notes = append(notes, ui.Warn("rolled back to previous image"))
	}
	if o.ServiceDown {
		notes = append(notes, ui.Error("service down"))
	}
	fmt.Print(ui.KeyValues("  ",
		ui.KV("Phase", ui.Phase(o.Phase.String())),
		ui.KV("Previous", o.Previous),
		ui.KV("Attempts", strconv.Itoa(o.Attempts)),
		ui.KV("Record", o.Record.ID),
		ui.KV("Notes", strings.Join(notes, ", ")),
	))
	for _, w := range o.Warnings {
		fmt.Println("  " + ui.WarnMsg("%s", w))
	}
}
