package cli

import (
	"fmt"
	"time"

	"rollgate/internal/service"

	"github.com/spf13/cobra"
)

type stepFlags struct {
	pct        float64
	policy     string
	dryRun     bool
	minSamples int
	coolDown   time.Duration
	snapshot   string
	note       string
	allowEmpty bool
}

// StepOutput is the result of one step attempt.
type StepOutput struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	*service.StepResult
}

func (o StepOutput) String() string {
	id := o.Namespace + "/" + o.Key
	switch {
	case o.Blocked != nil:
		return fmt.Sprintf("%s held: %s", id, o.Blocked.Error())
	case o.DryRun:
		return fmt.Sprintf("%s dry run: %s (current %g%%)", id, o.Decision, o.Rollout.CurrentPct)
	case o.Unchanged:
		return fmt.Sprintf("%s unchanged at %g%%", id, o.Rollout.CurrentPct)
	}
	return fmt.Sprintf("%s advanced %g%% -> %g%% (version %d)", id, o.Rollout.PreviousPct, o.Rollout.CurrentPct, o.Rollout.Version)
}

// NewStepCommand creates the step command.
func NewStepCommand(rootOpts *RootOptions) *cobra.Command {
	sf := &stepFlags{}
	cmd := &cobra.Command{
		Use:   "step [namespace] [key]",
		Short: "Attempt one metrics-gated rollout step",
		Long: `Attempt one rollout step. The step is checked against the sample,
cool-down and stop gates and committed only when all of them pass. An
advancing step is held while the snapshot has no metrics at all, unless
--allow-missing-metrics is given.

With --policy the namespace, flag, gates and the next percentage come from a
YAML policy file; the next percentage is the first policy step above the
flag's current percent.`,
		Args:          cobra.RangeArgs(0, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(rootOpts, sf, cmd, args)
		},
	}

	cmd.Flags().Float64Var(&sf.pct, "pct", -1, "target rollout percent")
	cmd.Flags().StringVar(&sf.policy, "policy", "", "rollout policy file")
	cmd.Flags().BoolVar(&sf.dryRun, "dry-run", false, "evaluate the gates without committing")
	cmd.Flags().IntVar(&sf.minSamples, "min-samples", -1, "minimum attributed samples")
	cmd.Flags().DurationVar(&sf.coolDown, "cool-down", 0, "minimum time since the last step")
	cmd.Flags().StringVar(&sf.snapshot, "snapshot", "", "metrics snapshot id (defaults to the flag's)")
	cmd.Flags().StringVar(&sf.note, "note", "", "note recorded with the step")
	cmd.Flags().BoolVar(&sf.allowEmpty, "allow-missing-metrics", false, "advance even when the snapshot has no metrics")

	return cmd
}

func runStep(opts *RootOptions, sf *stepFlags, cmd *cobra.Command, args []string) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	deps, err := opts.deps()
	if err != nil {
		return fail(f, err)
	}
	deps.Runtime = service.NewRuntime(service.RuntimeConfig{AllowMissingMetrics: sf.allowEmpty})
	ctl := service.NewRolloutController(deps, opts.provider())

	var (
		ns, key string
		req     service.StepRequest
	)
	if sf.policy != "" {
		p, err := LoadPolicy(sf.policy)
		if err != nil {
			return fail(f, err)
		}
		ns, key = p.Namespace, p.Flag
		cfg, err := deps.Store.GetFlag(ctx, ns, key)
		if err != nil {
			return fail(f, err)
		}
		current := 0.0
		if cfg.Rollout != nil {
			current = cfg.Rollout.Percent
		}
		next, ok := p.Next(current)
		if !ok {
			return f.Success(fmt.Sprintf("%s/%s already at the last policy step (%g%%)", ns, key, current))
		}
		f.VerboseLog("policy next step %g%% (current %g%%)", next, current)
		req = p.Request(next)
	} else {
		if len(args) != 2 {
			return fail(f, NewExitError(ExitCommandError, "step needs <namespace> <key> or --policy"))
		}
		if sf.pct < 0 {
			return fail(f, NewExitError(ExitCommandError, "--pct is required without --policy"))
		}
		ns, key = args[0], args[1]
		req = service.StepRequest{NextPct: sf.pct}
	}

	if sf.minSamples >= 0 {
		req.MinSamples = &sf.minSamples
	}
	if sf.coolDown > 0 {
		ms := sf.coolDown.Milliseconds()
		req.CoolDownMs = &ms
	}
	req.DryRun = sf.dryRun
	req.SnapshotID = sf.snapshot
	req.Note = sf.note

	res, err := ctl.Step(ctx, ns, key, req)
	if err != nil {
		return fail(f, err)
	}
	out := StepOutput{Namespace: ns, Key: key, StepResult: res}
	if res.Blocked != nil && !res.DryRun {
		if err := f.Held(out); err != nil {
			return err
		}
		return NewExitError(ExitFailure, res.Blocked.Reason)
	}
	return f.Success(out)
}
