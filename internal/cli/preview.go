package cli

import (
	"fmt"
	"sort"
	"strings"

	"rollgate/internal/eval"
	"rollgate/internal/ndjson"
	"rollgate/internal/service"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"

	"github.com/spf13/cobra"
)

type previewFlags struct {
	pct     float64
	samples string
	users   int
	keep    int
}

type PreviewOutput struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	*eval.PreviewReport
}

func (o PreviewOutput) String() string {
	var b strings.Builder
	share := 0.0
	if o.Total > 0 {
		share = 100 * float64(o.Exposed) / float64(o.Total)
	}
	fmt.Fprintf(&b, "%s/%s at %g%%: %d/%d exposed (%.1f%%), %d shadowed", o.Namespace, o.Key, o.Pct, o.Exposed, o.Total, share, o.Shadowed)
	reasons := make([]string, 0, len(o.Reasons))
	for r := range o.Reasons {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(&b, "\n  %-16s %d", r, o.Reasons[constraints.Reason(r)])
	}
	return b.String()
}

// NewPreviewCommand creates the preview command.
func NewPreviewCommand(rootOpts *RootOptions) *cobra.Command {
	pf := &previewFlags{}
	cmd := &cobra.Command{
		Use:   "preview <namespace> <key>",
		Short: "Show who a candidate rollout percent would expose",
		Long: `Evaluate sample subjects against the stored flag as if its rollout were
at --pct. Samples are read from an NDJSON file of {seeds, context} objects, or
generated as --users synthetic user ids.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(rootOpts, pf, cmd, args[0], args[1])
		},
	}

	cmd.Flags().Float64Var(&pf.pct, "pct", -1, "candidate rollout percent")
	cmd.Flags().StringVar(&pf.samples, "samples", "", "NDJSON file of samples")
	cmd.Flags().IntVar(&pf.users, "users", 1000, "synthetic user ids when no samples file is given")
	cmd.Flags().IntVar(&pf.keep, "keep", 0, "per-sample results to include")

	return cmd
}

func runPreview(opts *RootOptions, pf *previewFlags, cmd *cobra.Command, ns, key string) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()
	if pf.pct < 0 {
		return fail(f, NewExitError(ExitCommandError, "--pct is required"))
	}

	deps, err := opts.deps()
	if err != nil {
		return fail(f, err)
	}

	var samples []eval.Sample
	if pf.samples != "" {
		sc, err := ndjson.Open(ctx, pf.samples)
		if err != nil {
			return fail(f, err)
		}
		defer sc.Close()
		for sc.Next() {
			var s eval.Sample
			if err := sc.Decode(&s); err != nil {
				f.VerboseLog("skipping line %d: %v", sc.Line(), err)
				continue
			}
			samples = append(samples, s)
		}
		if err := sc.Err(); err != nil {
			return fail(f, err)
		}
	} else {
		for i := 0; i < pf.users; i++ {
			samples = append(samples, eval.Sample{Seeds: v1.Seeds{UserID: fmt.Sprintf("user-%d", i)}})
		}
	}

	rep, err := service.NewFlagService(deps).Preview(ctx, ns, key, samples, pf.pct, pf.keep)
	if err != nil {
		return fail(f, err)
	}
	return f.Success(PreviewOutput{Namespace: ns, Key: key, PreviewReport: rep})
}
