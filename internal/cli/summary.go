package cli

import (
	"fmt"
	"strings"

	"rollgate/internal/dto/resp"

	"github.com/spf13/cobra"
)

type SummaryOutput struct {
	resp.SummaryResponse
}

func (o SummaryOutput) String() string {
	if len(o.Data) == 0 {
		return "no samples in window"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-32s %8s %8s %10s %8s %8s %8s", "SNAPSHOT", "SAMPLES", "ERRORS", "ERR_RATE", "CLS", "INP", "LCP")
	for _, it := range o.Data {
		fmt.Fprintf(&b, "\n%-32s %8d %8d %10s %8s %8s %8s", it.SnapshotID, it.SampleCount, it.ErrorCount,
			ptr(it.ErrorRate), ptr(it.CLS), ptr(it.INP), ptr(it.LCP))
	}
	return b.String()
}

func ptr(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4g", *v)
}

// NewSummaryCommand creates the summary command.
func NewSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	var snapshot string
	cmd := &cobra.Command{
		Use:           "summary",
		Short:         "Summarize windowed error rate and web vitals per snapshot",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			sums, err := rootOpts.provider().Summarize(cmd.Context(), snapshot)
			if err != nil {
				return fail(f, err)
			}
			return f.Success(SummaryOutput{resp.NewSummaryResponse(sums)})
		},
	}
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "only this snapshot id")
	return cmd
}
