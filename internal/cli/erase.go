package cli

import (
	"fmt"
	"strings"

	"rollgate/internal/privacy"
	"rollgate/internal/service"

	"github.com/spf13/cobra"
)

type eraseFlags struct {
	ids      privacy.Identifiers
	source   string
	note     string
	maxBytes int64
}

type EraseOutput struct {
	*service.EraseResult
}

func (o EraseOutput) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "recorded erasure at %d (%s)", o.Record.At, o.Record.Source)
	for _, p := range o.Purged {
		if p.Skipped {
			fmt.Fprintf(&b, "\n  %s skipped (%d bytes)", p.File, p.SizeBytes)
			continue
		}
		fmt.Fprintf(&b, "\n  %s: %d removed, %d retained", p.File, p.Removed, p.Retained)
	}
	fmt.Fprintf(&b, "\n  %d user overrides removed", o.RemovedOverrides)
	return b.String()
}

// NewEraseCommand creates the erase command.
func NewEraseCommand(rootOpts *RootOptions) *cobra.Command {
	ef := &eraseFlags{}
	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Record an erasure request and purge matching log lines",
		Long: `Append the identifiers to the erasure log, purge them from every managed
log and remove their user overrides. Metric reads exclude erased identifiers
from the moment the request is recorded.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			deps, err := rootOpts.deps()
			if err != nil {
				return fail(f, err)
			}
			svc := service.NewPrivacyService(deps, rootOpts.erasure(), rootOpts.targets(), ef.maxBytes)
			res, err := svc.Erase(cmd.Context(), ef.ids, privacy.Source(ef.source), ef.note)
			if err != nil {
				return fail(f, err)
			}
			return f.Success(EraseOutput{res})
		},
	}
	cmd.Flags().StringVar(&ef.ids.SID, "sid", "", "session id")
	cmd.Flags().StringVar(&ef.ids.AID, "aid", "", "anonymous id")
	cmd.Flags().StringVar(&ef.ids.UserID, "user-id", "", "user id")
	cmd.Flags().StringVar(&ef.ids.StableID, "stable-id", "", "stable id")
	cmd.Flags().StringVar(&ef.source, "source", string(privacy.SourceOps), "request source (self|admin|ops|system)")
	cmd.Flags().StringVar(&ef.note, "note", "", "free-form note stored with the request")
	cmd.Flags().Int64Var(&ef.maxBytes, "purge-max-bytes", 0, "skip purging files larger than this (0 uses the default)")
	return cmd
}
