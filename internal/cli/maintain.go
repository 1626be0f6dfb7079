package cli

import (
	"fmt"
	"strings"
	"time"

	"rollgate/internal/privacy"

	"github.com/spf13/cobra"
)

type CompactOutput struct {
	Results []privacy.CompactResult `json:"results"`
}

func (o CompactOutput) String() string {
	var b strings.Builder
	for i, r := range o.Results {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %d merged days, %d expired chunks, %d erased lines dropped",
			r.Target, len(r.Merged), len(r.Expired), r.Dropped())
	}
	return b.String()
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Merge same-day log chunks, expire old ones and drop erased lines",
		Long: `Compact every managed log (vitals, errors, telemetry). Chunks older than
--retention are removed and lines matching the erasure log are dropped.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			var opts []privacy.CompactorOption
			if retention > 0 {
				opts = append(opts, privacy.WithRetention(retention))
			}
			c := privacy.NewCompactor(rootOpts.erasure(), opts...)

			out := CompactOutput{Results: []privacy.CompactResult{}}
			for _, t := range rootOpts.targets() {
				f.VerboseLog("compacting %s (%s)", t.Name, t.Path)
				res, err := c.Compact(cmd.Context(), t.Path)
				if err != nil {
					return fail(f, fmt.Errorf("%s: %w", t.Name, err))
				}
				res.Target = t.Name
				out.Results = append(out.Results, res)
			}
			return f.Success(out)
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "drop chunks older than this (0 keeps the default)")
	return cmd
}

type RotateOutput struct {
	Results []privacy.RotateResult `json:"results"`
}

func (o RotateOutput) String() string {
	var b strings.Builder
	for i, r := range o.Results {
		if i > 0 {
			b.WriteByte('\n')
		}
		if r.Rotated {
			fmt.Fprintf(&b, "%s -> %s (%s, %d bytes)", r.File, r.Chunk, r.Reason, r.Bytes)
		} else {
			fmt.Fprintf(&b, "%s kept (%d bytes)", r.File, r.Bytes)
		}
	}
	return b.String()
}

// NewRotateCommand creates the rotate command.
func NewRotateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		maxBytes int64
		maxAge   time.Duration
	)
	cmd := &cobra.Command{
		Use:           "rotate",
		Short:         "Move full or stale logs to dated chunks",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			if maxBytes <= 0 && maxAge <= 0 {
				return fail(f, NewExitError(ExitCommandError, "one of --max-bytes or --max-age is required"))
			}
			out := RotateOutput{Results: []privacy.RotateResult{}}
			now := time.Now()
			for _, t := range rootOpts.targets() {
				res, err := privacy.Rotate(t.Path, privacy.RotateOptions{MaxBytes: maxBytes, MaxAge: maxAge, Now: now})
				if err != nil {
					return fail(f, fmt.Errorf("%s: %w", t.Name, err))
				}
				out.Results = append(out.Results, res)
			}
			return f.Success(out)
		},
	}
	cmd.Flags().Int64Var(&maxBytes, "max-bytes", 0, "rotate logs at least this large")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "rotate logs last written this long ago")
	return cmd
}
