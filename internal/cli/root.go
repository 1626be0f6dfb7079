// Package cli implements rolloutctl, the operator tool that drives rollout
// steps, previews and log maintenance against a file-backed store.
package cli

import (
	"fmt"
	"slices"
	"time"

	"rollgate/internal/lock"
	"rollgate/internal/privacy"
	"rollgate/internal/repository"
	"rollgate/internal/service"
	"rollgate/internal/vitals"
	"rollgate/pkg/logger"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	StoreFile     string
	VitalsFile    string
	ErrorsFile    string
	TelemetryFile string
	ErasureLog    string
	Window        time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for rolloutctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rolloutctl",
		Short: "Drive flag rollouts and maintain the metrics logs",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Verbose {
				logger.InitLogger("dev")
			}
			return nil
		},
	}

	// Global flags
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.StoreFile, "store", "data/flags.json", "flag store state file")
	pf.StringVar(&opts.VitalsFile, "vitals", "data/vitals.ndjson", "web vitals log")
	pf.StringVar(&opts.ErrorsFile, "errors", "data/errors.ndjson", "client errors log")
	pf.StringVar(&opts.TelemetryFile, "telemetry", "data/telemetry.ndjson", "exposure telemetry log")
	pf.StringVar(&opts.ErasureLog, "erasure-log", "data/erasure.ndjson", "erasure request log")
	pf.DurationVar(&opts.Window, "window", vitals.DefaultWindow, "metrics window")

	cmd.AddCommand(NewStepCommand(opts))
	cmd.AddCommand(NewPreviewCommand(opts))
	cmd.AddCommand(NewSummaryCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewRotateCommand(opts))
	cmd.AddCommand(NewEraseCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// targets lists the logs erasure and maintenance operate on.
func (o *RootOptions) targets() []privacy.Target {
	var out []privacy.Target
	for _, t := range []privacy.Target{
		{Name: "vitals", Path: o.VitalsFile},
		{Name: "errors", Path: o.ErrorsFile},
		{Name: "telemetry", Path: o.TelemetryFile},
	} {
		if t.Path != "" {
			out = append(out, t)
		}
	}
	return out
}

func (o *RootOptions) erasure() *privacy.Log {
	return privacy.NewLog(o.ErasureLog)
}

func (o *RootOptions) provider() *vitals.SelfHosted {
	return vitals.NewSelfHosted(vitals.Config{
		VitalsFile: o.VitalsFile,
		ErrorsFile: o.ErrorsFile,
		Window:     o.Window,
	}, o.erasure())
}

// deps opens the store for one command run. The store file is the only state
// rolloutctl shares with other invocations.
func (o *RootOptions) deps() (service.Deps, error) {
	store, err := repository.OpenFileStore(o.StoreFile, lock.NewMemory())
	if err != nil {
		return service.Deps{}, WrapExitError(ExitCommandError, "cannot open store", err)
	}
	return service.Deps{
		Store: store,
		Feed:  service.NewFeed(nil, 0),
	}, nil
}
