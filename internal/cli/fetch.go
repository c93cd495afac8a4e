package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"aqsync/internal/fetch"
	"aqsync/internal/record"
)

// FetchOptions holds flags for the fetch command.
type FetchOptions struct {
	*RootOptions
	ConfigPath string
	Location   int
	Output     string
	APIKey     string
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FetchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the full measurement history for one location",
		Long: `Fetch the full measurement history for one location, ignoring any
stored cursor. The result is written as a JSON array to --output, or to
stdout when --output is empty.

Example:
  aqsync fetch --location 3459 --output location_3459.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Location, "location", 0, "location ID to fetch (required)")
	cmd.Flags().StringVar(&opts.Output, "output", "", "output file (stdout if empty)")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.APIKey, "api-key", "", "OpenAQ API key (overrides config and OPENAQ_API_KEY)")
	_ = cmd.MarkFlagRequired("location")

	return cmd
}

func runFetch(opts *FetchOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Location <= 0 {
		return NewExitError(ExitCommandError, "location must be a positive ID")
	}

	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = cfg.API.Key
	}
	client := fetch.New(fetch.ResolveAPIKey(apiKey),
		fetch.WithBaseURL(cfg.API.BaseURL),
		fetch.WithPageDelay(cfg.API.RateLimitDelay()),
	)

	records, err := client.FetchSince(cmd.Context(), opts.Location, "", cfg.API.PageSize)
	if err != nil {
		return WrapExitError(ExitFailure, "fetch aborted", err)
	}

	out := cmd.OutOrStdout()
	if opts.Output != "" {
		f, err := os.Create(opts.Output)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create output file", err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	payload := records
	if payload == nil {
		payload = []record.Measurement{}
	}
	if err := enc.Encode(payload); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Fetched %d records for location %d\n", len(records), opts.Location)
	return nil
}
