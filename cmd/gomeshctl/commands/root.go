package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gomesh/internal/requester"
)

var (
	// client is the provider API client, initialized in PersistentPreRunE.
	client *requester.Client

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// providerURL is the provider control plane base URL.
	providerURL string

	// requestTimeout bounds every call to the provider.
	requestTimeout time.Duration

	// verbose logs client retries and errors to stderr.
	verbose bool
)

// rootCmd is the top-level cobra command for gomeshctl.
var rootCmd = &cobra.Command{
	Use:   "gomeshctl",
	Short: "CLI client for gomesh providers and requester files",
	Long: "gomeshctl talks to a gomesh provider's HTTP API and edits the requester's " +
		"declarative connection file.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var w io.Writer = io.Discard
		if verbose {
			w = os.Stderr
		}
		logger := slog.New(slog.NewTextHandler(w, nil))

		client = requester.NewClient(nil, requestTimeout, logger)
		providerURL = strings.TrimRight(providerURL, "/")
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&providerURL, "addr", "http://localhost:3000",
		"provider API base URL")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 10*time.Second,
		"timeout of each provider request")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"log client activity to stderr")

	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
