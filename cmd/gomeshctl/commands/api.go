package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gomesh/internal/meshproto"
	"github.com/dantte-lp/gomesh/internal/tunnel"
)

// Sentinel errors for CLI validation.
var (
	errUserRequired  = errors.New("--user flag is required")
	errTokenRequired = errors.New("--token flag is required")
)

// --- ping ---

func pingCmd() *cobra.Command {
	var (
		wait       bool
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the provider control plane answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var err error
			if wait {
				err = client.WaitForProvider(ctx, providerURL, requestTimeout, maxRetries)
			} else {
				err = client.Ping(ctx, providerURL)
			}
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}

			fmt.Printf("%s is available\n", providerURL)
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "retry until the provider answers")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "give up after this many attempts with --wait (0 = never)")

	return cmd
}

// --- resolve ---

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <host>",
		Short: "Resolve a host under the provider's domain to its upstream URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			target, err := client.Resolve(ctx, providerURL, args[0])
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}

			out, err := formatResolution(args[0], target, outputFormat)
			if err != nil {
				return fmt.Errorf("format resolution: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

// --- register ---

func registerCmd() *cobra.Command {
	var (
		user      string
		token     string
		publicKey string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a public key with the provider",
		Long: "Registers a public key and prints the tunnel configuration the provider " +
			"assigned. Without --key a fresh key pair is generated and its private key printed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user == "" {
				return errUserRequired
			}
			if token == "" {
				return errTokenRequired
			}

			var generated *tunnel.KeyPair
			if publicKey == "" {
				kp, err := tunnel.GenerateKeyPair()
				if err != nil {
					return fmt.Errorf("generate key pair: %w", err)
				}
				generated = &kp
				publicKey = kp.PublicKey
			} else if err := tunnel.ValidateKey(publicKey); err != nil {
				return fmt.Errorf("--key: %w", err)
			}

			ctx := cmd.Context()
			resp, err := client.Register(ctx, providerURL, meshproto.RegisterRequest{
				UserID:       user,
				VPNPublicKey: publicKey,
				AuthToken:    token,
			})
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}

			out, err := formatRegistration(resp, generated, outputFormat)
			if err != nil {
				return fmt.Errorf("format registration: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user id (required)")
	cmd.Flags().StringVar(&token, "token", "", "authorization token (required)")
	cmd.Flags().StringVar(&publicKey, "key", "", "WireGuard public key (default: generate a key pair)")

	return cmd
}
