package commands

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gomesh/internal/config"
	"github.com/dantte-lp/gomesh/internal/configstore"
)

var (
	errProviderExists  = errors.New("provider already listed")
	errProviderMissing = errors.New("provider not listed")
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit the requester connection file",
	}

	cmd.AddCommand(configCheckCmd())
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configAddProviderCmd())
	cmd.AddCommand(configRemoveProviderCmd())

	return cmd
}

func openStore(path string) *configstore.Store[config.RequesterFile] {
	return configstore.New(path, config.ValidateRequesterFile)
}

// --- config check ---

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a requester file and list its connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			file, err := openStore(args[0]).Load()
			if err != nil {
				return fmt.Errorf("check %s: %w", args[0], err)
			}

			out, err := formatRequesterFile(file, outputFormat)
			if err != nil {
				return fmt.Errorf("format requester file: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

// --- config init ---

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <file>",
		Short: "Write the default requester file if none exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			created, err := openStore(args[0]).EnsureDefault(config.DefaultRequesterFile())
			if err != nil {
				return fmt.Errorf("init %s: %w", args[0], err)
			}

			if created {
				fmt.Printf("wrote %s\n", args[0])
			} else {
				fmt.Printf("%s already exists, left unchanged\n", args[0])
			}
			return nil
		},
	}
}

// --- config add-provider ---

func configAddProviderCmd() *cobra.Command {
	var defaultService string

	cmd := &cobra.Command{
		Use:   "add-provider <file> <url[,user[,token]]>",
		Short: "Add a provider connection to a requester file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, connection := args[0], args[1]

			store := openStore(path)
			current, err := store.Load()
			if err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}
			if providerIndex(current, config.ParseConnection(connection).URL) >= 0 {
				return fmt.Errorf("%s: %w", config.ParseConnection(connection).URL, errProviderExists)
			}

			_, err = store.Update(cmd.Context(), func(f *config.RequesterFile) {
				f.Providers = append(f.Providers, config.ProviderEntry{
					Provider:       connection,
					DefaultService: defaultService,
				})
			})
			if err != nil {
				return fmt.Errorf("update %s: %w", path, err)
			}

			fmt.Printf("added %s to %s\n", config.ParseConnection(connection).URL, path)
			return nil
		},
	}

	cmd.Flags().StringVar(&defaultService, "default-service", "", "service the provider routes its root domain to")

	return cmd
}

// --- config remove-provider ---

func configRemoveProviderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-provider <file> <url>",
		Short: "Remove a provider connection from a requester file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, url := args[0], config.ParseConnection(args[1]).URL

			store := openStore(path)
			current, err := store.Load()
			if err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}
			if providerIndex(current, url) < 0 {
				return fmt.Errorf("%s: %w", url, errProviderMissing)
			}

			_, err = store.Update(cmd.Context(), func(f *config.RequesterFile) {
				if i := providerIndex(*f, url); i >= 0 {
					f.Providers = slices.Delete(f.Providers, i, i+1)
				}
			})
			if err != nil {
				return fmt.Errorf("update %s: %w", path, err)
			}

			fmt.Printf("removed %s from %s\n", url, path)
			return nil
		},
	}
}

// providerIndex returns the index of the first entry whose URL is url.
func providerIndex(f config.RequesterFile, url string) int {
	return slices.IndexFunc(f.Providers, func(p config.ProviderEntry) bool {
		return config.ParseConnection(p.Provider).URL == url
	})
}
