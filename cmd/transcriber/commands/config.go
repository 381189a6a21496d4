package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"transcription-engine/internal/config"
)

func newConfigCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write configuration",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(
		newConfigGetCommand(root),
		newConfigSetCommand(root),
		newConfigPathCommand(root),
	)
	return cmd
}

func newConfigGetCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Print one key, or every key when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				value, err := cfg.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(out, value)
				return nil
			}
			for _, key := range config.Keys {
				value, _ := cfg.Get(key)
				fmt.Fprintf(out, "%s = %v\n", key, value)
			}
			return nil
		},
	}
}

func newConfigSetCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a key and save the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (saved to %s)\n", args[0], args[1], cfg.Path())
			return nil
		},
	}
}

func newConfigPathCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.Path())
			return nil
		},
	}
}
