package main

import (
	"fmt"

	"github.com/danmuck/tensorpool/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "write or validate config files",
	}
	cmd.AddCommand(configInitCmd(), configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var kind, output string
	var force bool
	cmd := &cobra.Command{
		Use:          "init",
		Short:        "write a config template",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = kind + ".toml"
			}
			if err := config.WriteTemplate(output, kind, force); err != nil {
				return err
			}
			log.Info().Str("kind", kind).Str("path", output).Msg("config template written")
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&kind, "kind", "k", "client", "config kind: client|layout")
	fs.StringVarP(&output, "output", "o", "", "output path (defaults to <kind>.toml)")
	fs.BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:          "validate <path>",
		Short:        "validate a config file",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			switch kind {
			case "client":
				if _, err := config.LoadClientConfig(path); err != nil {
					return err
				}
			case "layout":
				if _, err := config.LoadLayout(path); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown config kind: %s", kind)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s config %s ok\n", kind, path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "client", "config kind: client|layout")
	return cmd
}
