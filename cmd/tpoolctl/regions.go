package main

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/tensorpool/internal/config"
	"github.com/danmuck/tensorpool/internal/shm"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func createCmd() *cobra.Command {
	var layoutPath string
	cmd := &cobra.Command{
		Use:          "create",
		Short:        "create the regions a layout file describes",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := config.LoadLayout(layoutPath)
			if err != nil {
				return err
			}
			maps, err := l.Create()
			if err != nil {
				return err
			}
			for _, m := range maps {
				if err := m.Unmap(); err != nil {
					log.Warn().Err(err).Str("path", m.Path()).Msg("unmap after create failed")
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, l.HeaderURI())
			for _, p := range l.PoolInfos() {
				fmt.Fprintln(out, p.RegionURI)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&layoutPath, "layout", "l", "layout.toml", "region layout file")
	return cmd
}

func inspectCmd() *cobra.Command {
	var format string
	var hugepages bool
	cmd := &cobra.Command{
		Use:          "inspect <uri>",
		Short:        "print a region's superblock",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := shm.Inspect(args[0], hugepages)
			if err != nil {
				return err
			}
			return writeInfo(cmd, info, format)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&format, "format", "f", "json", "output format: json|toml")
	fs.BoolVar(&hugepages, "hugepages", false, "allow hugepage-backed regions")
	return cmd
}

func writeInfo(cmd *cobra.Command, info shm.RegionInfo, format string) error {
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case "toml":
		return toml.NewEncoder(out).Encode(info)
	}
	return fmt.Errorf("unknown format %q", format)
}
