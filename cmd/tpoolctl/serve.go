package main

import (
	"github.com/danmuck/tensorpool/internal/admin"
	"github.com/danmuck/tensorpool/internal/config"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var addr, cfgPath string
	var origins []string
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "serve the admin API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultClientConfig()
			if cfgPath != "" {
				var err error
				if cfg, err = config.LoadClientConfig(cfgPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("addr") || cfgPath == "" {
				cfg.AdminAddr = addr
			}
			return admin.New(admin.Config{
				Addr:               cfg.AdminAddr,
				CorsOrigins:        origins,
				HugepagesSupported: cfg.HugepagesSupported,
			}).Serve()
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&addr, "addr", "a", ":9400", "listen address")
	fs.StringVarP(&cfgPath, "config", "c", "", "client config file")
	fs.StringSliceVar(&origins, "cors-origin", nil, "allowed CORS origins")
	return cmd
}
