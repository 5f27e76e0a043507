package main

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"proserve/cmd/internal/app"
)

func newRelayCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the cross-terminal bus relay",
		Long: `Serve the websocket bus relay plus /healthz, /readyz and /metrics.

Terminals using PROSERVE_BUS_DRIVER=ws join a scope on the relay and
receive every storage change published in that scope.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rcfg := c.cfg.Relay
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				rcfg.Addr = addr
			}
			if dev, _ := cmd.Flags().GetBool("dev-insecure"); dev {
				rcfg.Gateway.DevInsecure = true
				rcfg.Gateway.OriginRequired = false
				rcfg.Gateway.AllowedOrigins = []string{"*"}
				c.log.Warn("relay.dev_insecure", "origins", "*")
			}

			var pool *pgxpool.Pool
			if c.cfg.DatabaseURL != "" {
				p, err := app.NewDBPool(cmd.Context(), c.cfg)
				if err != nil {
					return err
				}
				defer p.Close()
				pool = p
			}

			return app.NewRelayServer(rcfg, c.log, pool).Run(cmd.Context())
		},
	}

	cmd.Flags().String("addr", "", "listen address (overrides PROSERVE_RELAY_ADDR)")
	cmd.Flags().Bool("dev-insecure", false, "accept any websocket origin")
	return cmd
}
