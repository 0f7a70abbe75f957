package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"clawboard/internal/config"
	"clawboard/internal/server"
	"clawboard/pkg/openclaw"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents known to the OpenClaw gateway",
	RunE:  listAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

func listAgents(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := logrus.StandardLogger()
	if err := config.ConfigureLogger(log, config.LogConfig{Level: "warn", Format: "text"}); err != nil {
		return err
	}

	gw := server.NewGateway(cfg, log)
	if !gw.Configured() {
		return openclaw.ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Gateway.AgentsListTimeout+cfg.Gateway.HealthTimeout)
	defer cancel()

	health := openclaw.CheckHealth(ctx, gw, cfg.Gateway.HealthTimeout)
	fmt.Fprintf(cmd.OutOrStdout(), "gateway: %s %s\n", health.Gateway, health.Method)
	if !health.OK {
		return fmt.Errorf("gateway unreachable: %s", health.Detail)
	}

	agents, err := gw.ListAgents(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCONFIGURED")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%t\n", a.ID, a.Name, a.Configured)
	}
	return w.Flush()
}
