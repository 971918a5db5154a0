package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/client"
	"github.com/alfredjeanlab/conveyance/internal/server"
	"github.com/alfredjeanlab/conveyance/internal/ui"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the update service",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		useGRPC, _ := cmd.Flags().GetBool("grpc-check")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if useGRPC {
			return grpcHealth(ctx, cmd)
		}

		h, err := apiClient.Health(ctx)
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), h); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Health:  %s\n", ui.RenderStatus(h.Status))
			fmt.Fprintf(cmd.OutOrStdout(), "Origin:  %s\n", h.Origin)
			fmt.Fprintf(cmd.OutOrStdout(), "Updates: %d\n", h.Updates)
			if h.Store != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Store:   %s\n", h.Store)
			}
		}
		if h.Status != "ok" {
			return fmt.Errorf("unhealthy: %s", h.Status)
		}
		return nil
	},
}

func grpcHealth(ctx context.Context, cmd *cobra.Command) error {
	hc, err := client.NewHealthClient(grpcAddr)
	if err != nil {
		return err
	}
	defer hc.Close()

	if jsonOutput {
		data, err := hc.CheckJSON(ctx, server.ServiceName)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	resp, err := hc.Check(ctx, server.ServiceName)
	if err != nil {
		return err
	}
	status := resp.GetStatus().String()
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", server.ServiceName, ui.RenderStatus(status))
	if status != "SERVING" {
		return fmt.Errorf("unhealthy: %s", status)
	}
	return nil
}

var presenceCmd = &cobra.Command{
	Use:     "presence",
	Short:   "Show who is currently viewing the transaction",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient.Presence(context.Background())
		if err != nil {
			return fmt.Errorf("getting presence: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), p)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VIEWER\tROLE\tSTAGE\tCONNECTED\tIDLE\tLAST")
		for _, e := range p.Viewers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
				e.Viewer,
				ui.RenderRole(e.Role),
				e.Stage,
				e.Connected,
				(time.Duration(e.IdleSecs) * time.Second).String(),
				e.LastActivity,
			)
		}
		w.Flush()
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d viewers, %d live streams\n", len(p.Viewers), p.Streams)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:     "reset",
	Short:   "Clear every update, document, and proposal",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("reset clears the whole platform; re-run with --yes to confirm")
		}
		if err := checkWarning(apiClient.Reset(context.Background())); err != nil {
			return fmt.Errorf("resetting: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "platform reset")
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:     "reload",
	Short:   "Reload server state from its store",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := apiClient.Reload(context.Background())
		if err := checkWarning(err); err != nil {
			return fmt.Errorf("reloading: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reloaded %d updates\n", n)
		return nil
	},
}

func init() {
	healthCmd.Flags().Bool("grpc-check", false, "check the gRPC health service at --grpc instead of HTTP")
	resetCmd.Flags().Bool("yes", false, "confirm the reset")
}
