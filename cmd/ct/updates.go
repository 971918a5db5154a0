package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/conveyance/internal/client"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:     "send <type> <stage> <title>",
	Short:   "Send an update as the acting role",
	GroupID: "updates",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := currentRole()
		if err != nil {
			return err
		}
		desc, _ := cmd.Flags().GetString("description")
		data, _ := cmd.Flags().GetString("data")
		id, _ := cmd.Flags().GetString("id")

		req := &client.SendUpdateRequest{
			ID:          id,
			Type:        model.UpdateType(args[0]),
			Stage:       model.Stage(args[1]),
			Role:        role,
			Title:       args[2],
			Description: desc,
		}
		if data != "" {
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data is not valid JSON")
			}
			req.Data = json.RawMessage(data)
		}

		rec, err := apiClient.SendUpdate(context.Background(), req)
		if err := checkWarning(err); err != nil {
			return fmt.Errorf("sending update: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), rec)
		}
		printUpdateRecord(cmd.OutOrStdout(), rec)
		return nil
	},
}

var updatesCmd = &cobra.Command{
	Use:     "updates",
	Short:   "List updates",
	GroupID: "updates",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, _ := cmd.Flags().GetString("stage")
		from, _ := cmd.Flags().GetString("from")
		typ, _ := cmd.Flags().GetString("type")
		unread, _ := cmd.Flags().GetBool("unread")
		timeline, _ := cmd.Flags().GetBool("timeline")

		recs, err := apiClient.ListUpdates(context.Background(), &client.ListUpdatesRequest{
			Stage:    model.Stage(stage),
			Role:     model.Role(from),
			Type:     model.UpdateType(typ),
			Unread:   unread,
			Timeline: timeline,
		})
		if err != nil {
			return fmt.Errorf("listing updates: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), recs)
		}
		printUpdatesTable(cmd.OutOrStdout(), recs)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:     "read <update-id>...",
	Short:   "Mark updates as read",
	GroupID: "updates",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			found, err := apiClient.MarkRead(context.Background(), id)
			if err := checkWarning(err); err != nil {
				return fmt.Errorf("marking %s read: %w", id, err)
			}
			if !found {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: not found\n", id)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: read\n", id)
		}
		return nil
	},
}

var statusesCmd = &cobra.Command{
	Use:     "statuses <stage>",
	Short:   "Show the latest status of every item in a stage",
	GroupID: "updates",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient.StageStatuses(context.Background(), model.Stage(args[0]))
		if err != nil {
			return fmt.Errorf("getting statuses: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		printStatusesTable(cmd.OutOrStdout(), resp.Stage, resp.Statuses, resp.Completed)
		return nil
	},
}

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Short:   "Show updates addressed to the acting role",
	GroupID: "updates",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := currentRole()
		if err != nil {
			return err
		}
		recs, err := apiClient.Notifications(context.Background(), role)
		if err != nil {
			return fmt.Errorf("getting notifications: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), recs)
		}
		printUpdatesTable(cmd.OutOrStdout(), recs)
		return nil
	},
}

func init() {
	sendCmd.Flags().String("description", "", "longer description")
	sendCmd.Flags().String("data", "", "type-specific payload as JSON")
	sendCmd.Flags().String("id", "", "explicit update id (default generated)")

	updatesCmd.Flags().String("stage", "", "filter by stage")
	updatesCmd.Flags().String("from", "", "filter by sending role")
	updatesCmd.Flags().String("type", "", "filter by update type")
	updatesCmd.Flags().Bool("unread", false, "only unread updates")
	updatesCmd.Flags().Bool("timeline", false, "order by timestamp instead of arrival")
}
