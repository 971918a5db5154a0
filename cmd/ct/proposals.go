package main

import (
	"context"
	"fmt"

	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/proposals"
	"github.com/spf13/cobra"
)

var proposeCmd = &cobra.Command{
	Use:     "propose <date> [time]",
	Short:   "Propose a completion date (YYYY-MM-DD, optional HH:MM)",
	GroupID: "proposals",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := currentRole()
		if err != nil {
			return err
		}
		tx, _ := cmd.Flags().GetString("transaction")
		reason, _ := cmd.Flags().GetString("reason")

		in := &proposals.ProposeInput{
			TransactionID: tx,
			Date:          args[0],
			ProposedBy:    role,
			Reason:        reason,
		}
		if len(args) == 2 {
			in.Time = args[1]
		}
		p, err := apiClient.Propose(context.Background(), in)
		if err != nil {
			return fmt.Errorf("proposing date: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), p)
		}
		printProposal(cmd.OutOrStdout(), p)
		return nil
	},
}

var proposalsCmd = &cobra.Command{
	Use:     "proposals",
	Short:   "List completion date proposals",
	GroupID: "proposals",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tx, _ := cmd.Flags().GetString("transaction")
		resp, err := apiClient.ListProposals(context.Background(), tx)
		if err != nil {
			return fmt.Errorf("listing proposals: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		printProposalsTable(cmd.OutOrStdout(), resp.Proposals, resp.Accepted)
		return nil
	},
}

var acceptCmd = &cobra.Command{
	Use:     "accept <proposal-id>",
	Short:   "Accept the other side's proposed completion date",
	GroupID: "proposals",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], model.DecisionAccept)
	},
}

var rejectCmd = &cobra.Command{
	Use:     "reject <proposal-id>",
	Short:   "Reject the other side's proposed completion date",
	GroupID: "proposals",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], model.DecisionReject)
	},
}

func decide(cmd *cobra.Command, id string, d model.Decision) error {
	role, err := currentRole()
	if err != nil {
		return err
	}
	message, _ := cmd.Flags().GetString("message")

	var dec *proposals.Decision
	if d == model.DecisionAccept {
		dec, err = apiClient.Accept(context.Background(), id, role, message)
	} else {
		dec, err = apiClient.Reject(context.Background(), id, role, message)
	}
	if err != nil {
		return fmt.Errorf("%s proposal %s: %w", d, id, err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), dec)
	}
	printProposal(cmd.OutOrStdout(), &dec.Proposal)
	for _, sid := range dec.Superseded {
		fmt.Fprintf(cmd.OutOrStdout(), "superseded: %s\n", sid)
	}
	return nil
}

func init() {
	proposeCmd.Flags().String("transaction", "", "transaction id (default transaction when empty)")
	proposeCmd.Flags().String("reason", "", "reason for the proposed date")

	proposalsCmd.Flags().String("transaction", "", "transaction id (default transaction when empty)")

	acceptCmd.Flags().String("message", "", "message to the proposer")
	rejectCmd.Flags().String("message", "", "reason for rejecting")
}
