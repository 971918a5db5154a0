package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/documents"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/spf13/cobra"
)

var docCmd = &cobra.Command{
	Use:     "doc",
	Short:   "Send, list, download, and review documents",
	GroupID: "documents",
}

var docSendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Send a document to another role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := currentRole()
		if err != nil {
			return err
		}
		stage, _ := cmd.Flags().GetString("stage")
		to, _ := cmd.Flags().GetString("to")
		name, _ := cmd.Flags().GetString("name")
		message, _ := cmd.Flags().GetString("message")
		priority, _ := cmd.Flags().GetString("priority")
		deadline, _ := cmd.Flags().GetString("deadline")

		content, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		if name == "" {
			name = filepath.Base(args[0])
		}
		in := &documents.SendInput{
			Name:         name,
			Stage:        model.Stage(stage),
			UploadedBy:   role,
			Recipient:    model.Role(to),
			Content:      content,
			CoverMessage: message,
			Priority:     model.DocumentPriority(priority),
		}
		if deadline != "" {
			t, err := parseDeadline(deadline)
			if err != nil {
				return err
			}
			in.Deadline = &t
		}

		doc, err := apiClient.SendDocument(context.Background(), in)
		if err := checkWarning(err); err != nil {
			return fmt.Errorf("sending document: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), doc)
		}
		printDocument(cmd.OutOrStdout(), doc)
		return nil
	},
}

// parseDeadline accepts an RFC 3339 timestamp or a plain YYYY-MM-DD date,
// which is read as the end of that day in UTC.
func parseDeadline(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid deadline %q (want YYYY-MM-DD or RFC 3339)", s)
	}
	return d.Add(24*time.Hour - time.Second), nil
}

var docListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents visible to the acting role",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, _ := cmd.Flags().GetString("stage")
		all, _ := cmd.Flags().GetBool("all")

		var role model.Role
		if !all {
			r, err := currentRole()
			if err != nil {
				return err
			}
			role = r
		}
		docs, err := apiClient.ListDocuments(context.Background(), role, model.Stage(stage))
		if err != nil {
			return fmt.Errorf("listing documents: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), docs)
		}
		printDocumentsTable(cmd.OutOrStdout(), docs)
		return nil
	},
}

var docGetCmd = &cobra.Command{
	Use:   "get <document-id>",
	Short: "Download a document's content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := currentRole()
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("output")

		data, err := apiClient.DownloadDocument(context.Background(), args[0], role)
		if err := checkWarning(err); err != nil {
			return fmt.Errorf("downloading document: %w", err)
		}
		if out == "" || out == "-" {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", len(data), out)
		return nil
	},
}

var docReviewCmd = &cobra.Command{
	Use:   "review <document-id>",
	Short: "Mark a downloaded document as reviewed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := currentRole()
		if err != nil {
			return err
		}
		doc, err := apiClient.ReviewDocument(context.Background(), args[0], role)
		if err := checkWarning(err); err != nil {
			return fmt.Errorf("reviewing document: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), doc)
		}
		printDocument(cmd.OutOrStdout(), doc)
		return nil
	},
}

func init() {
	docSendCmd.Flags().String("stage", "", "stage the document belongs to (required)")
	docSendCmd.Flags().String("to", "", "recipient role (required)")
	docSendCmd.Flags().String("name", "", "document name (default file name)")
	docSendCmd.Flags().String("message", "", "cover message")
	docSendCmd.Flags().String("priority", "", "low, normal, high, or urgent")
	docSendCmd.Flags().String("deadline", "", "review deadline (YYYY-MM-DD or RFC 3339)")
	_ = docSendCmd.MarkFlagRequired("stage")
	_ = docSendCmd.MarkFlagRequired("to")

	docListCmd.Flags().String("stage", "", "filter by stage")
	docListCmd.Flags().Bool("all", false, "list every document regardless of role")

	docGetCmd.Flags().StringP("output", "o", "", "write content to file instead of stdout")

	docCmd.AddCommand(docSendCmd)
	docCmd.AddCommand(docListCmd)
	docCmd.AddCommand(docGetCmd)
	docCmd.AddCommand(docReviewCmd)
}
