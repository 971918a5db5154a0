package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/alfredjeanlab/conveyance/internal/client"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/ui"
	"github.com/alfredjeanlab/conveyance/internal/views"
)

const timeLayout = "2006-01-02 15:04:05"

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// checkWarning prints a server persistence warning to stderr and clears it.
// Any other error is returned unchanged.
func checkWarning(err error) error {
	var w *client.Warning
	if errors.As(err, &w) {
		if w != nil {
			fmt.Fprintln(os.Stderr, ui.RenderWarning("warning: "+w.Message))
		}
		return nil
	}
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func printUpdateRecord(w io.Writer, r *model.UpdateRecord) {
	fmt.Fprintf(w, "ID:          %s\n", r.ID)
	fmt.Fprintf(w, "Type:        %s\n", r.Type)
	fmt.Fprintf(w, "Stage:       %s\n", r.Stage)
	fmt.Fprintf(w, "Role:        %s\n", ui.RenderRole(r.Role))
	fmt.Fprintf(w, "Title:       %s\n", r.Title)
	if r.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", r.Description)
	}
	if r.Data != nil {
		if data, err := json.Marshal(r.Data); err == nil && string(data) != "{}" {
			fmt.Fprintf(w, "Data:        %s\n", data)
		}
	}
	fmt.Fprintf(w, "Timestamp:   %s\n", r.Timestamp.Format(timeLayout))
	fmt.Fprintf(w, "Read:        %t\n", r.Read)
}

func printUpdatesTable(w io.Writer, recs []model.UpdateRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, " \tID\tTIME\tSTAGE\tROLE\tTYPE\tTITLE")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ui.RenderUnread(r.Read),
			r.ID,
			r.Timestamp.Format(timeLayout),
			r.Stage,
			ui.RenderRole(r.Role),
			r.Type,
			truncate(r.Title, 50),
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d updates\n", len(recs))
}

func printStatusesTable(w io.Writer, stage model.Stage, statuses []views.ItemStatus, completed bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tSTATUS\tPREVIOUS\tROLE\tUPDATED")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.ItemID,
			ui.RenderStatus(s.Status),
			s.PreviousStatus,
			ui.RenderRole(s.Role),
			s.UpdatedAt.Format(timeLayout),
		)
	}
	tw.Flush()
	state := "in progress"
	if completed {
		state = ui.RenderStatus("completed")
	}
	fmt.Fprintf(w, "\nstage %s: %s\n", stage, state)
}

func printDocument(w io.Writer, d *model.DocumentRecord) {
	fmt.Fprintf(w, "ID:          %s\n", d.ID)
	fmt.Fprintf(w, "Name:        %s\n", d.Name)
	fmt.Fprintf(w, "Stage:       %s\n", d.Stage)
	fmt.Fprintf(w, "Status:      %s\n", ui.RenderStatus(string(d.Status)))
	fmt.Fprintf(w, "From:        %s\n", ui.RenderRole(d.UploadedBy))
	fmt.Fprintf(w, "To:          %s\n", ui.RenderRole(d.Recipient))
	fmt.Fprintf(w, "Size:        %d\n", d.Size)
	fmt.Fprintf(w, "Downloads:   %d\n", d.DownloadCount)
	if d.Priority != "" {
		fmt.Fprintf(w, "Priority:    %s\n", d.Priority)
	}
	if d.Deadline != nil {
		fmt.Fprintf(w, "Deadline:    %s\n", d.Deadline.Format(timeLayout))
	}
	if d.CoverMessage != "" {
		fmt.Fprintf(w, "Message:     %s\n", d.CoverMessage)
	}
	fmt.Fprintf(w, "Uploaded At: %s\n", d.UploadedAt.Format(timeLayout))
	if d.ReviewedAt != nil {
		fmt.Fprintf(w, "Reviewed At: %s\n", d.ReviewedAt.Format(timeLayout))
	}
}

func printDocumentsTable(w io.Writer, docs []model.DocumentRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTAGE\tFROM\tTO\tSIZE\tNAME")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			d.ID,
			ui.RenderStatus(string(d.Status)),
			d.Stage,
			ui.RenderRole(d.UploadedBy),
			ui.RenderRole(d.Recipient),
			d.Size,
			truncate(d.Name, 40),
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d documents\n", len(docs))
}

func printProposal(w io.Writer, p *model.CompletionProposal) {
	when := p.Date
	if p.Time != "" {
		when += " " + p.Time
	}
	fmt.Fprintf(w, "ID:          %s\n", p.ID)
	fmt.Fprintf(w, "Transaction: %s\n", p.TransactionID)
	fmt.Fprintf(w, "Date:        %s\n", when)
	fmt.Fprintf(w, "Proposed By: %s\n", ui.RenderRole(p.ProposedBy))
	fmt.Fprintf(w, "Status:      %s\n", ui.RenderStatus(string(p.Status)))
	if p.Reason != "" {
		fmt.Fprintf(w, "Reason:      %s\n", p.Reason)
	}
	for _, r := range p.Responses {
		line := fmt.Sprintf("%s %s", ui.RenderRole(r.Role), r.Decision)
		if r.Message != "" {
			line += ": " + r.Message
		}
		fmt.Fprintf(w, "Response:    %s (%s)\n", line, r.Timestamp.Format(timeLayout))
	}
}

func printProposalsTable(w io.Writer, ps []model.CompletionProposal, accepted *model.CompletionProposal) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tDATE\tTIME\tPROPOSED BY\tREASON")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID,
			ui.RenderStatus(string(p.Status)),
			p.Date,
			p.Time,
			ui.RenderRole(p.ProposedBy),
			truncate(p.Reason, 40),
		)
	}
	tw.Flush()
	if accepted != nil {
		fmt.Fprintf(w, "\nagreed completion date: %s (%s)\n", accepted.Date, accepted.ID)
	} else {
		fmt.Fprintf(w, "\n%d proposals, no date agreed\n", len(ps))
	}
}
