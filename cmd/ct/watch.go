package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/client"
	"github.com/alfredjeanlab/conveyance/internal/events"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/ui"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Stream live updates",
	GroupID: "updates",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		topics, _ := cmd.Flags().GetStringSlice("topic")
		stage, _ := cmd.Flags().GetString("stage")
		excludeOwn, _ := cmd.Flags().GetBool("exclude-own")
		natsURL, _ := cmd.Flags().GetString("nats")
		lastID, _ := cmd.Flags().GetString("since")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if natsURL == "" {
			natsURL = activeRemoteNATSURL()
		}
		if natsURL != "" {
			return watchNATS(ctx, cmd.OutOrStdout(), natsURL, topics)
		}

		req := &client.StreamRequest{
			Topics:      topics,
			Stage:       model.Stage(stage),
			Role:        model.Role(roleFlag),
			ExcludeOwn:  excludeOwn,
			LastEventID: lastID,
		}
		return apiClient.Stream(ctx, req, func(e client.StreamEvent) error {
			printStreamEvent(cmd.OutOrStdout(), e)
			return nil
		})
	},
}

func printStreamEvent(w io.Writer, e client.StreamEvent) {
	if jsonOutput {
		_ = printJSON(w, e)
		return
	}
	switch {
	case e.Record != nil:
		printEventLine(w, e.Topic, e.Record)
	case e.Kind == "read":
		fmt.Fprintf(w, "%s  %s  %s\n", time.Now().Format(time.TimeOnly), ui.RenderMuted(e.Topic), e.RecordID)
	case e.Kind == "reloaded":
		fmt.Fprintf(w, "%s  %s  %d updates\n", time.Now().Format(time.TimeOnly), ui.RenderMuted(e.Topic), e.Total)
	default:
		fmt.Fprintf(w, "%s  %s\n", time.Now().Format(time.TimeOnly), ui.RenderAccent(e.Topic))
	}
}

func printEventLine(w io.Writer, topic string, r *model.UpdateRecord) {
	fmt.Fprintf(w, "%s  %s  %s  %s  %s  %s\n",
		r.Timestamp.Local().Format(time.TimeOnly),
		ui.RenderMuted(topic),
		r.Stage,
		ui.RenderRole(r.Role),
		r.Type,
		r.Title,
	)
}

// watchNATS reads the bus directly. It sees every context's traffic, not
// just the one server's stream.
func watchNATS(ctx context.Context, w io.Writer, natsURL string, topics []string) error {
	bus, err := events.NewNATSBus(natsURL,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats: disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats: reconnected")
		}),
	)
	if err != nil {
		return err
	}
	defer bus.Close()

	pattern := events.TopicAll
	if len(topics) == 1 {
		pattern = topics[0]
	}
	ch, cancel, err := bus.Subscribe(pattern)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := events.DecodeEnvelope(raw)
			if err != nil {
				slog.Warn("skipping malformed message", "error", err)
				continue
			}
			if !matchesAny(topics, env.Topic) {
				continue
			}
			printEnvelope(w, env)
		}
	}
}

func matchesAny(patterns []string, topic string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if events.SubjectMatches(p, topic) {
			return true
		}
	}
	return false
}

func printEnvelope(w io.Writer, env events.Envelope) {
	if jsonOutput {
		_ = printJSON(w, env)
		return
	}
	origin := ui.RenderMuted("[" + env.Origin + "]")
	switch {
	case env.Record != nil:
		fmt.Fprintf(w, "%s ", origin)
		printEventLine(w, env.Topic, env.Record)
	default:
		detail := strings.TrimSpace(env.RecordID + " " + env.Key)
		fmt.Fprintf(w, "%s %s  %s  %s\n", origin, time.Now().Format(time.TimeOnly), ui.RenderAccent(env.Topic), detail)
	}
}

func init() {
	watchCmd.Flags().StringSlice("topic", nil, "topic patterns to follow (e.g. conveyance.update.>)")
	watchCmd.Flags().String("stage", "", "only events for this stage")
	watchCmd.Flags().Bool("exclude-own", false, "hide updates sent by the acting role")
	watchCmd.Flags().String("nats", "", "read the NATS bus directly instead of the server stream")
	watchCmd.Flags().String("since", "", "resume after this event id")
}
