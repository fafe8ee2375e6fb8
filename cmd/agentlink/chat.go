package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	agentlink "github.com/bjoelf/agentlink/adapter"
	"github.com/bjoelf/agentlink/adapter/websocket"
)

func newChatCmd(a *app) *cobra.Command {
	var (
		stream  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Ask the agents one question",
		Long:  "Sends one message on the chat channel. Agent progress goes to stderr, the answer to stdout.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}

			client := websocket.NewChatClient(cfg, a.sessionProvider(cfg), nil, a.logger)
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			streamed := false

			outcome, err := client.Ask(ctx, websocket.Message{
				Text:      strings.Join(args, " "),
				Streaming: stream,
				Timeout:   timeout,
				OnEvent: func(ev websocket.Event) {
					switch e := ev.(type) {
					case websocket.StatusEvent:
						fmt.Fprintf(errOut, "[%s] %s\n", e.Agent, e.Message)
					case websocket.ChunkEvent:
						streamed = true
						fmt.Fprint(out, e.Content)
					case websocket.WarningEvent:
						fmt.Fprintf(errOut, "still waiting after %s...\n", e.Elapsed)
					}
				},
			})
			if err != nil {
				return errors.New(agentlink.UserMessage(err))
			}

			if !streamed {
				fmt.Fprint(out, outcome.Content)
			}
			fmt.Fprintln(out)

			if len(outcome.Suggestions) > 0 {
				fmt.Fprintln(out, "\nSuggestions:")
				for _, s := range outcome.Suggestions {
					fmt.Fprintf(out, "  - %s\n", s)
				}
			}
			if outcome.LearningLevel > 0 {
				fmt.Fprintf(out, "Learning level: %d\n", outcome.LearningLevel)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&stream, "stream", true, "stream the answer as it is produced")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override the request timeout")
	return cmd
}
