package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	agentlink "github.com/bjoelf/agentlink/adapter"
	"github.com/bjoelf/agentlink/adapter/websocket"
)

func newPortfolioCmd(a *app) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Print live portfolio updates",
		Long:  "Opens the per-user portfolio channel and prints each update until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if cfg.UserID == "" {
				return errors.New("--user is required for the portfolio feed")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			feed := websocket.NewPortfolioFeed(cfg, cfg.UserID, a.sessionProvider(cfg), nil, a.logger)
			defer feed.Close()

			feed.OnStateChange(func(s agentlink.ConnectionState) {
				if s == agentlink.StateErrored {
					fmt.Fprintln(cmd.ErrOrStderr(), "Connection lost. Please rerun to reconnect")
					stop()
				}
			})

			if err := feed.Connect(ctx); err != nil {
				return errors.New(agentlink.UserMessage(err))
			}

			out := cmd.OutOrStdout()
			received := 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case u := <-feed.Updates():
					fmt.Fprintf(out, "%s total=%.2f change24h=%+.2f%% holdings=%d\n",
						u.UserID, u.TotalValue, u.Change24h, len(u.Holdings))
					for _, h := range u.Holdings {
						fmt.Fprintf(out, "  %-8s %14.6f %12.2f\n", h.Symbol, h.Amount, h.Value)
					}
					received++
					if count > 0 && received >= count {
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "exit after this many updates (0 = run until interrupted)")
	return cmd
}
