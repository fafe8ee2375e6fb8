package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or end the cached session",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the cached session without contacting the server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := a.config()
				if err != nil {
					return err
				}
				session, ok := a.sessionProvider(cfg).Current()
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "no session")
					return nil
				}
				state := "valid"
				if !session.Valid(time.Now()) {
					state = "expired"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "token:   %s\nexpires: %s (%s)\n",
					session.Token, session.ExpiresAt.Format(time.RFC3339), state)
				return nil
			},
		},
		&cobra.Command{
			Use:   "end",
			Short: "End the session on the server and forget it locally",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := a.config()
				if err != nil {
					return err
				}
				if err := a.sessionProvider(cfg).EndSession(cmd.Context(), ""); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "session ended")
				return nil
			},
		},
	)

	return cmd
}
