package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Show recorded session history",
	Long: `List sessions recorded at state.sessions. Every run and repl appends its
session there on exit.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	a, err := wireApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	url := a.cfg.State.Sessions
	if url == "" {
		return errors.New("state.sessions is not configured")
	}
	if _, err := a.sessions.LoadSessions(cmd.Context(), url); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tENV\tSTATUS\tCREATED\tENDED\tREASON")
	for _, s := range a.sessions.ListSessions() {
		ended := "-"
		if !s.EndedAt.IsZero() {
			ended = s.EndedAt.Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Username, s.EnvironmentID, s.Status, s.CreatedAt.Format(time.DateTime), ended, s.EndReason)
	}
	return w.Flush()
}
