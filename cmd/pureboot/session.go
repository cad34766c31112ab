package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage clone sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clone sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		sessions, err := apiClient().ListSessions(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMODE\tSTATUS\tSOURCE\tTARGET\tCREATED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.Mode, s.Status, s.SourceNodeID, s.TargetNodeID,
				s.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a clone session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		session, err := apiClient().CancelSession(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("session %s is %s\n", session.ID, session.Status)
		return nil
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows loaded on the controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		workflows, err := apiClient().ListWorkflows(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMETHOD\tNAME")
		for _, wf := range workflows {
			fmt.Fprintf(w, "%s\t%s\t%s\n", wf.ID, wf.InstallMethod, wf.Name)
		}
		return w.Flush()
	},
}

var workflowReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload workflow definitions on the controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		if err := apiClient().ReloadWorkflows(ctx); err != nil {
			return err
		}
		fmt.Println("workflows reloaded")
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionCancelCmd)
	rootCmd.AddCommand(sessionCmd)

	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowReloadCmd)
}
