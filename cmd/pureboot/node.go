package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pureboot/pureboot/pkg/client"
)

var serverAddr string

func apiClient() *client.Client {
	return client.New(serverAddr)
}

func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		ctx, cancel := cliContext()
		defer cancel()

		nodes, err := apiClient().ListNodes(ctx, state)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMAC\tHOSTNAME\tSTATE\tLAST SEEN")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				n.ID, n.MAC, n.Hostname, n.State, n.LastSeen.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var nodeShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		node, err := apiClient().GetNode(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:           %s\n", node.ID)
		fmt.Printf("MAC:          %s\n", node.MAC)
		fmt.Printf("Hostname:     %s\n", node.Hostname)
		fmt.Printf("State:        %s\n", node.State)
		fmt.Printf("Architecture: %s\n", node.Architecture)
		fmt.Printf("Boot mode:    %s\n", node.BootMode)
		if node.WorkflowID != nil {
			fmt.Printf("Workflow:     %s\n", *node.WorkflowID)
		}
		if node.CloneSession != nil {
			fmt.Printf("Clone:        %s\n", *node.CloneSession)
		}
		fmt.Printf("Last seen:    %s\n", node.LastSeen.Format(time.RFC3339))
		return nil
	},
}

var nodeSetStateCmd = &cobra.Command{
	Use:   "set-state ID STATE",
	Short: "Transition a node to a new lifecycle state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		node, err := apiClient().ChangeState(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s is now %s\n", node.ID, node.State)
		return nil
	},
}

var nodeEventsCmd = &cobra.Command{
	Use:   "events ID",
	Short: "Show a node's recent event history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		events, err := apiClient().NodeEvents(ctx, args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tKIND\tSOURCE\tDETAIL")
		for _, e := range events {
			detail := e.Trigger
			if e.From != "" || e.To != "" {
				detail = fmt.Sprintf("%s -> %s (%s)", e.From, e.To, e.Trigger)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.Timestamp.Format(time.RFC3339), e.Kind, e.Source, detail)
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show fleet statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		stats, err := apiClient().Stats(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Total nodes:          %d\n", stats.Total)
		fmt.Printf("Discovered last hour: %d\n", stats.DiscoveredLastHour)
		fmt.Printf("Installing:           %d\n", stats.InstallingCount)
		for state, count := range stats.ByState {
			fmt.Printf("  %-16s %d\n", state, count)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "http://127.0.0.1:8080", "Controller API address")

	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeShowCmd)
	nodeCmd.AddCommand(nodeSetStateCmd)
	nodeCmd.AddCommand(nodeEventsCmd)

	nodeListCmd.Flags().String("state", "", "Filter by lifecycle state")

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(statsCmd)
}
