package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/version"
	"github.com/pureboot/pureboot/pkg/workflow"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pureboot",
	Short: "PureBoot - bare-metal provisioning control plane",
	Long: `PureBoot network-boots machines from bare silicon to a running OS:
PXE dispatch, lifecycle tracking, disk cloning over mTLS or staging,
and partition orchestration, all from a single binary.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"PureBoot version %s\nCommit: %s\nBuilt: %s\n",
		version.Version, version.Commit, version.BuildDate,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(workflowCmd)
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Println("Configuration OK")
		fmt.Printf("  Data directory: %s\n", cfg.DataDir)
		fmt.Printf("  HTTP listen:    %s\n", cfg.HTTP.ListenAddr)
		fmt.Printf("  Base URL:       %s\n", cfg.HTTP.BaseURL)
		fmt.Printf("  Database:       %s\n", cfg.Database.Type)
		fmt.Printf("  TFTP enabled:   %v\n", cfg.TFTP.Enabled)
		fmt.Printf("  ProxyDHCP:      %v\n", cfg.ProxyDHCP.Enabled)
		return nil
	},
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect workflow definitions",
}

var workflowLintCmd = &cobra.Command{
	Use:   "lint DIR",
	Short: "Parse and validate every workflow in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := workflow.NewRegistry(args[0], nil)
		if err := reg.Load(context.Background()); err != nil {
			return err
		}
		for _, wf := range reg.List() {
			fmt.Printf("  %-24s %-12s %s\n", wf.ID, wf.InstallMethod, wf.Name)
		}
		fmt.Printf("%d workflow(s) OK\n", len(reg.List()))
		return nil
	},
}

func init() {
	workflowCmd.AddCommand(workflowLintCmd)
}
