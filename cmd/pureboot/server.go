package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pureboot/pureboot/pkg/api"
	"github.com/pureboot/pureboot/pkg/boot"
	"github.com/pureboot/pureboot/pkg/clone"
	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/health"
	"github.com/pureboot/pureboot/pkg/journal"
	"github.com/pureboot/pureboot/pkg/locks"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/metrics"
	"github.com/pureboot/pureboot/pkg/partition"
	"github.com/pureboot/pureboot/pkg/reconciler"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/security"
	"github.com/pureboot/pureboot/pkg/staging"
	"github.com/pureboot/pureboot/pkg/state"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/version"
	"github.com/pureboot/pureboot/pkg/workflow"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the PureBoot controller",
	Long: `Run the PureBoot controller: the HTTP API, the iPXE script
source, the TFTP bootloader server, and the optional proxy-DHCP helper.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", version.Version).Msg("starting pureboot controller")
	metrics.SetVersion(version.Version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewGORMStore(&cfg.Database)
	if err != nil {
		metrics.RegisterComponent("database", false, err.Error())
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("database", true, "")

	jnl, err := journal.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open event journal: %w", err)
	}
	defer jnl.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	recorder := events.NewRecorder(store, jnl, broker)

	keyed := locks.NewKeyed()
	reg := registry.New(store, recorder, keyed)
	machine := state.New(store, recorder, keyed)

	workflows := workflow.NewRegistry(cfg.Workflows.Dir, store)
	if err := os.MkdirAll(cfg.Workflows.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workflow directory: %w", err)
	}
	if err := workflows.Load(cmd.Context()); err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}
	logger.Info().Int("count", len(workflows.List())).Msg("workflows loaded")

	var brokers []staging.Broker
	if cfg.Staging.NFS.Configured() {
		brokers = append(brokers, staging.NewNFSBroker(cfg.Staging.NFS))
		logger.Info().Str("server", cfg.Staging.NFS.Server).Msg("nfs staging enabled")
	}
	if cfg.Staging.ISCSI.Configured() {
		brokers = append(brokers, staging.NewISCSIBroker(cfg.Staging.ISCSI))
		logger.Info().Str("portal", cfg.Staging.ISCSI.Portal).Msg("iscsi staging enabled")
	}

	monitor := health.NewMonitor(health.DefaultConfig())
	if cfg.Staging.NFS.Configured() {
		monitor.Add("staging_nfs", health.NewTCPChecker(cfg.Staging.NFS.Server+":2049"))
	}
	if cfg.Staging.ISCSI.Configured() {
		monitor.Add("staging_iscsi", health.NewTCPChecker(cfg.Staging.ISCSI.Portal))
	}
	monitor.Start()
	defer monitor.Stop()

	keeper := security.NewKeeper(cfg.Clone.CertGrace)
	clones := clone.NewManager(store, recorder, keeper, brokers, keyed, cfg.Clone)
	queue := partition.NewQueue(store, recorder, keyed, cfg.Partition)
	dispatcher := boot.NewDispatcher(reg, store, workflows, cfg.HTTP.BaseURL)

	// TFTP bootloader server
	var tftpServer *boot.TFTPServer
	if cfg.TFTP.Enabled {
		if err := boot.EnsureBootloaderTree(cfg.TFTP.Root); err != nil {
			return fmt.Errorf("failed to prepare tftp root: %w", err)
		}
		tftpServer = boot.NewTFTPServer(cfg.TFTP)
		go func() {
			if err := tftpServer.ListenAndServe(); err != nil {
				metrics.RegisterComponent("tftp", false, err.Error())
				logger.Error().Err(err).Msg("tftp server failed")
				return
			}
		}()
		metrics.RegisterComponent("tftp", true, "")
		logger.Info().Str("addr", cfg.TFTP.ListenAddr).Str("root", cfg.TFTP.Root).Msg("tftp server listening")
	}

	// Proxy-DHCP helper
	var proxyDHCP *boot.ProxyDHCP
	dhcpCfg := cfg.ProxyDHCP
	if dhcpCfg.Enabled {
		if dhcpCfg.NextServer == "" {
			dhcpCfg.NextServer = hostOf(cfg.HTTP.BaseURL)
		}
		proxyDHCP, err = boot.NewProxyDHCP(dhcpCfg)
		if err != nil {
			return fmt.Errorf("failed to create proxy-dhcp: %w", err)
		}
		go func() {
			if err := proxyDHCP.ListenAndServe(); err != nil {
				metrics.RegisterComponent("proxy_dhcp", false, err.Error())
				logger.Error().Err(err).Msg("proxy-dhcp failed")
				return
			}
		}()
		metrics.RegisterComponent("proxy_dhcp", true, "")
		logger.Info().Str("addr", dhcpCfg.ListenAddr).Str("next_server", dhcpCfg.NextServer).Msg("proxy-dhcp listening")
	}

	recon := reconciler.New(clones, queue, 30*time.Second)
	recon.Start()
	defer recon.Stop()

	collector := metrics.NewCollector(store, keeper.Live)
	collector.Start()
	defer collector.Stop()

	apiServer := api.NewServer(cfg.HTTP, api.Deps{
		Registry:   reg,
		Machine:    machine,
		Workflows:  workflows,
		Dispatcher: dispatcher,
		Clones:     clones,
		Queue:      queue,
		Journal:    jnl,
		Store:      store,
		Broker:     broker,
		DHCPStatus: func() map[string]any {
			status := map[string]any{"enabled": dhcpCfg.Enabled}
			if dhcpCfg.Enabled {
				status["listen_addr"] = dhcpCfg.ListenAddr
				status["next_server"] = dhcpCfg.NextServer
			}
			return status
		},
	})

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown incomplete")
	}
	if tftpServer != nil {
		tftpServer.Shutdown()
	}
	if proxyDHCP != nil {
		proxyDHCP.Shutdown()
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func hostOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
