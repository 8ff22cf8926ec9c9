package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/srg/iotgw/internal/ble"
	"github.com/srg/iotgw/internal/devicemgr"
	"github.com/srg/iotgw/internal/groutine"
	"github.com/srg/iotgw/internal/gwmsg"
	"github.com/srg/iotgw/internal/uplink"
	"github.com/srg/iotgw/internal/virtualdev"
	"github.com/srg/iotgw/pkg/config"
)

// evictionInterval bounds how often stale BLE device records are dropped.
// It runs independently of any single adapter's own timers.
const evictionInterval = time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway: bring up the BLE adapter and connect to the server",
	RunE:  runGateway,
}

func init() {
	runCmd.Flags().String("adapter", "hci0", "BLE adapter name to bring up")
	runCmd.Flags().String("virtual-devices", "", "path to a YAML file of virtual device definitions")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

// dispatchCommand runs a routed command against devices and returns the
// single reply the uplink enqueues. GatewayListenCommand can produce many
// NewDeviceRequest messages; all but the last are pushed straight onto the
// connector's send queue, and the last one is returned so the uplink's
// single-reply enqueue still delivers it.
func dispatchCommand(devices *devicemgr.Manager, conn *uplink.Connector, cmd gwmsg.GWMessage) gwmsg.GWMessage {
	answer := make(chan gwmsg.GWMessage)
	done := make(chan struct{})
	go func() {
		devices.Handle(cmd, answer)
		close(done)
	}()

	var last gwmsg.GWMessage
	seen := false
	for {
		select {
		case msg := <-answer:
			if seen {
				conn.SendMessage(last)
			}
			last = msg
			seen = true
		case <-done:
			if !seen {
				return gwmsg.GWMessage{Kind: gwmsg.KindPong}
			}
			return last
		}
	}
}

// waitForReady polls the connector's state every 50ms until it reaches Ready
// or ctx is cancelled. The connector has no readiness channel of its own.
func waitForReady(ctx context.Context, conn *uplink.Connector) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for conn.State() != uplink.Ready {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	adapterName, _ := cmd.Flags().GetString("adapter")
	virtualDevicesPath, _ := cmd.Flags().GetString("virtual-devices")

	color.New(color.FgCyan, color.Bold).Printf("gateway %s starting\n", formatVersion(version))
	fmt.Printf("  uplink:  %s:%s (tls=%v)\n", cfg.Host, cfg.Port, cfg.UseTLS)
	fmt.Printf("  adapter: %s\n", adapterName)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	adapters := ble.NewAdapterManager(logger)
	adapter := adapters.Get(adapterName)
	if err := adapter.Up(ctx); err != nil {
		return fmt.Errorf("bring up adapter %s: %w", adapterName, err)
	}
	defer adapter.Down(context.Background())

	groutine.Go(ctx, "ble-eviction", func(loopCtx context.Context) {
		ticker := time.NewTicker(evictionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if evicted := adapter.EvictStale(cfg.LEMaxUnavailability); len(evicted) > 0 {
					logger.WithField("count", len(evicted)).Debug("ble: evicted stale device records")
				}
			}
		}
	})

	devices := devicemgr.New(nil, nil, logger)

	vdm := virtualdev.New(logger)
	if virtualDevicesPath != "" {
		data, err := os.ReadFile(virtualDevicesPath)
		if err != nil {
			return fmt.Errorf("read virtual devices: %w", err)
		}
		if err := vdm.LoadYAML(data, devices); err != nil {
			return fmt.Errorf("load virtual devices: %w", err)
		}
	}
	devices.RegisterDriver(vdm)

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return fmt.Errorf("build tls config: %w", err)
	}

	uplinkCfg := uplink.Config{
		Host:                cfg.Host,
		Port:                cfg.Port,
		TLS:                 tlsConfig,
		GatewayID:           cfg.GatewayID,
		Token:               cfg.Token,
		PollTimeout:         cfg.PollTimeout,
		ReceiveTimeout:      cfg.ReceiveTimeout,
		SendTimeout:         cfg.SendTimeout,
		RetryConnectTimeout: cfg.RetryConnectTimeout,
		BusySleep:           cfg.BusySleep,
		ResendTimeout:       cfg.ResendTimeout,
		MaxMessageSize:      cfg.MaxMessageSize,
		QueueCapacity:       cfg.QueueCapacity,
		ContextPoolCapacity: cfg.ContextPoolCapacity,
	}

	var conn *uplink.Connector
	conn = uplink.New(uplinkCfg, logger, func(cmd gwmsg.GWMessage) gwmsg.GWMessage {
		return dispatchCommand(devices, conn, cmd)
	})
	conn.Start(ctx)
	defer conn.Stop()

	groutine.Go(ctx, "device-list-sync", func(loopCtx context.Context) {
		waitForReady(loopCtx, conn)
		if loopCtx.Err() != nil {
			return
		}
		if err := devices.SyncDeviceList(conn, cfg.SendTimeout); err != nil {
			logger.WithError(err).Warn("devicemgr: initial device list sync failed")
		}
	})

	color.New(color.FgGreen).Println("gateway running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
