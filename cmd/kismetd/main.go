// Copyright 2025 Sophic Technical Solutions
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// kismetd is the monitoring daemon: it hosts the embedded web server, the
// event and message buses, and launches external helpers over the helper
// protocol.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Sophic-Technical-Solutions/kismet/internal/config"
	"github.com/Sophic-Technical-Solutions/kismet/internal/eventbus"
	"github.com/Sophic-Technical-Solutions/kismet/internal/external"
	"github.com/Sophic-Technical-Solutions/kismet/internal/ipctracker"
	"github.com/Sophic-Technical-Solutions/kismet/internal/log"
	"github.com/Sophic-Technical-Solutions/kismet/internal/msgbus"
	"github.com/Sophic-Technical-Solutions/kismet/internal/timetracker"
	"github.com/Sophic-Technical-Solutions/kismet/internal/webserver"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		helper     string
		helperArgs []string
		tcpListen  string
	)

	cmd := &cobra.Command{
		Use:     "kismetd",
		Short:   "Wireless monitoring daemon",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, helper, helperArgs, tcpListen)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to kismet.yaml")
	cmd.Flags().StringVar(&helper, "helper", "", "External helper binary to launch over IPC")
	cmd.Flags().StringArrayVar(&helperArgs, "helper-arg", nil, "Extra argument passed to the helper (repeatable)")
	cmd.Flags().StringVar(&tcpListen, "external-listen", "", "Listen address for remote external helpers (e.g. 127.0.0.1:3501)")

	return cmd
}

func run(configPath, helper string, helperArgs []string, tcpListen string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	bus := msgbus.NewBroker(log.WithComponent(logger, "msgbus"))
	events := eventbus.NewBroker()
	timers := timetracker.NewService()
	tracker := ipctracker.NewRegistry(log.WithComponent(logger, "ipc"))

	web := webserver.NewServer(webserver.Config{
		ListenAddr:   cfg.HTTP.ListenAddr,
		AuthSecret:   cfg.HTTP.AuthSecret,
		AuthTokenTTL: cfg.HTTP.AuthTokenTTL,
		Logger:       log.WithComponent(logger, "webserver"),
	})

	if err := web.Start(cfg.HTTP.ListenAddr); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}

	// Prometheus metrics on a plain mux beside the route registry.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe("127.0.0.1:2502", mux); err != nil {
			logger.Error("metrics server error", "error", err)
		}
	}()

	newEndpointOptions := func(binary string, args []string) external.Options {
		return external.Options{
			Logger:              log.WithComponent(logger, "external"),
			Msgbus:              bus,
			TimeTracker:         timers,
			IPCTracker:          tracker,
			EventBus:            events,
			Web:                 web,
			Binary:              binary,
			Args:                args,
			BinaryPaths:         cfg.ExpandHelperPaths(),
			PingInterval:        cfg.External.PingInterval,
			PongTimeoutMultiple: cfg.External.PongTimeoutMultiple,
			MaxFrameSize:        cfg.External.MaxFrameSize,
		}
	}

	var (
		endpointsMu sync.Mutex
		endpoints   []*external.Endpoint
	)
	addEndpoint := func(e *external.Endpoint) {
		endpointsMu.Lock()
		endpoints = append(endpoints, e)
		endpointsMu.Unlock()
	}

	if helper != "" {
		opts := newEndpointOptions(helper, helperArgs)
		opts.DevWatch = cfg.External.DevWatch

		e := external.NewEndpoint(opts)
		if err := e.RunIPC(); err != nil {
			return fmt.Errorf("failed to launch helper %s: %w", helper, err)
		}
		addEndpoint(e)
	}

	// Remote helpers connect over TCP; one endpoint per peer.
	var extListener net.Listener
	if tcpListen != "" {
		extListener, err = net.Listen("tcp", tcpListen)
		if err != nil {
			return fmt.Errorf("failed to listen for external helpers: %w", err)
		}

		go func() {
			for {
				conn, err := extListener.Accept()
				if err != nil {
					return
				}

				e := external.NewEndpoint(newEndpointOptions("", nil))
				if err := e.AttachTCP(conn); err != nil {
					logger.Error("failed to attach external socket", "error", err)
					conn.Close()
					continue
				}

				logger.Info("external helper connected", "remote", conn.RemoteAddr())
				addEndpoint(e)
			}
		}()
	}

	logger.Info("kismetd started", "http", cfg.HTTP.ListenAddr)

	// Wait for shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("shutting down", "signal", sig.String())

	endpointsMu.Lock()
	active := append([]*external.Endpoint(nil), endpoints...)
	endpointsMu.Unlock()

	for _, e := range active {
		e.SendShutdown("daemon exiting")
		e.IPCSoftKill()
	}

	// Give helpers a moment to exit before the hard teardown.
	time.Sleep(500 * time.Millisecond)

	for _, e := range active {
		e.Close()
	}

	if extListener != nil {
		extListener.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = web.Shutdown(ctx)

	timers.Shutdown()
	events.Shutdown()
	tracker.Wait()

	return nil
}
