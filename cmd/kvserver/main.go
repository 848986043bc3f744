package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pzhenzhou/pipekv/pkg/common"
	"github.com/pzhenzhou/pipekv/pkg/kvserver"
	"github.com/pzhenzhou/pipekv/pkg/metrics"
	"github.com/pzhenzhou/pipekv/pkg/web_service"
	cmux2 "github.com/soheilhy/cmux"
)

var (
	logger    = common.InitLogger().WithName("main")
	serverCfg common.ServerConfig
)

func main() {
	ctx := kong.Parse(&serverCfg,
		kong.Name("kvserver"),
		kong.Description("Example RESP key-value store used by the pipekv client tests and benchmark."))
	if err := serverCfg.Validate(); err != nil {
		ctx.FatalIfErrorf(err)
	}
	fmt.Print(kvserver.Banner)
	logger.Info("KVServer ", "Config", serverCfg)
	if err := SetupAllServer(); err != nil {
		logger.Error(err, "KVServer exited with error")
		os.Exit(-1)
	}
}

func SetupAllServer() error {
	srvListener, err := serverCfg.ServiceListener()
	if err != nil {
		return err
	}
	m := cmux2.New(srvListener)

	kvSrv := kvserver.NewKVServer(&serverCfg)
	var collector metrics.MetricsCollector
	if serverCfg.Metrics.EnableMetrics {
		collector, err = metrics.NewMetricsCollector(metrics.ConfigFromServer("pipekv-server", &serverCfg.Metrics))
		if err != nil {
			return err
		}
		defer collector.Shutdown()
		kvSrv.SetMetricsMiddleware(metrics.NewMetricsMiddleware(collector))
	}
	httpSrv := web_service.NewWebServer(&serverCfg, kvSrv.Store(), collector)

	signChan := make(chan os.Signal, 1)
	signal.Notify(signChan, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM)
	errChan := make(chan error, 3)
	go func() {
		if err := kvSrv.Start(); err != nil {
			errChan <- err
		}
	}()
	go func() {
		if err := httpSrv.Start(m); err != nil {
			errChan <- err
		}
	}()
	go func() {
		logger.Info("Starting cmux service...", "ServiceAddr", srvListener.Addr())
		if err := m.Serve(); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		logger.Error(err, "An error occurred when the server started.")
		return err
	case sig := <-signChan:
		logger.Info("Received signal, shutting down...", "Sigs", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
		kvSrv.Shutdown(ctx)
		_ = srvListener.Close()
		return nil
	}
}
