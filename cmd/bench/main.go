package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/pzhenzhou/pipekv/pkg/common"
)

var (
	logger   = common.InitLogger().WithName("bench")
	benchCfg common.BenchConfig
)

func main() {
	kctx := kong.Parse(&benchCfg,
		kong.Name("bench"),
		kong.Description("SET a key once, then GET it from concurrent workers over one pipelined connection."))
	if benchCfg.ConfigFile != "" {
		clientCfg, err := common.LoadClientConfig(benchCfg.ConfigFile)
		kctx.FatalIfErrorf(err)
		benchCfg.Client = *clientCfg
	}
	kctx.FatalIfErrorf(benchCfg.Validate())
	logger.Info("Bench", "Config", benchCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	collector, mw, err := newBenchMetrics()
	kctx.FatalIfErrorf(err)
	defer collector.Shutdown()
	result, err := runBench(ctx, &benchCfg, mw)
	if err != nil {
		logger.Error(err, "Bench failed")
		os.Exit(1)
	}
	fmt.Println(result.String())
}
