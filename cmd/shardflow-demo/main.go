// Command shardflow-demo is an interactive driver for the transaction
// coordinator: it brings up a ShardSet, wires zap and OpenTelemetry, and
// reads commands from a readline REPL, dispatching each straight to
// core/engine since shards here are in-process goroutines, not remote
// nodes reachable over a network.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/shardflow/shardflow/core/engine"
	"github.com/shardflow/shardflow/core/kvshard"
	"github.com/shardflow/shardflow/core/txn"
	"github.com/shardflow/shardflow/pkg/logger"
	"github.com/shardflow/shardflow/pkg/telemetry"
)

var (
	numShards      = flag.Int("shards", 8, "number of shards to run")
	numDBs         = flag.Int("dbs", 16, "number of logical databases per shard")
	queueDepth     = flag.Int("queue_depth", 256, "per-shard task channel depth")
	logLevel       = flag.String("log_level", "info", "log level: debug, info, warn, error")
	logFormat      = flag.String("log_format", "console", "log format: json or console")
	telemetryOn    = flag.Bool("telemetry", true, "enable OpenTelemetry metrics")
	prometheusPort = flag.Int("prometheus_port", 9090, "Prometheus /metrics port")
)

func main() {
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat, OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "shardflow-demo: logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, shutdownTelemetry, err := telemetry.New(telemetry.Config{
		Enabled:          *telemetryOn,
		ServiceName:      "shardflow-demo",
		PrometheusPort:   *prometheusPort,
		TraceSampleRatio: 1.0,
	})
	if err != nil {
		log.Fatal("telemetry init failed", zap.Error(err))
	}

	metrics, err := txn.NewMetrics(tel.Meter)
	if err != nil {
		log.Fatal("metrics init failed", zap.Error(err))
	}

	shards := kvshard.NewShardSet(*numShards, *numDBs, *queueDepth, log)
	eng := engine.New(shards, metrics, log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	log.Info("shardflow-demo ready", zap.Int("shards", *numShards), zap.Int("dbs", *numDBs))
	runREPL(ctx, eng, log)

	shards.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Warn("telemetry shutdown", zap.Error(err))
	}
}

func runREPL(ctx context.Context, eng *engine.Engine, log *zap.Logger) {
	rl, err := readline.New("shardflow> ")
	if err != nil {
		log.Fatal("readline init failed", zap.Error(err))
	}
	defer rl.Close()

	const dbIndex = 0
	var queued [][]string
	inMulti := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		prompt := "shardflow> "
		if inMulti {
			prompt = "shardflow(multi)> "
		}
		rl.SetPrompt(prompt)

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Warn("readline error", zap.Error(err))
			return
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.EqualFold(fields[0], "quit") || strings.EqualFold(fields[0], "exit") {
			return
		}

		switch {
		case strings.EqualFold(fields[0], "MULTI"):
			inMulti = true
			queued = nil
			fmt.Println("OK")
			continue
		case inMulti && strings.EqualFold(fields[0], "EXEC"):
			inMulti = false
			results, err := eng.ExecuteMulti(dbIndex, queued)
			if err != nil {
				fmt.Printf("(error) %v\n", err)
				continue
			}
			for _, r := range results {
				fmt.Println(r)
			}
			continue
		case inMulti:
			queued = append(queued, fields)
			fmt.Println("QUEUED")
			continue
		}

		result, err := eng.Execute(ctx, dbIndex, fields)
		if err != nil {
			fmt.Printf("(error) %v\n", err)
			continue
		}
		fmt.Println(result)
	}
}
