package main

// ---------------------------------------------------------------------------
// cmd_replay.go: republish dead-lettered payloads
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/netpanic/netpanic/internal/bus"
	"github.com/netpanic/netpanic/internal/core"
	"github.com/netpanic/netpanic/internal/metrics"
	"github.com/netpanic/netpanic/internal/replay"
)

func cmdReplay(args []string) {
	defaults := replay.DefaultOptions()

	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	dlqTopic := fs.String("dlq-topic", defaults.DLQTopic, "Dead-letter topic to drain")
	targetTopic := fs.String("target-topic", defaults.TargetTopic, "Topic to republish originals to")
	dryRun := fs.Bool("dry-run", false, "List what would be replayed without publishing or acking")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)

	cfg := loadConfig(envConfig(*configPath), true)
	logger := cliLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := replayBus(cfg.Bus, logger)
	if err != nil {
		errorf("connecting to bus: %v", err)
	}
	defer b.Close()

	opts := replay.Options{DLQTopic: *dlqTopic, TargetTopic: *targetTopic, DryRun: *dryRun}
	replayed, err := runReplay(ctx, b, opts, logger)
	if err != nil {
		errorf("replay failed: %v", err)
	}

	printReplay(os.Stdout, parseFormat(*format), opts, replayed)
}

// replayBus connects to the bus of a running pipeline. An embedded NATS
// server belongs to `up`, so replay dials it instead of starting another.
func replayBus(cfg core.BusConfig, logger zerolog.Logger) (core.Bus, error) {
	if cfg.Backend == "memory" {
		warnf("bus.backend is memory: dead letters live only inside a running `netpanic up`")
	}
	if cfg.Backend == "nats" && cfg.Embedded {
		cfg.Embedded = false
		cfg.URL = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
	}
	return bus.Open(cfg, logger)
}

func runReplay(ctx context.Context, b core.Bus, opts replay.Options, logger zerolog.Logger) ([]core.DeadLetterEnvelope, error) {
	r, err := replay.NewReplayer(b, replay.DefaultLedgerSize, metrics.New(), logger)
	if err != nil {
		return nil, err
	}
	return r.Replay(ctx, opts)
}

func printReplay(w io.Writer, format OutputFormat, opts replay.Options, replayed []core.DeadLetterEnvelope) {
	if format == FormatJSON {
		writeJSON(w, map[string]any{
			"dlq_topic":    opts.DLQTopic,
			"target_topic": opts.TargetTopic,
			"dry_run":      opts.DryRun,
			"count":        len(replayed),
			"envelopes":    replayed,
		})
		return
	}

	if len(replayed) == 0 {
		fmt.Fprintf(w, "%s No dead letters to replay on %s.\n", dim("▸"), opts.DLQTopic)
		return
	}

	tbl := NewTable(w, "DLQ ID", "CORRELATION ID", "TYPE", "FAILED AT", "ERROR")
	for _, env := range replayed {
		tbl.AddRow(env.DLQID, env.CorrelationID, string(env.ErrorType),
			env.FailedAt.Format("2006-01-02 15:04:05"), truncate(env.Error, 60))
	}
	tbl.Render()

	if opts.DryRun {
		fmt.Fprintf(w, "%s [dry-run] would replay %d envelope(s) from %s to %s\n",
			yellow("▸"), len(replayed), opts.DLQTopic, opts.TargetTopic)
		return
	}
	fmt.Fprintf(w, "%s Replayed %d envelope(s) from %s to %s\n",
		green("✓"), len(replayed), opts.DLQTopic, opts.TargetTopic)
}
