package main

// ---------------------------------------------------------------------------
// cmd_up.go: start the netpanic pipeline
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/netpanic/netpanic/internal/pipeline"
)

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	dryRun := fs.Bool("dry-run", false, "Validate config and build the pipeline, then exit")
	quiet := fs.Bool("quiet", false, "Suppress banner and non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress banner and non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}

	if !*quiet {
		fmt.Fprint(os.Stderr, bannerText())
	}

	cfg := loadConfig(*configPath, *quiet)
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	p, err := pipeline.New(cfg, cliLogger(cfg))
	if err != nil {
		errorf("creating pipeline: %v", err)
	}

	if *dryRun {
		p.Stop()
		fmt.Fprintf(os.Stdout, "%s Config valid. %d detection rule(s) enabled, bus %s, store %s.\n",
			green("✓"), len(p.Detector.Rules()), cfg.Bus.Backend, cfg.Store.Backend)
		os.Exit(0)
	}

	if !*quiet {
		llm := yellow("rule fallback only")
		if cfg.Analyzer.LLM.Enabled() {
			llm = green(cfg.Analyzer.LLM.Model)
		}
		fmt.Fprintf(os.Stderr, "%s Syslog on %s udp/%d tcp/%d, analyzer %s\n",
			green("✓"), cfg.Ingress.ListenHost, cfg.Ingress.ListenPortUDP, cfg.Ingress.ListenPortTCP, llm)
		if cfg.Metrics.Addr != "" {
			fmt.Fprintf(os.Stderr, "%s Metrics on %s/metrics\n", green("✓"), cfg.Metrics.Addr)
		}
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	if err := p.Run(context.Background()); err != nil {
		errorf("running pipeline: %v", err)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s netpanic stopped.\n", green("✓"))
	}
}
