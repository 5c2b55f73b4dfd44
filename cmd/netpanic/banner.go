package main

// ---------------------------------------------------------------------------
// banner.go: banner, version and usage printing
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	art := `
    ┌──────────────────────────────────────────────┐
    │   _ __   ___| |_ _ __   __ _ _ __ (_) ___    │
    │  | '_ \ / _ \ __| '_ \ / _' | '_ \| |/ __|   │
    │  | | | |  __/ |_| |_) | (_| | | | | | (__    │
    │  |_| |_|\___|\__| .__/ \__,_|_| |_|_|\___|   │
    │                 |_|                          │
    │       SYSLOG ANOMALY DETECTION PIPELINE      │
    └──────────────────────────────────────────────┘
`
	return cyan(art)
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "netpanic v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  netpanic <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	fmt.Fprintf(w, "  %-18s  %s\n", bold("up"), "Run the pipeline: syslog receiver, normalizer, detector, analyzer")
	fmt.Fprintf(w, "  %-18s  %s\n", bold("replay"), "Republish dead-lettered payloads for reprocessing")
	fmt.Fprintf(w, "  %-18s  %s\n", bold("spool"), "List or purge the ingress spool")
	fmt.Fprintf(w, "  %-18s  %s\n", bold("validate-contract"), "Check the analyzer output schema against fixtures")
	fmt.Fprintf(w, "  %-18s  %s\n", bold("config"), "Show, validate or initialize configuration")
	fmt.Fprintf(w, "  %-18s  %s\n", bold("version"), "Print version and build info")
	fmt.Fprintf(w, "  %-18s  %s\n", bold("help"), "Show help for a command")
	fmt.Fprintf(w, "\n%s\n\n", bold("GLOBAL FLAGS"))
	fmt.Fprintf(w, "  %-22s  %s\n", "--config <path>", "Config file path (default: "+defaultConfigPath+", env: NETPANIC_CONFIG)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--version, -V", "Print version and exit")
	fmt.Fprintf(w, "  %-22s  %s\n", "--help, -h", "Show help")
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-28s  %s\n", "NETPANIC_CONFIG", "Default config file path")
	fmt.Fprintf(w, "  %-28s  %s\n", "NETPANIC_LOG_LEVEL", "Log level override")
	fmt.Fprintf(w, "  %-28s  %s\n", "NETPANIC_LLM_API_KEY", "API key for the OpenAI-compatible endpoint")
	fmt.Fprintf(w, "  %-28s  %s\n", "NETPANIC_NATS_URL", "External NATS server URL")
	fmt.Fprintf(w, "  %-28s  %s\n", "INGRESS_*", "Ingress overrides (ports, rate limit, spool)")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Start with defaults"))
	fmt.Fprintf(w, "  netpanic up\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Preview what a detector DLQ replay would do"))
	fmt.Fprintf(w, "  netpanic replay --dry-run\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Replay normalizer failures back onto the raw topic"))
	fmt.Fprintf(w, "  netpanic replay --dlq-topic dlq.normalizer.v1 --target-topic raw.syslog.v1\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Drop spooled lines older than an hour"))
	fmt.Fprintf(w, "  netpanic spool purge --ttl 1h\n\n")
	fmt.Fprintf(w, "Run %s for detailed help on any command.\n\n", bold("netpanic help <command>"))
}

var commandHelp = map[string]string{
	"up": `Usage: netpanic up [flags]

Start the syslog receiver and every pipeline stage. Runs until SIGINT or SIGTERM.

Flags:
  --config <path>         Config file path
  --log-level <level>     Log level override: debug, info, warn, error
  --metrics-addr <addr>   Serve Prometheus metrics on addr (e.g. :9108)
  --dry-run               Validate config and build the pipeline, then exit
  --quiet, -q             Suppress banner and non-essential output
  --no-color              Disable color output
`,
	"replay": `Usage: netpanic replay [flags]

Drain a dead-letter topic and republish each envelope's original payload.
Envelopes without an original payload are skipped and left on the topic.

Flags:
  --dlq-topic <topic>     Dead-letter topic to drain (default dlq.detector.v1)
  --target-topic <topic>  Topic to republish to (default events.normalized.v1)
  --dry-run               List what would be replayed without publishing or acking
  --config <path>         Config file path
  --format <fmt>          Output format: table, json
`,
	"spool": `Usage: netpanic spool <list|purge> [flags]

Inspect or purge the ingress spool directory.

Flags:
  --config <path>         Config file path
  --dir <path>            Spool directory (default from config)
  --ttl <duration>        purge: remove files older than this (default from config)
  --format <fmt>          list: output format, table or json
`,
	"validate-contract": `Usage: netpanic validate-contract [flags]

Compile the analyzer output schema and validate the embedded evaluation
fixtures plus any --fixture files against it.

Flags:
  --prompt-version <v>    Contract version (default from config)
  --fixture <file>        Extra fixture to validate (repeatable)
  --config <path>         Config file path
`,
	"config": `Usage: netpanic config [init] [flags]

Show the effective configuration, validate it, or write a starter file.

Flags:
  --config <path>         Config file path
  --validate              Validate and exit
  --format <fmt>          Output format: yaml, json
  --output <path>         init: file to write (default configs/netpanic.yaml)
  --force                 init: overwrite an existing file
`,
	"version": `Usage: netpanic version

Print version and build info.
`,
}

func cmdHelp(w io.Writer, cmd string) {
	text, ok := commandHelp[cmd]
	if !ok {
		fmt.Fprintf(w, "No help for %q.\n\n", cmd)
		printUsage(w)
		return
	}
	fmt.Fprint(w, text)
}
