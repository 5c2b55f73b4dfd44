package main

// ---------------------------------------------------------------------------
// cmd_spool.go: list or purge the ingress spool
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/netpanic/netpanic/internal/core"
	"github.com/netpanic/netpanic/internal/spool"
)

func cmdSpool(args []string) {
	if len(args) == 0 {
		cmdHelp(os.Stderr, "spool")
		os.Exit(1)
	}
	action, rest := args[0], args[1:]

	fs := flag.NewFlagSet("spool "+action, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	dir := fs.String("dir", "", "Spool directory (default from config)")
	ttl := fs.Duration("ttl", 0, "Remove spooled files older than this (default from config)")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(rest)

	cfg := loadConfig(envConfig(*configPath), true)
	if *dir == "" {
		*dir = cfg.Ingress.SpoolDir
	}
	if *ttl == 0 {
		*ttl = cfg.Ingress.SpoolTTL()
	}

	sp, err := spool.NewDisk(*dir, cliLogger(cfg))
	if err != nil {
		errorf("opening spool: %v", err)
	}

	switch action {
	case "list":
		payloads, err := sp.ReadAll()
		if err != nil {
			errorf("reading spool: %v", err)
		}
		printSpool(os.Stdout, parseFormat(*format), sp.Dir(), payloads)
	case "purge":
		n, err := sp.PurgeExpired(*ttl)
		if err != nil {
			errorf("purging spool: %v", err)
		}
		fmt.Fprintf(os.Stdout, "%s Purged %d spooled file(s) older than %s from %s\n", green("✓"), n, *ttl, sp.Dir())
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown spool action %q\n\n", action)
		cmdHelp(os.Stderr, "spool")
		os.Exit(1)
	}
}

func printSpool(w io.Writer, format OutputFormat, dir string, payloads [][]byte) {
	events := make([]core.RawEvent, 0, len(payloads))
	for _, p := range payloads {
		var evt core.RawEvent
		if err := json.Unmarshal(p, &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}

	if format == FormatJSON {
		writeJSON(w, map[string]any{"dir": dir, "count": len(events), "events": events})
		return
	}

	if len(events) == 0 {
		fmt.Fprintf(w, "%s Spool %s is empty.\n", dim("▸"), dir)
		return
	}
	tbl := NewTable(w, "RECEIVED", "EVENT ID", "SOURCE", "MESSAGE")
	for _, evt := range events {
		tbl.AddRow(evt.ReceivedAt.Format(time.RFC3339), evt.EventID, evt.Source, truncate(evt.Message, 60))
	}
	tbl.Render()
	fmt.Fprintf(w, "%d spooled event(s) in %s\n", len(events), dir)
}
