package main

// ---------------------------------------------------------------------------
// cmd_config.go: show, validate, or initialize configuration
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/netpanic/netpanic/internal/core"
)

func cmdConfig(args []string) {
	if len(args) > 0 && args[0] == "init" {
		cmdConfigInit(args[1:])
		return
	}

	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	validate := fs.Bool("validate", false, "Validate config and exit")
	format := fs.String("format", "yaml", "Output format: yaml, json")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		if *validate {
			fmt.Fprintf(os.Stderr, "%s Config invalid: %v\n", red("✗"), err)
			os.Exit(1)
		}
		errorf("loading config: %v", err)
	}

	if *validate {
		if n := reportValidation(os.Stderr, cfg); n > 0 {
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "%s Config %s is valid.\n", green("✓"), *configPath)
		return
	}

	if err := writeConfig(os.Stdout, cfg, parseFormat(*format)); err != nil {
		errorf("rendering config: %v", err)
	}
}

// reportValidation prints warnings and errors and returns the error count.
func reportValidation(w io.Writer, cfg *core.Config) int {
	warnings, errs := cfg.Validate()
	for _, msg := range warnings {
		fmt.Fprintf(w, "%s %s\n", yellow("⚠"), msg)
	}
	for _, msg := range errs {
		fmt.Fprintf(w, "%s %s\n", red("✗"), msg)
	}
	if len(errs) > 0 {
		fmt.Fprintf(w, "%s Config has %d error(s)\n", red("✗"), len(errs))
	}
	return len(errs)
}

func writeConfig(w io.Writer, cfg *core.Config, format OutputFormat) error {
	if format == FormatJSON {
		return writeJSON(w, cfg)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

func cmdConfigInit(args []string) {
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	output := fs.String("output", defaultConfigPath, "File to write")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	if _, err := os.Stat(*output); err == nil && !*force {
		errorf("%s already exists (use --force to overwrite)", *output)
	}
	if dir := filepath.Dir(*output); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			errorf("creating %s: %v", dir, err)
		}
	}
	if err := core.SaveConfig(core.DefaultConfig(), *output); err != nil {
		errorf("writing config: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Wrote default configuration to %s\n", green("✓"), *output)
}
