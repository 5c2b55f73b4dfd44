package main

// ---------------------------------------------------------------------------
// cmd_validate_contract.go: check the analyzer output contract
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/netpanic/netpanic/internal/analyze"
)

type fixtureResult struct {
	Name string `json:"name"`
	Err  string `json:"error,omitempty"`
}

func cmdValidateContract(args []string) {
	fs := flag.NewFlagSet("validate-contract", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	promptVersion := fs.String("prompt-version", "", "Contract version (default from config)")
	var fixtures stringList
	fs.Var(&fixtures, "fixture", "Extra fixture file to validate (repeatable)")
	fs.Parse(args)

	if *promptVersion == "" {
		cfg := loadConfig(envConfig(*configPath), true)
		*promptVersion = cfg.Analyzer.PromptVersion
	}

	results, err := validateContract(*promptVersion, fixtures)
	if err != nil {
		errorf("%v", err)
	}
	if failed := printContractResults(os.Stdout, *promptVersion, results); failed > 0 {
		os.Exit(1)
	}
}

// validateContract compiles the schema for version and validates every
// embedded fixture plus the given files.
func validateContract(version string, files []string) ([]fixtureResult, error) {
	c, err := analyze.LoadContract(version)
	if err != nil {
		return nil, err
	}
	embedded, err := c.Fixtures()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(embedded))
	for name := range embedded {
		names = append(names, name)
	}
	sort.Strings(names)

	var results []fixtureResult
	check := func(name string, data []byte) {
		r := fixtureResult{Name: name}
		if err := c.ValidateDocument(data); err != nil {
			r.Err = err.Error()
		}
		results = append(results, r)
	}
	for _, name := range names {
		check("embedded:"+name, embedded[name])
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			results = append(results, fixtureResult{Name: filepath.Base(path), Err: err.Error()})
			continue
		}
		check(path, data)
	}
	return results, nil
}

func printContractResults(w io.Writer, version string, results []fixtureResult) int {
	failed := 0
	for _, r := range results {
		if r.Err != "" {
			failed++
			fmt.Fprintf(w, "%s %s: %s\n", red("✗"), r.Name, r.Err)
			continue
		}
		fmt.Fprintf(w, "%s %s\n", green("✓"), r.Name)
	}
	if failed > 0 {
		fmt.Fprintf(w, "%s %d of %d fixture(s) violate contract %s\n", red("✗"), failed, len(results), version)
	} else {
		fmt.Fprintf(w, "%s Contract %s: schema compiles, %d fixture(s) valid\n", green("✓"), version, len(results))
	}
	return failed
}
