package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jroosing/hydradns/internal/config"
	"github.com/jroosing/hydradns/internal/logging"
	"github.com/jroosing/hydradns/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	jsonLogs   bool
	debug      bool
}

// parseFlags parses command-line flags and returns the values.
func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to config file (also read from HYDRADNS_CONFIG)")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func run() error {
	flags := parseFlags()

	path := config.ResolveConfigPath(flags.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := "INFO"
	if flags.debug {
		level = "DEBUG"
	}
	logger := logging.Configure(logging.Config{
		Level:      level,
		Structured: flags.jsonLogs,
		IncludePID: true,
	})
	logger.Info("HydraDNS starting",
		"config", path,
		"nameservers", len(cfg.DNS.Nameservers),
		"search_domain", cfg.DNS.SearchDomain,
		"hosts_entries", len(cfg.Hosts.Entries),
	)
	logger.Info("rate limits", "effective", server.RateLimitsStartupLog())

	runner := server.NewRunner(logger)
	if err := runner.Run(cfg); err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	return nil
}
