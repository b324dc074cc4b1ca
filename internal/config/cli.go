package config

import (
	"flag"
	"io"
)

// CLIFlags holds command-line overrides. Nil fields were not set on the
// command line and leave the loaded value untouched.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
}

// ParseFlags parses command-line arguments into CLIFlags. Recognised flags:
//
//	-c, --config     path to the YAML config file
//	-p, --port       HTTP listen port
//	    --log-level  slog level (debug|info|warn|error)
//	    --dsn        PostgreSQL DSN
//	    --nats-url   NATS server URL
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("agentdock", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP listen port")
	fs.StringVar(port, "p", "", "HTTP listen port (shorthand)")
	logLevel := fs.String("log-level", "", "log level")
	dsn := fs.String("dsn", "", "PostgreSQL DSN")
	natsURL := fs.String("nats-url", "", "NATS server URL")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, err
	}

	var flags CLIFlags
	if *configPath != "" {
		flags.ConfigPath = configPath
	}
	if *port != "" {
		flags.Port = port
	}
	if *logLevel != "" {
		flags.LogLevel = logLevel
	}
	if *dsn != "" {
		flags.DSN = dsn
	}
	if *natsURL != "" {
		flags.NatsURL = natsURL
	}
	return flags, nil
}

// LoadWithCLI loads configuration with the full hierarchy:
// defaults < YAML < ENV < CLI flags. Returns the resolved YAML path.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if flags.ConfigPath != nil {
		path = *flags.ConfigPath
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		return nil, "", err
	}

	applyCLI(cfg, flags)

	if err := validate(cfg); err != nil {
		return nil, "", err
	}

	return cfg, path, nil
}

// applyCLI overlays non-nil CLI flag values onto cfg.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
}
