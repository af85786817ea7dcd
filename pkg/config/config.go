// Package config loads daemon configuration from the environment and
// loop directives from YAML files. Loaded values are clamped to the
// governance floors before anything downstream sees them.
package config

import "os"

// Config holds daemon configuration.
type Config struct {
	ListenAddr    string
	LogLevel      string
	DatabaseURL   string
	EventBackend  string // "memory" | "sqlite" | "postgres"
	SQLitePath    string
	BusBackend    string // "none" | "redis" | "amqp"
	RedisAddr     string
	AMQPURL       string
	EvidenceDir   string
	EvidenceS3    string // bucket name; empty keeps the filesystem store
	DirectiveDir  string
	OracleDir     string // directory of compiled oracle wasm modules
	OTLPEndpoint  string
	TracesEnabled bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	addr := os.Getenv("LOOPGATE_LISTEN_ADDR")
	if addr == "" {
		addr = ":8090"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	backend := os.Getenv("LOOPGATE_EVENT_BACKEND")
	if backend == "" {
		backend = "sqlite"
	}

	sqlitePath := os.Getenv("LOOPGATE_SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "loopgate.db"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://loopgate@localhost:5432/loopgate?sslmode=disable"
	}

	busBackend := os.Getenv("LOOPGATE_BUS_BACKEND")
	if busBackend == "" {
		busBackend = "none"
	}

	evidenceDir := os.Getenv("LOOPGATE_EVIDENCE_DIR")
	if evidenceDir == "" {
		evidenceDir = "evidence"
	}

	directiveDir := os.Getenv("LOOPGATE_DIRECTIVE_DIR")
	if directiveDir == "" {
		directiveDir = "directives"
	}

	oracleDir := os.Getenv("LOOPGATE_ORACLE_DIR")
	if oracleDir == "" {
		oracleDir = "oracles"
	}

	return &Config{
		ListenAddr:    addr,
		LogLevel:      logLevel,
		DatabaseURL:   dbURL,
		EventBackend:  backend,
		SQLitePath:    sqlitePath,
		BusBackend:    busBackend,
		RedisAddr:     os.Getenv("LOOPGATE_REDIS_ADDR"),
		AMQPURL:       os.Getenv("LOOPGATE_AMQP_URL"),
		EvidenceDir:   evidenceDir,
		EvidenceS3:    os.Getenv("LOOPGATE_EVIDENCE_S3_BUCKET"),
		DirectiveDir:  directiveDir,
		OracleDir:     oracleDir,
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TracesEnabled: os.Getenv("LOOPGATE_TRACES_ENABLED") == "true",
	}
}
