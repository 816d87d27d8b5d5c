// Package config loads and validates cachecore.Config from a YAML file, CLI
// flags, or CONTENT_CACHE_* environment variables, in the same layered
// style as the teacher's config package (a YamlConfig wrapping the runtime
// Config, validateConfig as a separate pass, newFromArgs assembling a
// Config from discrete CLI values).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	yaml "gopkg.in/yaml.v3"

	"github.com/repque/content-cache/cachecore"
)

// YamlConfig is the on-disk shape of a config file: mostly cachecore.Config
// fields, plus any YAML-only conveniences.
type YamlConfig struct {
	CacheDir          string   `yaml:"cache_dir"`
	MemoryBudgetBytes int64    `yaml:"memory_budget_bytes"`
	VerifyHash        bool     `yaml:"verify_hash"`
	BackendPoolSize   int      `yaml:"backend_pool_size"`
	CompressionLevel  int      `yaml:"compression_level"`
	FilterCapacity    uint     `yaml:"filter_capacity"`
	AllowedPaths      []string `yaml:"allowed_paths"`
	Debug             bool     `yaml:"debug"`
	Backend           string   `yaml:"backend"`
	RedisAddr         string   `yaml:"redis_addr"`
	RedisDB           int      `yaml:"redis_db"`
}

// defaults mirrors spec.md §6's configuration table.
func defaults() YamlConfig {
	return YamlConfig{
		CacheDir:          "./cache_storage",
		MemoryBudgetBytes: 100 * 1024 * 1024,
		VerifyHash:        true,
		BackendPoolSize:   10,
		CompressionLevel:  6,
		FilterCapacity:    1_000_000,
		Backend:           "embedded",
	}
}

// FromYAMLFile reads and parses a YAML config file at path.
func FromYAMLFile(path string) (cachecore.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return cachecore.Config{}, fmt.Errorf("failed to open config file %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cachecore.Config{}, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	return FromYAML(data)
}

// FromYAML parses data as a YAML config document.
func FromYAML(data []byte) (cachecore.Config, error) {
	yc := defaults()
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return cachecore.Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	cfg := toCacheConfig(yc)
	if err := Validate(cfg); err != nil {
		return cachecore.Config{}, err
	}
	return cfg, nil
}

// FromCLI assembles a cachecore.Config from the flags registered by
// CLIFlags, given an already-parsed *cli.Context.
func FromCLI(ctx *cli.Context) (cachecore.Config, error) {
	var allowed []string
	for _, p := range ctx.StringSlice("allowed_path") {
		if p != "" {
			allowed = append(allowed, p)
		}
	}

	cfg := cachecore.Config{
		CacheDir:          ctx.String("cache_dir"),
		MemoryBudgetBytes: ctx.Int64("memory_budget_bytes"),
		VerifyHash:        ctx.Bool("verify_hash"),
		BackendPoolSize:   ctx.Int("backend_pool_size"),
		CompressionLevel:  ctx.Int("compression_level"),
		FilterCapacity:    uint(ctx.Int("filter_capacity")),
		AllowedPaths:      allowed,
		Debug:             ctx.Bool("debug"),
		Backend:           cachecore.Backend(ctx.String("backend")),
		RedisAddr:         ctx.String("redis_addr"),
		RedisDB:           ctx.Int("redis_db"),
	}
	if err := Validate(cfg); err != nil {
		return cachecore.Config{}, err
	}
	return cfg, nil
}

func toCacheConfig(yc YamlConfig) cachecore.Config {
	backend := cachecore.BackendEmbedded
	if yc.Backend == string(cachecore.BackendRemoteKV) {
		backend = cachecore.BackendRemoteKV
	}
	return cachecore.Config{
		CacheDir:          yc.CacheDir,
		MemoryBudgetBytes: yc.MemoryBudgetBytes,
		VerifyHash:        yc.VerifyHash,
		BackendPoolSize:   yc.BackendPoolSize,
		CompressionLevel:  yc.CompressionLevel,
		FilterCapacity:    yc.FilterCapacity,
		AllowedPaths:      yc.AllowedPaths,
		Debug:             yc.Debug,
		Backend:           backend,
		RedisAddr:         yc.RedisAddr,
		RedisDB:           yc.RedisDB,
	}
}

// Validate checks the constraints spec.md §6 implies beyond what
// cachecore.New itself enforces (backend-specific requirements live here
// since cachecore.New doesn't know about YAML/CLI-level naming).
func Validate(cfg cachecore.Config) error {
	if cfg.CacheDir == "" {
		return errors.New("the 'cache_dir' flag/key is required")
	}
	if cfg.Backend == cachecore.BackendRemoteKV && cfg.RedisAddr == "" {
		return errors.New("'redis_addr' is required when backend is 'remote_kv'")
	}
	if cfg.CompressionLevel < 0 || cfg.CompressionLevel > 9 {
		return errors.New("'compression_level' must be in [0,9]")
	}
	if cfg.MemoryBudgetBytes < 0 {
		return errors.New("'memory_budget_bytes' must be >= 0")
	}
	return nil
}

// CLIFlags returns the urfave/cli flags content-cache accepts, each backed
// by a CONTENT_CACHE_* environment variable override per spec.md §6.
func CLIFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config_file",
			Usage:   "Path to a YAML configuration file. If set, all other flags are ignored.",
			EnvVars: []string{"CONTENT_CACHE_CONFIG_FILE"},
		},
		&cli.StringFlag{
			Name:    "cache_dir",
			Value:   "./cache_storage",
			Usage:   "Root directory for on-disk cache state (metadata.db and blobs/).",
			EnvVars: []string{"CONTENT_CACHE_CACHE_DIR"},
		},
		&cli.Int64Flag{
			Name:    "memory_budget_bytes",
			Value:   100 * 1024 * 1024,
			Usage:   "Byte budget for the in-memory tier.",
			EnvVars: []string{"CONTENT_CACHE_MEMORY_BUDGET_BYTES"},
		},
		&cli.BoolFlag{
			Name:    "verify_hash",
			Value:   true,
			Usage:   "Recompute and compare the content hash on integrity checks.",
			EnvVars: []string{"CONTENT_CACHE_VERIFY_HASH"},
		},
		&cli.IntFlag{
			Name:    "backend_pool_size",
			Value:   10,
			Usage:   "Max concurrent metadata backend connections.",
			EnvVars: []string{"CONTENT_CACHE_BACKEND_POOL_SIZE"},
		},
		&cli.IntFlag{
			Name:    "compression_level",
			Value:   6,
			Usage:   "Deflate compression level for blobs, 0..9.",
			EnvVars: []string{"CONTENT_CACHE_COMPRESSION_LEVEL"},
		},
		&cli.IntFlag{
			Name:    "filter_capacity",
			Value:   1_000_000,
			Usage:   "Expected size of the negative-existence filter.",
			EnvVars: []string{"CONTENT_CACHE_FILTER_CAPACITY"},
		},
		&cli.StringSliceFlag{
			Name:    "allowed_path",
			Usage:   "Allowed root for cached paths; may be repeated. Empty means unrestricted.",
			EnvVars: []string{"CONTENT_CACHE_ALLOWED_PATHS"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "Enable verbose diagnostic logging.",
			EnvVars: []string{"CONTENT_CACHE_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "backend",
			Value:   "embedded",
			Usage:   "Metadata store backend: \"embedded\" (sqlite) or \"remote_kv\" (redis).",
			EnvVars: []string{"CONTENT_CACHE_BACKEND"},
		},
		&cli.StringFlag{
			Name:    "redis_addr",
			Usage:   "Redis address (host:port), required when backend is \"remote_kv\".",
			EnvVars: []string{"CONTENT_CACHE_REDIS_ADDR"},
		},
		&cli.IntFlag{
			Name:    "redis_db",
			Usage:   "Redis logical database index.",
			EnvVars: []string{"CONTENT_CACHE_REDIS_DB"},
		},
	}
}
