package strata

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/ingest"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/query"
	"github.com/hupe1980/strata/vector"
	"github.com/hupe1980/strata/wal"
)

// Config is the file form of the Open options.
//
//	dimension: 384
//	index:
//	  type: hnsw
//	  m: 16
//	storage:
//	  backend: sqlite
//	  path: ./data/strata.db
//	wal:
//	  path: ./data/wal
//	  durability: group
//	  compression: zstd
//	checkpoint:
//	  interval: 5m
//	logging:
//	  level: info
//	  format: json
type Config struct {
	Dimension int `yaml:"dimension"`

	Index struct {
		Type           string `yaml:"type"` // flat | hnsw
		M              int    `yaml:"m"`
		EF             int    `yaml:"ef"`
		EFConstruction int    `yaml:"ef_construction"`
		Seed           int64  `yaml:"seed"`
	} `yaml:"index"`

	Storage struct {
		Backend string `yaml:"backend"` // memory | sqlite
		Path    string `yaml:"path"`
	} `yaml:"storage"`

	WAL struct {
		Path                string        `yaml:"path"`
		Durability          string        `yaml:"durability"`  // async | group | sync
		Compression         string        `yaml:"compression"` // none | zstd
		Codec               string        `yaml:"codec"`       // json | go-json
		GroupCommitInterval time.Duration `yaml:"group_commit_interval"`
		GroupCommitMaxOps   int           `yaml:"group_commit_max_ops"`
	} `yaml:"wal"`

	Tx struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"tx"`

	GC struct {
		Interval      time.Duration `yaml:"interval"`
		KeysPerSecond int           `yaml:"keys_per_second"`
	} `yaml:"gc"`

	Checkpoint struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"checkpoint"`

	Query struct {
		GraphWeight      float64 `yaml:"graph_weight"`
		DefaultTopK      int     `yaml:"default_top_k"`
		DefaultDepth     int     `yaml:"default_depth"`
		MaxParallelSeeds int     `yaml:"max_parallel_seeds"`
	} `yaml:"query"`

	Ingest struct {
		DetectReferences *bool `yaml:"detect_references"`
	} `yaml:"ingest"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`
}

// Environment variables overriding LoadConfig values.
const (
	EnvStoragePath = "STRATA_STORAGE_PATH"
	EnvWALPath     = "STRATA_WAL_PATH"
	EnvLogLevel    = "STRATA_LOG_LEVEL"
)

// LoadConfig reads a YAML config file. STRATA_STORAGE_PATH, STRATA_WAL_PATH
// and STRATA_LOG_LEVEL override the file when set.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is caller-provided
	if err != nil {
		return nil, model.Storage("read config", err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv(EnvStoragePath); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv(EnvWALPath); v != "" {
		cfg.WAL.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, cfg.Validate()
}

// ParseConfig decodes and validates a YAML config. Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, model.Constraint("parse config", "%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section. Errors are constraint violations.
func (c *Config) Validate() error {
	if c.Dimension <= 0 {
		return model.Constraint("config", "dimension must be positive, got %d", c.Dimension)
	}
	if _, err := vector.ParseIndexType(c.Index.Type); err != nil {
		return err
	}
	if c.Index.M < 0 || c.Index.EF < 0 || c.Index.EFConstruction < 0 {
		return model.Constraint("config", "index parameters must not be negative")
	}

	switch c.Storage.Backend {
	case "", "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return model.Constraint("config", "storage.path is required for the sqlite backend")
		}
	default:
		return model.Constraint("config", "unknown storage backend %q", c.Storage.Backend)
	}

	if _, err := wal.ParseDurabilityMode(c.WAL.Durability); err != nil {
		return err
	}
	switch c.WAL.Compression {
	case "", "none", "zstd":
	default:
		return model.Constraint("config", "unknown wal compression %q", c.WAL.Compression)
	}
	if c.WAL.Codec != "" {
		if _, ok := codec.ByName(c.WAL.Codec); !ok {
			return model.Constraint("config", "unknown wal codec %q", c.WAL.Codec)
		}
	}
	if c.WAL.GroupCommitInterval < 0 || c.WAL.GroupCommitMaxOps < 0 {
		return model.Constraint("config", "wal group commit settings must not be negative")
	}

	for name, d := range map[string]time.Duration{
		"tx.timeout":          c.Tx.Timeout,
		"gc.interval":         c.GC.Interval,
		"checkpoint.interval": c.Checkpoint.Interval,
	} {
		if d < 0 {
			return model.Constraint("config", "%s must not be negative, got %s", name, d)
		}
	}
	if c.GC.KeysPerSecond < 0 {
		return model.Constraint("config", "gc.keys_per_second must not be negative")
	}

	if c.Query.GraphWeight < 0 {
		return model.Constraint("config", "query.graph_weight must not be negative")
	}
	if c.Query.DefaultTopK < 0 || c.Query.DefaultDepth < 0 || c.Query.MaxParallelSeeds < 0 {
		return model.Constraint("config", "query defaults must not be negative")
	}

	if _, err := c.logLevel(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return model.Constraint("config", "unknown logging format %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) logLevel() (slog.Level, error) {
	var level slog.Level
	if c.Logging.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, model.Constraint("config", "invalid logging level %q", c.Logging.Level)
	}
	return level, nil
}

// Logger builds the logger described by the logging section.
func (c *Config) Logger() *Logger {
	level, err := c.logLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	if c.Logging.Format == "json" {
		return NewJSONLogger(level)
	}
	return NewTextLogger(level)
}

// WithConfig applies cfg. Options given after it override its values.
func WithConfig(cfg *Config) Option {
	return func(o *options) {
		if cfg == nil {
			return
		}
		if err := cfg.Validate(); err != nil {
			o.err = fmt.Errorf("config: %w", err)
			return
		}

		o.dimension = cfg.Dimension

		o.vector.Index, _ = vector.ParseIndexType(cfg.Index.Type)
		if cfg.Index.M > 0 {
			o.vector.M = cfg.Index.M
		}
		if cfg.Index.EF > 0 {
			o.vector.EF = cfg.Index.EF
		}
		if cfg.Index.EFConstruction > 0 {
			o.vector.EFConstruction = cfg.Index.EFConstruction
		}
		if cfg.Index.Seed != 0 {
			o.vector.Seed = cfg.Index.Seed
		}

		if cfg.Storage.Backend == "sqlite" {
			o.sqlitePath = cfg.Storage.Path
			o.backend = nil
		}

		if cfg.WAL.Path != "" {
			w := cfg.WAL
			o.walPath = w.Path
			o.walOptions = []func(*wal.Options){func(wo *wal.Options) {
				wo.DurabilityMode, _ = wal.ParseDurabilityMode(w.Durability)
				wo.Compress = w.Compression == "zstd"
				if w.Codec != "" {
					wo.Codec = w.Codec
				}
				if w.GroupCommitInterval > 0 {
					wo.GroupCommitInterval = w.GroupCommitInterval
				}
				if w.GroupCommitMaxOps > 0 {
					wo.GroupCommitMaxOps = w.GroupCommitMaxOps
				}
			}}
		}

		if cfg.Tx.Timeout > 0 {
			o.txTimeout = cfg.Tx.Timeout
		}
		o.gcInterval = cfg.GC.Interval
		o.checkpointInterval = cfg.Checkpoint.Interval
		if cfg.GC.KeysPerSecond > 0 {
			o.resources.GCKeysPerSec = cfg.GC.KeysPerSecond
		}
		if cfg.Query.MaxParallelSeeds > 0 {
			o.resources.MaxParallelSeeds = cfg.Query.MaxParallelSeeds
		}

		q := cfg.Query
		o.queryOptions = append(o.queryOptions, func(qo *query.Options) {
			if q.GraphWeight > 0 {
				qo.GraphWeight = q.GraphWeight
			}
			if q.DefaultTopK > 0 {
				qo.DefaultTopK = q.DefaultTopK
			}
			if q.DefaultDepth > 0 {
				qo.DefaultDepth = q.DefaultDepth
			}
		})

		if detect := cfg.Ingest.DetectReferences; detect != nil {
			enabled := *detect
			o.ingestOptions = append(o.ingestOptions, func(in *ingest.Options) {
				in.DetectReferences = enabled
			})
		}

		if cfg.Logging.Level != "" || cfg.Logging.Format != "" {
			o.logger = cfg.Logger()
		}
	}
}
