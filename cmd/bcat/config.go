package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the contents of the configuration file. Every section is
// optional.
//
//	[repo]
//	root = "/var/lib/bcat"
//	flavor = "small"
//	formats = ["zappy", "gz", "raw"]
//	concurrency = 8
//	archive_threshold = 50
//	refresh_interval = "10m"
//
//	[sources]
//	"edu.nd" = "https://catalogs.example.edu/"
//	"edu.nd.local" = "file:///srv/catalogs"
//
//	[database]
//	mysql = "user:password@tcp(localhost:3306)/bcat"
//
//	[server]
//	port = "14000"
//	source = "s3://bucket/catalogs"
//	local = "/srv/catalogs"
//	cache_dir = "/var/cache/bcat"
//	cache_size = 1000000000
//	token_file = "/etc/bcat/tokens"
//
//	[sentry]
//	dsn = "https://key@sentry.example.edu/2"
//
//	[metrics]
//	enabled = true
type Config struct {
	Repo struct {
		Root             string
		Flavor           string
		Formats          []string
		Concurrency      int
		ArchiveThreshold int      `toml:"archive_threshold"`
		RefreshInterval  duration `toml:"refresh_interval"`
	}

	// catalog id -> location
	Sources map[string]string

	Fetch struct {
		Token     string
		RateLimit float64 `toml:"rate_limit"` // bytes per second
	}

	Database struct {
		MySQL string // dial string; empty uses a QL file in the repo root
		QL    string // QL file, or "memory"
	}

	Server struct {
		Port      string
		PProfPort string `toml:"pprof_port"`
		Source    string // location of the catalogs served
		Local     string // optional location laid over Source
		CacheDir  string `toml:"cache_dir"`
		CacheSize int64  `toml:"cache_size"`
		TokenFile string `toml:"token_file"`
	}

	Sentry struct {
		DSN string
	}

	Metrics struct {
		Enabled   bool
		Namespace string
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Repo.Root = "."
	cfg.Repo.Concurrency = 4
	cfg.Server.Port = "14000"
	cfg.Metrics.Namespace = "bcat"
	return cfg
}

// loadConfig reads the configuration file at name over the defaults. A
// missing file is only an error if required is set.
func loadConfig(name string, required bool) (*Config, error) {
	cfg := defaultConfig()
	if _, err := os.Stat(name); os.IsNotExist(err) && !required {
		return cfg, nil
	}
	md, err := toml.DecodeFile(name, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", name)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("config %s: unknown key %s", name, undecoded[0])
	}
	return cfg, nil
}

// qlPath is where the index database lives when MySQL is not configured.
func (cfg *Config) qlPath() string {
	if cfg.Database.QL != "" {
		return cfg.Database.QL
	}
	return filepath.Join(cfg.Repo.Root, "index.ql")
}
