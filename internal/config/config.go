// Package config loads relay configuration from the environment, flags and
// an optional asset manifest.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds relay configuration.
type Config struct {
	HTTPAddr  string `env:"PWARELAY_HTTP_ADDR" envDefault:":8080"`
	OriginURL string `env:"PWARELAY_ORIGIN_URL"`
	SocketURL string `env:"PWARELAY_SOCKET_URL"`

	DataDir string `env:"PWARELAY_DATA_DIR" envDefault:"./data"`
	Engine  string `env:"PWARELAY_ENGINE" envDefault:"badger"`

	CachePrefix  string   `env:"PWARELAY_CACHE_PREFIX" envDefault:"pwarelay"`
	CacheVersion string   `env:"PWARELAY_CACHE_VERSION" envDefault:"v1"`
	APIPrefix    string   `env:"PWARELAY_API_PREFIX" envDefault:"/api/"`
	WorkerPath   string   `env:"PWARELAY_WORKER_PATH" envDefault:"/__worker"`
	OfflinePage  string   `env:"PWARELAY_OFFLINE_PAGE" envDefault:"/offline.html"`
	Assets       []string `env:"PWARELAY_ASSETS" envSeparator:","`
	ManifestPath string   `env:"PWARELAY_MANIFEST"`

	ReconnectDelay time.Duration `env:"PWARELAY_RECONNECT_DELAY" envDefault:"3s"`
	FetchTimeout   time.Duration `env:"PWARELAY_FETCH_TIMEOUT" envDefault:"30s"`
	SkipWaiting    bool          `env:"PWARELAY_SKIP_WAITING" envDefault:"true"`
	OriginPatterns []string      `env:"PWARELAY_ORIGIN_PATTERNS" envSeparator:","`

	MetricsAddr string `env:"PWARELAY_METRICS_ADDR"`
	AdminAddr   string `env:"PWARELAY_ADMIN_ADDR"`

	LogLevel  string `env:"PWARELAY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"PWARELAY_LOG_FORMAT" envDefault:"json"`
}

// ParseConfig parses environment and flags into Config, then merges the
// manifest named by ManifestPath.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	var assets string
	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.OriginURL, "origin", cfg.OriginURL, "origin server URL")
	fs.StringVar(&cfg.SocketURL, "socket", cfg.SocketURL, "backend WebSocket URL")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory for the badger engine")
	fs.StringVar(&cfg.Engine, "engine", cfg.Engine, "storage engine: badger or memory")
	fs.StringVar(&cfg.CachePrefix, "cache-prefix", cfg.CachePrefix, "cache partition prefix")
	fs.StringVar(&cfg.CacheVersion, "cache-version", cfg.CacheVersion, "cache generation version")
	fs.StringVar(&cfg.APIPrefix, "api-prefix", cfg.APIPrefix, "path prefix served network-first")
	fs.StringVar(&cfg.WorkerPath, "worker-path", cfg.WorkerPath, "reserved control path prefix")
	fs.StringVar(&cfg.OfflinePage, "offline-page", cfg.OfflinePage, "page served for failed navigations")
	fs.StringVar(&assets, "assets", strings.Join(cfg.Assets, ","), "comma-separated static assets")
	fs.StringVar(&cfg.ManifestPath, "manifest", cfg.ManifestPath, "YAML asset manifest")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "delay before redialing the backend socket")
	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "origin fetch timeout")
	fs.BoolVar(&cfg.SkipWaiting, "skip-waiting", cfg.SkipWaiting, "activate without waiting for older pages")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address, empty to disable")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "RESP admin console address, empty to disable")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or console")

	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Assets = splitList(assets)

	if cfg.ManifestPath != "" {
		m, err := LoadManifest(cfg.ManifestPath)
		if err != nil {
			return Config{}, err
		}
		cfg.apply(m)
	}
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks required fields.
func (c Config) Validate() error {
	var errs []error
	if c.OriginURL == "" {
		errs = append(errs, errors.New("origin URL is required"))
	} else if u, err := url.Parse(c.OriginURL); err != nil || !u.IsAbs() {
		errs = append(errs, fmt.Errorf("origin URL %q is not absolute", c.OriginURL))
	}
	if c.SocketURL != "" {
		u, err := url.Parse(c.SocketURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("socket URL %q must use ws or wss", c.SocketURL))
		}
	}
	switch c.Engine {
	case "badger", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown engine %q", c.Engine))
	}
	if !strings.HasPrefix(c.APIPrefix, "/") || !strings.HasPrefix(c.WorkerPath, "/") {
		errs = append(errs, errors.New("api prefix and worker path must start with /"))
	}
	if c.CacheVersion == "" || c.CachePrefix == "" {
		errs = append(errs, errors.New("cache prefix and version are required"))
	}
	return errors.Join(errs...)
}

// Origin returns the parsed origin URL.
func (c Config) Origin() *url.URL {
	u, _ := url.Parse(c.OriginURL)
	return u
}

// Manifest lists the static assets of one cache generation.
type Manifest struct {
	Version string   `yaml:"version"`
	Offline string   `yaml:"offline"`
	Assets  []string `yaml:"assets"`
}

// LoadManifest reads a YAML manifest.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// apply merges m into c. Manifest values win over environment and flags,
// since the manifest ships with the assets it describes.
func (c *Config) apply(m Manifest) {
	if m.Version != "" {
		c.CacheVersion = m.Version
	}
	if m.Offline != "" {
		c.OfflinePage = m.Offline
	}
	if len(m.Assets) > 0 {
		c.Assets = m.Assets
	}
}

// StaticAssets returns the assets to precache. The offline page is always
// included so failed navigations can be answered.
func (c Config) StaticAssets() []string {
	out := make([]string, 0, len(c.Assets)+1)
	seen := make(map[string]bool, len(c.Assets)+1)
	for _, a := range append(append([]string(nil), c.Assets...), c.OfflinePage) {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
