package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/openmined/portal/internal/utils"
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigPath  = filepath.Join(home, ".portal", "config.json")
	DefaultLogFilePath = filepath.Join(home, ".portal", "logs", "portal.log")
	DefaultLogURL      = "sqlite://" + filepath.ToSlash(filepath.Join(home, ".portal", "events.db"))
	DefaultBlobURL     = "file://" + filepath.ToSlash(filepath.Join(home, ".portal", "blobs"))
	DefaultDir         = "."
	DefaultConcurrency = 16
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	// Dir is the shared directory: watched by a host, written by a joiner.
	Dir             string `json:"dir" mapstructure:"dir"`
	IncludeDotFiles bool   `json:"include_dotfiles" mapstructure:"include_dotfiles"`
	Verbose         bool   `json:"verbose" mapstructure:"verbose"`
	FullTree        bool   `json:"full_tree" mapstructure:"full_tree"`
	LogURL          string `json:"log_url" mapstructure:"log_url"`
	BlobURL         string `json:"blob_url" mapstructure:"blob_url"`
	SessionKey      string `json:"-" mapstructure:"-"`
	Concurrency     int    `json:"concurrency" mapstructure:"concurrency"`
	NoTUI           bool   `json:"no_tui" mapstructure:"no_tui"`
	HTTPAddr        string `json:"http_addr" mapstructure:"http_addr"`
	HTTPToken       string `json:"http_token" mapstructure:"http_token"`
	LogFilePath     string `json:"log_file" mapstructure:"log_file"`
	Path            string `json:"-" mapstructure:"-"`
}

// Validate fills defaults, resolves paths and checks the backend URLs.
func (c *Config) Validate() error {
	if c.Dir == "" {
		c.Dir = DefaultDir
	}
	dir, err := utils.ResolvePath(c.Dir)
	if err != nil {
		return fmt.Errorf("%w: dir: %w", ErrInvalidConfig, err)
	}
	c.Dir = dir

	if c.LogURL == "" {
		c.LogURL = DefaultLogURL
	}
	if err := validateURL(c.LogURL); err != nil {
		return fmt.Errorf("%w: log url: %w", ErrInvalidConfig, err)
	}

	if c.BlobURL == "" {
		c.BlobURL = DefaultBlobURL
	}
	if err := validateURL(c.BlobURL); err != nil {
		return fmt.Errorf("%w: blob url: %w", ErrInvalidConfig, err)
	}

	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}

	if c.LogFilePath == "" {
		c.LogFilePath = DefaultLogFilePath
	}
	if c.LogFilePath, err = utils.ResolvePath(c.LogFilePath); err != nil {
		return fmt.Errorf("%w: log file: %w", ErrInvalidConfig, err)
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" {
		return fmt.Errorf("%q has no scheme", raw)
	}
	return nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.Path = path
	return &cfg, nil
}
