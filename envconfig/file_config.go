package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Tokenizer struct {
		Vocab       string `toml:"vocab"`
		Escape      string `toml:"escape"`
		NumParallel int    `toml:"num_parallel"`
	} `toml:"tokenizer"`

	Logging struct {
		Debug string `toml:"debug"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths for the current OS
func GetConfigPaths() []string {
	var paths []string

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "tokenizer", "config.toml"))
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			paths = append(paths, filepath.Join(userProfile, ".tokenizer", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "tokenizer", "config.toml"))
		}
		home, err := os.UserHomeDir()
		if err == nil {
			paths = append(paths,
				filepath.Join(home, ".config", "tokenizer", "config.toml"),
				filepath.Join(home, ".tokenizer", "config.toml"),
			)
		}
	}

	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	switch key {
	case "TOKENIZER_VOCAB":
		return config.Tokenizer.Vocab
	case "TOKENIZER_ESCAPE":
		return config.Tokenizer.Escape
	case "TOKENIZER_NUM_PARALLEL":
		if config.Tokenizer.NumParallel > 0 {
			return fmt.Sprintf("%d", config.Tokenizer.NumParallel)
		}
	case "TOKENIZER_DEBUG":
		return config.Logging.Debug
	}

	return ""
}

// ConfigPath returns the path of the loaded config file, if any.
func ConfigPath() string {
	GetConfigValue("")
	return configPath
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# Tokenizer configuration file
# Environment variables take precedence over the values below.

[tokenizer]
# Directory holding tokenizer.json, or vocab.json and merges.txt
vocab = "/path/to/vocab"
# Whitespace escape mode for SentencePiece vocabularies: prefix, replace or none
escape = "prefix"
# Maximum number of texts tokenized in parallel (default: GOMAXPROCS)
num_parallel = 4

[logging]
# 1 for debug, 2 for trace (default: info)
debug = "0"
`
}
