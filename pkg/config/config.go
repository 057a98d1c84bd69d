// Package config loads the client settings file. All fields have
// working defaults; a missing file is not an error unless a path was
// given explicitly.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/agentdeck/pkg/session"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "45s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings is the on-disk configuration.
type Settings struct {
	Server       string                `yaml:"server"`
	Surface      string                `yaml:"surface"`
	Agent        string                `yaml:"agent"`
	ThreadID     string                `yaml:"thread_id"`
	StorePath    string                `yaml:"store_path"`
	StoreBackend string                `yaml:"store_backend"`
	LogLevel     string                `yaml:"log_level"`
	Staleness    Duration              `yaml:"staleness"`
	PollInterval Duration              `yaml:"poll_interval"`
	Backoff      []Duration            `yaml:"backoff"`
	Redis        session.RedisSettings `yaml:"redis"`
}

// Default returns the baked-in settings.
func Default() Settings {
	return Settings{
		Server:   "http://localhost:8080",
		Surface:  "tui",
		LogLevel: "info",
	}
}

// DefaultStorePath places the durable client state under the user's
// home directory. Falls back to the working directory when the home
// directory cannot be resolved.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentdeck.db"
	}
	return filepath.Join(home, ".agentdeck", "state.db")
}

// Load reads settings from path, overlaying the defaults. An empty path
// checks the default location and silently uses the defaults when no
// file exists there; an explicit path must exist.
func Load(path string) (Settings, error) {
	s := Default()
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return s, nil
		}
		path = filepath.Join(home, ".agentdeck", "config.yaml")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return s, nil
		}
		return s, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, errors.Wrapf(err, "parse config %s", path)
	}
	return s, nil
}

// BackoffSchedule converts the configured backoff ladder, or nil when
// unset so the default schedule applies.
func (s Settings) BackoffSchedule() []time.Duration {
	if len(s.Backoff) == 0 {
		return nil
	}
	out := make([]time.Duration, len(s.Backoff))
	for i, d := range s.Backoff {
		out[i] = d.Std()
	}
	return out
}
