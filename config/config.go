// Package config loads the tunables that govern the coordination core's
// timing behavior: advisory-lock and exclusive-scope timeouts, doorbell
// debounce windows, handshake ack-wait timeouts, and the shared container
// path. Values are read from a YAML file (if present) and overridden by
// environment variables, via Viper, the same layering the teacher's own
// config loader uses.
//
// Every field has a documented default matching the values spec.md
// specifies inline, so a deployment with no config file at all still
// behaves exactly as spec.md describes.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults, named for the tunable they back. Comments record where
// spec.md pins the number; fields without a spec.md-mandated value use
// the figure the rest of the core already hardcodes.
const (
	// DefaultScopeTimeout is spec.md §4.6 step 2's decrypt_and_store
	// exclusive-access deadline.
	DefaultScopeTimeout = 15 * time.Second
	// DefaultBatchTimeout bounds a single decrypt_batch scope hold.
	DefaultBatchTimeout = 30 * time.Second
	// DefaultAdvisoryLockTimeout is the whole with_exclusive deadline
	// (permit plus advisory lock) for the context, epoch and member-count
	// query paths, per spec.md §4.5's worked example.
	DefaultAdvisoryLockTimeout = 5 * time.Second
	// DefaultDoorbellDebounceWindow is the "small window" spec.md §4.4
	// describes for doorbell-receipt debouncing.
	DefaultDoorbellDebounceWindow = 250 * time.Millisecond
	// DefaultHandshakeAckTimeout bounds how long a will-close requester
	// waits for every target process to acknowledge before giving up and
	// proceeding regardless, per spec.md §4.4.
	DefaultHandshakeAckTimeout = 2 * time.Second
	// DefaultSharedContainerDir is used only when neither the config file
	// nor the environment names a shared container path; production
	// deployments are expected to always set one explicitly.
	DefaultSharedContainerDir = "."
)

// Config bundles the core's runtime tunables.
type Config struct {
	SharedContainerDir     string        `mapstructure:"shared_container_dir"`
	ScopeTimeout           time.Duration `mapstructure:"scope_timeout"`
	BatchTimeout           time.Duration `mapstructure:"batch_timeout"`
	AdvisoryLockTimeout    time.Duration `mapstructure:"advisory_lock_timeout"`
	DoorbellDebounceWindow time.Duration `mapstructure:"doorbell_debounce_window"`
	HandshakeAckTimeout    time.Duration `mapstructure:"handshake_ack_timeout"`
	ContextCacheSize       int           `mapstructure:"context_cache_size"`
}

func defaults() Config {
	return Config{
		SharedContainerDir:     DefaultSharedContainerDir,
		ScopeTimeout:           DefaultScopeTimeout,
		BatchTimeout:           DefaultBatchTimeout,
		AdvisoryLockTimeout:    DefaultAdvisoryLockTimeout,
		DoorbellDebounceWindow: DefaultDoorbellDebounceWindow,
		HandshakeAckTimeout:    DefaultHandshakeAckTimeout,
		ContextCacheSize:       8,
	}
}

// Load reads configuration from path (if non-empty and the file exists)
// and from environment variables prefixed MLSCORE_ (e.g.
// MLSCORE_SCOPE_TIMEOUT=20s), layered over the package defaults. A
// missing or unreadable config file is not an error; only a malformed one
// is.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("mlscore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := defaults()
	v.SetDefault("shared_container_dir", d.SharedContainerDir)
	v.SetDefault("scope_timeout", d.ScopeTimeout)
	v.SetDefault("batch_timeout", d.BatchTimeout)
	v.SetDefault("advisory_lock_timeout", d.AdvisoryLockTimeout)
	v.SetDefault("doorbell_debounce_window", d.DoorbellDebounceWindow)
	v.SetDefault("handshake_ack_timeout", d.HandshakeAckTimeout)
	v.SetDefault("context_cache_size", d.ContextCacheSize)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var pathErr *fs.PathError
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.As(err, &pathErr) {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
