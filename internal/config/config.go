// Package config holds the settings shared by the store, the build engine
// and the CLI.
//
// Settings are resolved in this order, later sources winning: built-in
// defaults, the YAML file given with --config, STOREWEAVER_* environment
// variables, command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STOREWEAVER_"

type Settings struct {
	StoreDir     string `yaml:"storeDir"`
	RealStoreDir string `yaml:"realStoreDir"`
	StateDir     string `yaml:"stateDir"`
	LogDir       string `yaml:"logDir"`
	System       string `yaml:"system"`

	MaxBuildJobs        int `yaml:"maxBuildJobs"`
	MaxSubstitutionJobs int `yaml:"maxSubstitutionJobs"`
	BuildCores          int `yaml:"buildCores"`

	KeepGoing      bool `yaml:"keepGoing"`
	TryFallback    bool `yaml:"tryFallback"`
	UseSubstitutes bool `yaml:"useSubstitutes"`
	ReadOnlyMode   bool `yaml:"readOnlyMode"`

	Substituters        []string `yaml:"substituters"`
	TrustedSubstituters []string `yaml:"trustedSubstituters"`
	// RequireSigs skips substituters that are not trusted.
	RequireSigs bool `yaml:"requireSigs"`

	PollInterval  time.Duration `yaml:"pollInterval"`
	BuildTimeout  time.Duration `yaml:"buildTimeout"`
	MaxSilentTime time.Duration `yaml:"maxSilentTime"`
	MaxLogSize    int64         `yaml:"maxLogSize"`
	LogLines      int           `yaml:"logLines"`
	KeepLog       bool          `yaml:"keepLog"`
	PostBuildHook string        `yaml:"postBuildHook"`

	// KeepOutputs and KeepDerivations widen what a live root keeps from
	// garbage collection: the outputs of live derivations, and the
	// derivers of live paths.
	KeepOutputs     bool `yaml:"keepOutputs"`
	KeepDerivations bool `yaml:"keepDerivations"`

	NarinfoCacheTTL    time.Duration `yaml:"narinfoCacheTTL"`
	NarinfoNegativeTTL time.Duration `yaml:"narinfoNegativeTTL"`
	RedisAddr          string        `yaml:"redisAddr"`
}

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		StoreDir:            "/nix/store",
		StateDir:            "/nix/var/nix",
		System:              NativeSystem(),
		MaxBuildJobs:        1,
		MaxSubstitutionJobs: 16,
		UseSubstitutes:      true,
		PollInterval:        5 * time.Second,
		LogLines:            25,
		KeepLog:             true,
		KeepDerivations:     true,
		NarinfoCacheTTL:     30 * 24 * time.Hour,
		NarinfoNegativeTTL:  time.Hour,
	}
}

// NativeSystem names the platform this binary runs on, e.g. x86_64-linux.
func NativeSystem() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "i686"
	}
	return arch + "-" + runtime.GOOS
}

// Load reads defaults, then the YAML file at path when path is not empty,
// then the environment. It does not validate.
func Load(path string) (*Settings, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config '%s': %w", path, err)
		}
	}
	s.applyEnv()
	return s, nil
}

func (s *Settings) applyEnv() {
	s.StoreDir = envDefault("STORE_DIR", s.StoreDir)
	s.RealStoreDir = envDefault("REAL_STORE_DIR", s.RealStoreDir)
	s.StateDir = envDefault("STATE_DIR", s.StateDir)
	s.LogDir = envDefault("LOG_DIR", s.LogDir)
	s.System = envDefault("SYSTEM", s.System)
	s.MaxBuildJobs = envIntDefault("MAX_JOBS", s.MaxBuildJobs)
	s.MaxSubstitutionJobs = envIntDefault("MAX_SUBSTITUTION_JOBS", s.MaxSubstitutionJobs)
	s.BuildCores = envIntDefault("CORES", s.BuildCores)
	s.KeepGoing = envBoolDefault("KEEP_GOING", s.KeepGoing)
	s.TryFallback = envBoolDefault("FALLBACK", s.TryFallback)
	s.UseSubstitutes = envBoolDefault("SUBSTITUTE", s.UseSubstitutes)
	s.ReadOnlyMode = envBoolDefault("READ_ONLY", s.ReadOnlyMode)
	s.Substituters = envListDefault("SUBSTITUTERS", s.Substituters)
	s.TrustedSubstituters = envListDefault("TRUSTED_SUBSTITUTERS", s.TrustedSubstituters)
	s.RequireSigs = envBoolDefault("REQUIRE_SIGS", s.RequireSigs)
	s.PollInterval = envDurationDefault("POLL_INTERVAL", s.PollInterval)
	s.BuildTimeout = envDurationDefault("BUILD_TIMEOUT", s.BuildTimeout)
	s.MaxSilentTime = envDurationDefault("MAX_SILENT_TIME", s.MaxSilentTime)
	s.MaxLogSize = int64(envIntDefault("MAX_LOG_SIZE", int(s.MaxLogSize)))
	s.LogLines = envIntDefault("LOG_LINES", s.LogLines)
	s.KeepLog = envBoolDefault("KEEP_LOG", s.KeepLog)
	s.PostBuildHook = envDefault("POST_BUILD_HOOK", s.PostBuildHook)
	s.NarinfoCacheTTL = envDurationDefault("NARINFO_CACHE_TTL", s.NarinfoCacheTTL)
	s.NarinfoNegativeTTL = envDurationDefault("NARINFO_NEGATIVE_TTL", s.NarinfoNegativeTTL)
	s.RedisAddr = envDefault("REDIS_ADDR", s.RedisAddr)
	s.KeepOutputs = envBoolDefault("GC_KEEP_OUTPUTS", s.KeepOutputs)
	s.KeepDerivations = envBoolDefault("GC_KEEP_DERIVATIONS", s.KeepDerivations)
}

// Validate reports every problem with s at once.
func (s *Settings) Validate() error {
	var err error
	requireAbs := func(name, v string) {
		if v == "" {
			err = multierr.Append(err, fmt.Errorf("%s must be set", name))
		} else if !filepath.IsAbs(v) {
			err = multierr.Append(err, fmt.Errorf("%s '%s' must be an absolute path", name, v))
		}
	}
	requireAbs("storeDir", s.StoreDir)
	requireAbs("stateDir", s.StateDir)
	if s.StoreDir != "" && filepath.Clean(s.StoreDir) != s.StoreDir {
		err = multierr.Append(err, fmt.Errorf("storeDir '%s' is not canonical", s.StoreDir))
	}
	if s.RealStoreDir != "" {
		requireAbs("realStoreDir", s.RealStoreDir)
	}
	if s.System == "" {
		err = multierr.Append(err, errors.New("system must be set"))
	}
	for name, v := range map[string]int{
		"maxBuildJobs":        s.MaxBuildJobs,
		"maxSubstitutionJobs": s.MaxSubstitutionJobs,
		"buildCores":          s.BuildCores,
		"logLines":            s.LogLines,
	} {
		if v < 0 {
			err = multierr.Append(err, fmt.Errorf("%s must not be negative, got %d", name, v))
		}
	}
	if s.MaxLogSize < 0 {
		err = multierr.Append(err, fmt.Errorf("maxLogSize must not be negative, got %d", s.MaxLogSize))
	}
	for name, v := range map[string]time.Duration{
		"pollInterval":       s.PollInterval,
		"buildTimeout":       s.BuildTimeout,
		"maxSilentTime":      s.MaxSilentTime,
		"narinfoCacheTTL":    s.NarinfoCacheTTL,
		"narinfoNegativeTTL": s.NarinfoNegativeTTL,
	} {
		if v < 0 {
			err = multierr.Append(err, fmt.Errorf("%s must not be negative, got %s", name, v))
		}
	}
	for _, uri := range append(append([]string{}, s.Substituters...), s.TrustedSubstituters...) {
		u, perr := url.Parse(uri)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("substituter '%s': %w", uri, perr))
			continue
		}
		switch u.Scheme {
		case "http", "https", "file", "local":
		default:
			err = multierr.Append(err, fmt.Errorf("substituter '%s': unsupported scheme '%s'", uri, u.Scheme))
		}
	}
	return err
}

// RealStore returns the directory objects are materialised in.
func (s *Settings) RealStore() string {
	if s.RealStoreDir != "" {
		return s.RealStoreDir
	}
	return s.StoreDir
}

// BuildLogDir returns where build logs are kept.
func (s *Settings) BuildLogDir() string {
	if s.LogDir != "" {
		return s.LogDir
	}
	return filepath.Join(s.StateDir, "log")
}

// Cores returns the value passed to builders as NIX_BUILD_CORES.
func (s *Settings) Cores() int {
	if s.BuildCores > 0 {
		return s.BuildCores
	}
	return runtime.NumCPU()
}

// IsTrusted reports whether the substituter at uri may be used when
// RequireSigs is set. Configured substituters are trusted.
func (s *Settings) IsTrusted(uri string) bool {
	uri = strings.TrimSuffix(uri, "/")
	for _, list := range [][]string{s.Substituters, s.TrustedSubstituters} {
		for _, t := range list {
			if strings.TrimSuffix(t, "/") == uri {
				return true
			}
		}
	}
	return false
}

func envDefault(key, def string) string {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}

func envDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func envListDefault(key string, def []string) []string {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return def
	}
	return strings.Fields(v)
}
