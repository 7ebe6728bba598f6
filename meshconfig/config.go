// Package meshconfig loads and hot-reloads the operator-tunable knobs of
// §6: TOML on disk as the base layer, CLI flags as an override layer, and
// an fsnotify watch that live-reloads policy-only fields (scoring weights,
// rate-limit knobs) without restarting the process. Identity/crypto fields
// are never hot-reloaded.
package meshconfig

import (
	"fmt"
	"os"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Weights mirrors auction.Weights without importing it, so meshconfig has
// no dependency on the domain packages it configures.
type Weights struct {
	Price      float64 `toml:"price"`
	Reputation float64 `toml:"reputation"`
	Fit        float64 `toml:"fit"`
}

// Config is the full set of operator-tunable knobs of §6.
type Config struct {
	BidWindowSecs       int64   `toml:"bid_window_secs"`
	ExecutionWindowSecs int64   `toml:"execution_window_secs"`
	AckFraction         float64 `toml:"ack_fraction"`
	RetryFloor          float64 `toml:"retry_floor"`
	MaxRetries          int     `toml:"max_retries"`
	ScoringWeights      Weights `toml:"scoring_weights"`
	ReputationAlpha     float64 `toml:"reputation_alpha"`
	ReputationBeta      float64 `toml:"reputation_beta"`
	ManaTickPeriodMs    int64   `toml:"mana_tick_period_ms"`
	RateLimitBase       uint64  `toml:"rate_limit_base"`
	RateLimitK          float64 `toml:"rate_limit_k"`
	QueueBound          int     `toml:"queue_bound"`
	ReplayWindowSecs    int64   `toml:"replay_window_secs"`
	ClockSkewSecs       int64   `toml:"clock_skew_secs"`
}

// policyOnlyFields are the fields fsnotify-driven reload is permitted to
// change in place; everything else (none of Config today touches identity
// or crypto material, but a future field must be added here explicitly to
// become hot-reloadable) requires a restart.
var policyOnlyFields = map[string]bool{
	"ScoringWeights": true,
	"RateLimitBase":  true,
	"RateLimitK":     true,
	"RetryFloor":     true,
}

// Default returns the spec's stated defaults (§4.1, §4.2, §4.3, §4.4, §6).
func Default() Config {
	return Config{
		BidWindowSecs:       30,
		ExecutionWindowSecs: 600,
		AckFraction:         0.25,
		RetryFloor:          0.5,
		MaxRetries:          2,
		ScoringWeights:      Weights{Price: 0.4, Reputation: 0.4, Fit: 0.2},
		ReputationAlpha:     0.1,
		ReputationBeta:      0.2,
		ManaTickPeriodMs:    1000,
		RateLimitBase:       1000,
		RateLimitK:          500,
		QueueBound:          10000,
		ReplayWindowSecs:    900,
		ClockSkewSecs:       300,
	}
}

// Load reads a TOML file into Config, starting from Default() so an
// incomplete file still yields sane values for every unset field.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("meshconfig: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Store holds the live Config plus an optional fsnotify watch that
// reloads policy-only fields from disk when the backing file changes.
type Store struct {
	mu     sync.RWMutex
	cfg    Config
	path   string
	onErr  func(error)
	watch  *fsnotify.Watcher
	closed chan struct{}
}

// NewStore creates a Store seeded with cfg. Watch starts the fsnotify
// watch; callers that only need a static snapshot can skip it.
func NewStore(cfg Config, path string) *Store {
	return &Store{cfg: cfg, path: path}
}

// Get returns the current live configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Watch starts watching Store's backing file for changes, applying
// policy-only fields from each reload. onErr (optional) receives watch and
// reload errors; the watch itself keeps running past a failed reload.
func (s *Store) Watch(onErr func(error)) error {
	if s.path == "" {
		return fmt.Errorf("meshconfig: store has no backing file to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("meshconfig: create watcher: %w", err)
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return fmt.Errorf("meshconfig: watch %s: %w", s.path, err)
	}
	s.watch = w
	s.onErr = onErr
	s.closed = make(chan struct{})
	go s.loop()
	return nil
}

func (s *Store) loop() {
	for {
		select {
		case ev, ok := <-s.watch.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reloadPolicyFields(); err != nil && s.onErr != nil {
				s.onErr(err)
			}
		case err, ok := <-s.watch.Errors:
			if !ok {
				return
			}
			if s.onErr != nil {
				s.onErr(err)
			}
		case <-s.closed:
			return
		}
	}
}

// reloadPolicyFields re-reads the backing file and applies only the
// policy-only subset defined in policyOnlyFields, leaving every other
// field (including anything identity/crypto-adjacent) untouched.
func (s *Store) reloadPolicyFields() error {
	next, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if policyOnlyFields["ScoringWeights"] {
		s.cfg.ScoringWeights = next.ScoringWeights
	}
	if policyOnlyFields["RateLimitBase"] {
		s.cfg.RateLimitBase = next.RateLimitBase
	}
	if policyOnlyFields["RateLimitK"] {
		s.cfg.RateLimitK = next.RateLimitK
	}
	if policyOnlyFields["RetryFloor"] {
		s.cfg.RetryFloor = next.RetryFloor
	}
	return nil
}

// Close stops the fsnotify watch, if any.
func (s *Store) Close() error {
	if s.watch == nil {
		return nil
	}
	close(s.closed)
	return s.watch.Close()
}

// ApplyFlags overrides cfg with any non-zero flag value, the CLI-override
// layer of §6. cmd/meshd does not define these flags or call ApplyFlags.
func ApplyFlags(cfg Config, bidWindowSecs, executionWindowSecs int64, retryFloor float64) Config {
	if bidWindowSecs > 0 {
		cfg.BidWindowSecs = bidWindowSecs
	}
	if executionWindowSecs > 0 {
		cfg.ExecutionWindowSecs = executionWindowSecs
	}
	if retryFloor > 0 {
		cfg.RetryFloor = retryFloor
	}
	return cfg
}

// fileExists reports whether path can be stat'ed; it backs FileExists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FileExists reports whether path names an existing file.
func FileExists(path string) bool { return fileExists(path) }
