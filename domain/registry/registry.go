// Package registry implements the rule registry: the authoritative,
// hot-reloadable, versioned rule set and its compiled (trie + regex-set)
// snapshots.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fsnotify/fsnotify"

	"github.com/guardianrail/safety/domain/ruletypes"
	"github.com/guardianrail/safety/infrastructure/logging"
)

// RegistryLoadError wraps a load failure, distinguishing it from a runtime
// evaluation error so callers can decide whether to keep serving the prior
// snapshot.
type RegistryLoadError struct {
	Source string
	Err    error
}

func (e *RegistryLoadError) Error() string {
	return fmt.Sprintf("registry: load from %s failed: %v", e.Source, e.Err)
}

func (e *RegistryLoadError) Unwrap() error { return e.Err }

// Config controls registry behavior.
type Config struct {
	RegexTimeout     time.Duration // per-pattern regex timeout, default 5ms
	ReloadInterval   time.Duration // file poll interval, default 60s
	OnRegexTimeout   func(ruleID string)
	OnAutoDisabled   func(ruleID string)
}

func (c Config) withDefaults() Config {
	if c.RegexTimeout <= 0 {
		c.RegexTimeout = 5 * time.Millisecond
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = 60 * time.Second
	}
	return c
}

// Registry holds the authoritative rule set and publishes compiled
// snapshots. Readers never block writers: Current reads an atomic
// pointer; Load/Inject/Enable/Disable build a new snapshot and swap it in.
type Registry struct {
	snapshot atomic.Pointer[Snapshot]
	cfg      Config
	logger   *logging.Logger

	mu          sync.Mutex // serializes writers (Load/Inject/Enable/Disable)
	fileRules   map[string]ruletypes.Rule // last loaded from file source
	dynamicRule map[string]ruletypes.Rule // injected, supersede file rules of the same id
	nextVersion int64

	subsMu      sync.Mutex
	subscribers []func(version int64)

	watcher *fsnotify.Watcher
	source  string
	stop    chan struct{}
	stopped sync.Once
}

// New creates a Registry with an empty rule set; call Load to activate
// rules before serving traffic.
func New(cfg Config, logger *logging.Logger) *Registry {
	return &Registry{
		cfg:         cfg.withDefaults(),
		logger:      logger,
		fileRules:   make(map[string]ruletypes.Rule),
		dynamicRule: make(map[string]ruletypes.Rule),
		stop:        make(chan struct{}),
	}
}

// Current returns the active snapshot. Never returns nil once Load has
// succeeded at least once.
func (r *Registry) Current() *Snapshot {
	return r.snapshot.Load()
}

// LoadFrom parses declarative rules from a file or directory of YAML/JSON
// rule files and activates them as a new snapshot. Mandatory rules
// (block + high/critical) that fail to compile abort the load; the prior
// snapshot remains in force.
func (r *Registry) LoadFrom(source string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	loaded, err := loadRuleFiles(source)
	if err != nil {
		return 0, &RegistryLoadError{Source: source, Err: err}
	}
	for _, rule := range loaded {
		if err := rule.Validate(); err != nil && rule.Mandatory() {
			return 0, &RegistryLoadError{Source: source, Err: err}
		}
	}

	merged := make(map[string]ruletypes.Rule, len(loaded))
	for _, rule := range loaded {
		merged[rule.ID] = rule
	}
	r.fileRules = merged
	r.source = source

	snap, err := r.rebuildLocked()
	if err != nil {
		return 0, &RegistryLoadError{Source: source, Err: err}
	}
	return snap.Version, nil
}

// Inject merges a single rule into a new snapshot, superseding any file
// rule with the same id, and publishes it atomically.
func (r *Registry) Inject(rule ruletypes.Rule) (int64, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dynamicRule[rule.ID] = rule
	snap, err := r.rebuildLocked()
	if err != nil {
		return 0, err
	}
	return snap.Version, nil
}

// Enable flips a rule's enabled flag to true and publishes a new snapshot.
func (r *Registry) Enable(id string) (int64, error) { return r.setEnabled(id, true) }

// Disable flips a rule's enabled flag to false and publishes a new
// snapshot.
func (r *Registry) Disable(id string) (int64, error) { return r.setEnabled(id, false) }

func (r *Registry) setEnabled(id string, enabled bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := r.mergedRulesLocked()
	rule, ok := merged[id]
	if !ok {
		return 0, fmt.Errorf("registry: rule %s not found", id)
	}
	rule.Enabled = enabled
	rule.Version++
	if _, isDynamic := r.dynamicRule[id]; isDynamic {
		r.dynamicRule[id] = rule
	} else {
		r.fileRules[id] = rule
	}

	snap, err := r.rebuildLocked()
	if err != nil {
		return 0, err
	}
	return snap.Version, nil
}

// Subscribe registers callback to be invoked (asynchronously) on every
// snapshot swap with the new version.
func (r *Registry) Subscribe(callback func(version int64)) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.subscribers = append(r.subscribers, callback)
}

func (r *Registry) notifySubscribers(version int64) {
	r.subsMu.Lock()
	subs := append([]func(version int64){}, r.subscribers...)
	r.subsMu.Unlock()
	for _, cb := range subs {
		go cb(version)
	}
}

// mergedRulesLocked combines file rules with dynamic rules, dynamic
// winning on id conflicts (spec §4.1: "dynamic-injected rules supersede
// file rules with the same id").
func (r *Registry) mergedRulesLocked() map[string]ruletypes.Rule {
	merged := make(map[string]ruletypes.Rule, len(r.fileRules)+len(r.dynamicRule))
	for id, rule := range r.fileRules {
		merged[id] = rule
	}
	for id, rule := range r.dynamicRule {
		merged[id] = rule
	}
	return merged
}

func (r *Registry) rebuildLocked() (*Snapshot, error) {
	merged := r.mergedRulesLocked()
	r.nextVersion++
	version := r.nextVersion

	opts := []RegexSetOption{}
	if r.cfg.OnRegexTimeout != nil {
		opts = append(opts, WithTimeoutHook(r.cfg.OnRegexTimeout))
	}
	if r.cfg.OnAutoDisabled != nil {
		opts = append(opts, WithAutoDisableHook(r.cfg.OnAutoDisabled))
	}

	snap, err := buildSnapshot(version, merged, r.cfg.RegexTimeout, opts...)
	if err != nil {
		return nil, err
	}
	r.snapshot.Store(snap)
	r.notifySubscribers(snap.Version)
	return snap, nil
}

// StartFileWatcher begins watching source (a file or directory) for
// changes, combining an fsnotify watch with a polling fallback at
// cfg.ReloadInterval, so a reload is picked up promptly when the
// filesystem supports inotify and within one interval otherwise.
func (r *Registry) StartFileWatcher(ctx context.Context, source string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(source)); err != nil {
		watcher.Close()
		return fmt.Errorf("registry: watch %s: %w", source, err)
	}
	r.watcher = watcher

	go r.watchLoop(ctx, source)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, source string) {
	ticker := time.NewTicker(r.cfg.ReloadInterval)
	defer ticker.Stop()

	reload := func(reason string) {
		if _, err := r.LoadFrom(source); err != nil {
			if r.logger != nil {
				r.logger.WithError(err).Error("registry reload failed")
			}
			return
		}
		if r.logger != nil {
			r.logger.WithFields(map[string]interface{}{"reason": reason}).Info("registry reloaded")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload("fsnotify")
			}
		case <-ticker.C:
			reload("poll")
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			if r.logger != nil {
				r.logger.WithError(err).Warn("registry file watcher error")
			}
		}
	}
}

// Stop halts the file watcher goroutine.
func (r *Registry) Stop() {
	r.stopped.Do(func() {
		close(r.stop)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// ruleFile is the on-disk shape of one rule source file: either YAML or
// JSON, selected by extension.
type ruleFile struct {
	Rules []ruletypes.Rule `yaml:"rules" json:"rules"`
}

// loadRuleFiles reads source (a single file or a directory of files) and
// returns the union of all rules found, in deterministic id order.
func loadRuleFiles(source string) ([]ruletypes.Rule, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, err
	}

	var paths []string
	if info.IsDir() {
		entries, err := os.ReadDir(source)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext == ".yaml" || ext == ".yml" || ext == ".json" {
				paths = append(paths, filepath.Join(source, e.Name()))
			}
		}
	} else {
		paths = []string{source}
	}

	var all []ruletypes.Rule
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var rf ruleFile
		switch strings.ToLower(filepath.Ext(p)) {
		case ".json":
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.DisallowUnknownFields()
			err = dec.Decode(&rf)
		default:
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			err = dec.Decode(&rf)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		all = append(all, rf.Rules...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}
