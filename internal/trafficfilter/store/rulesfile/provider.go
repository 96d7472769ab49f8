// Package rulesfile reads filter rules from YAML documents and keeps a
// running engine in sync with a rules file on disk.
package rulesfile

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"trafficfilter/internal/trafficfilter/core"
	"trafficfilter/internal/trafficfilter/observability"
)

const (
	defaultPollInterval = 10 * time.Second
	debounceWindow      = 100 * time.Millisecond
)

// Loader applies a parsed rule batch atomically. *core.Engine satisfies it.
type Loader interface {
	LoadRules(rules []core.FilterRule) (*core.LoadResult, error)
}

// Options configures a rules file provider.
type Options struct {
	Path         string
	PollInterval time.Duration
	Logger       observability.Logger
}

// Provider loads a YAML rules file into a Loader and reapplies it when the
// file changes. File events drive reloads where a watcher is available; a
// content-hash poll covers mounts and editors that do not deliver them. A
// batch the loader rejects leaves the previously applied rules active.
type Provider struct {
	path   string
	poll   time.Duration
	loader Loader
	logger observability.Logger

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	applied  bool
}

// NewProvider builds a provider for one rules file.
func NewProvider(loader Loader, opts Options) (*Provider, error) {
	if loader == nil {
		return nil, errors.New("rules loader is required")
	}
	if opts.Path == "" {
		return nil, errors.New("rules file path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger{}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Provider{
		path:   opts.Path,
		poll:   poll,
		loader: loader,
		logger: logger,
	}, nil
}

// Load reads and applies the rules file once. Content identical to the last
// successfully applied document is skipped.
func (p *Provider) Load() error {
	if p == nil {
		return errors.New("rules provider is not configured")
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return errors.Wrap(err, "read rules file")
	}
	sum := sha256.Sum256(data)

	p.mu.Lock()
	unchanged := p.applied && sum == p.lastHash
	p.mu.Unlock()
	if unchanged {
		return nil
	}

	rules, err := DecodeRules(data)
	if err != nil {
		return err
	}
	result, err := p.loader.LoadRules(rules)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.lastHash = sum
	p.applied = true
	p.mu.Unlock()

	p.logger.Info("rules file applied", map[string]any{
		"path":    p.path,
		"version": result.Version,
		"rules":   result.Rules,
		"enabled": result.Enabled,
	})
	return nil
}

// Run applies the file once and then reloads it on changes until ctx ends.
// The initial load must succeed; later failures are logged and the active
// rules stay in place.
func (p *Provider) Run(ctx context.Context) error {
	if p == nil {
		return errors.New("rules provider is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.Load(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("rules watcher unavailable, polling only", map[string]any{
			"path":  p.path,
			"error": err.Error(),
		})
		return p.watchLoop(ctx, nil)
	}
	defer watcher.Close()

	// Watch the directory so atomic saves that replace the file keep
	// delivering events for the path.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		p.logger.Warn("watch rules directory failed, polling only", map[string]any{
			"path":  p.path,
			"error": err.Error(),
		})
		return p.watchLoop(ctx, nil)
	}
	return p.watchLoop(ctx, watcher)
}

func (p *Provider) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	debounce := time.NewTimer(debounceWindow)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce editors that emit several events per save.
			debounce.Reset(debounceWindow)
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			p.logger.Error("rules watcher error", map[string]any{
				"path":  p.path,
				"error": err.Error(),
			})
		case <-debounce.C:
			p.reload()
		case <-ticker.C:
			p.reload()
		}
	}
}

func (p *Provider) reload() {
	if err := p.Load(); err != nil {
		p.logger.Warn("rules reload failed, keeping active rules", map[string]any{
			"path":  p.path,
			"error": err.Error(),
		})
	}
}

// StaticProvider applies a fixed rule batch. It backs embedders and tests
// that have no rules file on disk.
type StaticProvider struct {
	loader Loader
	rules  []core.FilterRule
}

// NewStaticProvider builds a provider over an in-memory rule batch.
func NewStaticProvider(loader Loader, rules []core.FilterRule) *StaticProvider {
	return &StaticProvider{loader: loader, rules: rules}
}

// Load applies the batch.
func (p *StaticProvider) Load() error {
	if p == nil || p.loader == nil {
		return errors.New("rules loader is required")
	}
	_, err := p.loader.LoadRules(p.rules)
	return err
}

// Run applies the batch once and then waits out the context.
func (p *StaticProvider) Run(ctx context.Context) error {
	if err := p.Load(); err != nil {
		return err
	}
	if ctx == nil {
		return nil
	}
	<-ctx.Done()
	return nil
}
