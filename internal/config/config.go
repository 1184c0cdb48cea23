// Package config loads the gateway's server-definition document and watches
// it for changes so the connection manager can pick up added or removed
// servers without a restart.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/1mcp-app/agent/internal/mcpserver"
	"github.com/1mcp-app/agent/pkg/logging"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// TemplateOptions controls whether a server definition's outbound connection
// is materialised once (static) or per rendered-context (template).
type TemplateOptions struct {
	Shareable    bool `yaml:"shareable"`
	PerClient    bool `yaml:"perClient"`
	IdleTimeout  int  `yaml:"idleTimeoutMs"`
	MaxInstances int  `yaml:"maxInstances"`
}

// ServerDefinition is one upstream MCP server entry in the document.
type ServerDefinition struct {
	Name    string            `yaml:"name"`
	Type    mcpserver.ServerType `yaml:"type"`
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	Tags         []string `yaml:"tags,omitempty"`
	Instructions string   `yaml:"instructions,omitempty"`

	DisabledTools     []string `yaml:"disabledTools,omitempty"`
	EnabledTools      []string `yaml:"enabledTools,omitempty"`
	DisabledResources []string `yaml:"disabledResources,omitempty"`
	EnabledResources  []string `yaml:"enabledResources,omitempty"`
	DisabledPrompts   []string `yaml:"disabledPrompts,omitempty"`
	EnabledPrompts    []string `yaml:"enabledPrompts,omitempty"`

	Template *TemplateOptions `yaml:"template,omitempty"`
}

// LazyLoadingConfig mirrors the gateway-level lazy loading options.
type LazyLoadingConfig struct {
	Enabled      bool     `yaml:"enabled"`
	DirectExpose []string `yaml:"directExpose,omitempty"`
	Cache        struct {
		MaxEntries int  `yaml:"maxEntries"`
		TTLMs      *int `yaml:"ttlMs,omitempty"`
	} `yaml:"cache"`
	Preload struct {
		Patterns []string `yaml:"patterns,omitempty"`
		Keywords []string `yaml:"keywords,omitempty"`
	} `yaml:"preload"`
	Fallback struct {
		OnError   string `yaml:"onError"`
		TimeoutMs int    `yaml:"timeoutMs"`
	} `yaml:"fallback"`
}

// InstancePoolConfig mirrors §6's instance pool options.
type InstancePoolConfig struct {
	MaxInstances      int `yaml:"maxInstances"`
	IdleTimeoutMs     int `yaml:"idleTimeoutMs"`
	CleanupIntervalMs int `yaml:"cleanupIntervalMs"`
	MaxTotalInstances int `yaml:"maxTotalInstances"`
}

// Document is the full on-disk server-definition document.
type Document struct {
	Servers     []ServerDefinition  `yaml:"servers"`
	Presets     map[string][]string `yaml:"presets,omitempty"`
	LazyLoading LazyLoadingConfig   `yaml:"lazyLoading"`
	Pool        InstancePoolConfig  `yaml:"pool"`
}

func defaultDocument() *Document {
	doc := &Document{}
	doc.LazyLoading.Cache.MaxEntries = 1000
	doc.Pool.MaxInstances = 50
	doc.Pool.MaxTotalInstances = 500
	doc.Pool.IdleTimeoutMs = 10 * 60 * 1000
	doc.Pool.CleanupIntervalMs = 30 * 1000
	return doc
}

// Load parses a server-definition document from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	doc := defaultDocument()
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	for i, s := range doc.Servers {
		if s.Name == "" {
			return nil, fmt.Errorf("server definition at index %d is missing a name", i)
		}
	}
	return doc, nil
}

// Watcher reloads a server-definition document whenever it changes on disk
// and invokes onChange with the freshly parsed document.
type Watcher struct {
	path      string
	onChange  func(*Document)
	fsWatcher *fsnotify.Watcher

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

// NewWatcher starts watching path for writes, debouncing bursts of events
// (editors commonly emit several writes per save).
func NewWatcher(path string, onChange func(*Document)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config %s: %w", path, err)
	}

	w := &Watcher{
		path:      path,
		onChange:  onChange,
		fsWatcher: fsw,
		done:      make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, w.reload)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			logging.Error("Config", err, "config watcher error for %s", w.path)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	doc, err := Load(w.path)
	if err != nil {
		logging.Error("Config", err, "failed to reload config %s, keeping previous document", w.path)
		return
	}
	logging.Info("Config", "reloaded config %s", w.path)
	w.onChange(doc)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)
	return w.fsWatcher.Close()
}
