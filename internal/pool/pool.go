// Package pool implements the Template Server Manager & Client Instance
// Pool: it materialises template server definitions (ones whose config
// carries unresolved `{{ variable }}` placeholders) into concrete, possibly
// shared, upstream connections keyed into the same Outbound Connections Map
// the static Connection Manager uses, and reclaims idle instances.
package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/1mcp-app/agent/internal/config"
	"github.com/1mcp-app/agent/internal/mcpserver"
	"github.com/1mcp-app/agent/internal/template"
	"github.com/1mcp-app/agent/internal/upstream"
	"github.com/1mcp-app/agent/pkg/logging"
)

// Status is a Pooled Client Instance's lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusIdle        Status = "idle"
	StatusTerminating Status = "terminating"
)

// LimitExceeded is returned when a new instance would exceed the
// per-template or total instance cap.
type LimitExceeded struct {
	TemplateName string
	Limit        int
	Total        bool
}

func (e *LimitExceeded) Error() string {
	if e.Total {
		return fmt.Sprintf("total instance limit exceeded (%d)", e.Limit)
	}
	return fmt.Sprintf("instance limit exceeded for template %s (%d)", e.TemplateName, e.Limit)
}

// Instance is a Pooled Client Instance (§3).
type Instance struct {
	mu sync.Mutex

	id               string
	templateName     string
	conn             *upstream.Connection
	key              string
	renderedHash     string
	templateVars     map[string]interface{}
	processedConfig  config.ServerDefinition
	clientIDs        map[string]struct{}
	createdAt        time.Time
	lastUsedAt       time.Time
	status           Status
	idleTimeout      time.Duration
	perClient        bool
}

func (i *Instance) ReferenceCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.clientIDs)
}

func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Pool owns the Template Instance Pool's reference counts, idle sweep, and
// the Session -> Rendered-Hash Map that the Request Handler consults to
// resolve shareable instances.
type Pool struct {
	connMap *upstream.Map
	engine  *template.Engine

	defaultIdleTimeout time.Duration
	cleanupInterval    time.Duration
	maxTotalInstances  int
	defaultMaxPerTmpl  int

	mu              sync.Mutex
	instances       map[string]*Instance // keyed by connMap key
	countByTemplate map[string]int
	sessionHashes   map[string]map[string]string // sessionID -> templateName -> renderedHash

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures pool-wide limits (§6 Instance pool config).
type Options struct {
	DefaultIdleTimeout     time.Duration
	CleanupInterval        time.Duration
	MaxTotalInstances      int
	DefaultMaxPerTemplate  int
}

func New(connMap *upstream.Map, engine *template.Engine, opts Options) *Pool {
	if opts.DefaultIdleTimeout <= 0 {
		opts.DefaultIdleTimeout = 10 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 30 * time.Second
	}
	if opts.MaxTotalInstances <= 0 {
		opts.MaxTotalInstances = 500
	}
	if opts.DefaultMaxPerTemplate <= 0 {
		opts.DefaultMaxPerTemplate = 50
	}
	p := &Pool{
		connMap:            connMap,
		engine:             engine,
		defaultIdleTimeout: opts.DefaultIdleTimeout,
		cleanupInterval:    opts.CleanupInterval,
		maxTotalInstances:  opts.MaxTotalInstances,
		defaultMaxPerTmpl:  opts.DefaultMaxPerTemplate,
		instances:          make(map[string]*Instance),
		countByTemplate:    make(map[string]int),
		sessionHashes:      make(map[string]map[string]string),
		stopCh:             make(chan struct{}),
	}
	p.wg.Add(1)
	go p.cleanupLoop()
	return p
}

// HashesForSession returns sessionID's templateName -> renderedHash map,
// suitable for upstream.Map.ResolveOutboundConnection /
// FilterConnectionsForSession.
func (p *Pool) HashesForSession(sessionID string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.sessionHashes[sessionID]))
	for k, v := range p.sessionHashes[sessionID] {
		out[k] = v
	}
	return out
}

func extractReferencedContext(engine *template.Engine, def config.ServerDefinition, ctx map[string]interface{}) map[string]interface{} {
	combined := map[string]interface{}{
		"command": def.Command,
		"args":    toInterfaceSlice(def.Args),
		"url":     def.URL,
		"env":     toInterfaceMap(def.Env),
		"headers": toInterfaceMap(def.Headers),
	}
	vars := engine.ExtractVariables(combined)

	out := make(map[string]interface{})
	for _, v := range vars {
		root := v
		if idx := strings.Index(v, "."); idx >= 0 {
			root = v[:idx]
		}
		if val, ok := ctx[root]; ok {
			out[root] = val
		}
	}
	return out
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toInterfaceMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// renderedHash computes a deterministic hash over templateVariables. Go's
// encoding/json marshals map keys in sorted order, so this is stable
// regardless of how the caller built the map.
func renderedHash(vars map[string]interface{}) (string, error) {
	b, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("failed to hash template variables: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func renderServerDefinition(engine *template.Engine, def config.ServerDefinition, vars map[string]interface{}) (config.ServerDefinition, error) {
	out := def

	if replaced, err := engine.Replace(def.Command, vars); err != nil {
		return out, fmt.Errorf("command: %w", err)
	} else {
		out.Command = replaced.(string)
	}

	if len(def.Args) > 0 {
		replaced, err := engine.Replace(toInterfaceSlice(def.Args), vars)
		if err != nil {
			return out, fmt.Errorf("args: %w", err)
		}
		args := make([]string, len(def.Args))
		for i, v := range replaced.([]interface{}) {
			args[i] = fmt.Sprintf("%v", v)
		}
		out.Args = args
	}

	if def.URL != "" {
		replaced, err := engine.Replace(def.URL, vars)
		if err != nil {
			return out, fmt.Errorf("url: %w", err)
		}
		out.URL = replaced.(string)
	}

	if len(def.Env) > 0 {
		out.Env = make(map[string]string, len(def.Env))
		for k, v := range def.Env {
			replaced, err := engine.Replace(v, vars)
			if err != nil {
				return out, fmt.Errorf("env.%s: %w", k, err)
			}
			out.Env[k] = replaced.(string)
		}
	}

	if len(def.Headers) > 0 {
		out.Headers = make(map[string]string, len(def.Headers))
		for k, v := range def.Headers {
			replaced, err := engine.Replace(v, vars)
			if err != nil {
				return out, fmt.Errorf("headers.%s: %w", k, err)
			}
			out.Headers[k] = replaced.(string)
		}
	}

	return out, nil
}

// GetOrCreateClientInstance implements §4.5's algorithm: render def against
// sessionCtx, compute the instance key, attach to an existing shareable
// instance or create a new one, and record the session's rendered-hash so
// the Request Handler can later resolve this instance for the session.
func (p *Pool) GetOrCreateClientInstance(ctx context.Context, templateName string, def config.ServerDefinition, sessionCtx map[string]interface{}, sessionID, clientID string) (*upstream.Connection, error) {
	opts := def.Template
	if opts == nil {
		return nil, fmt.Errorf("server %s has no template options", templateName)
	}
	shareable := opts.Shareable || !opts.PerClient
	if opts.PerClient {
		shareable = false
	}

	vars := extractReferencedContext(p.engine, def, sessionCtx)
	hash, err := renderedHash(vars)
	if err != nil {
		return nil, err
	}

	var key string
	if opts.PerClient {
		key = templateName + upstream.KeySep + sessionID
	} else {
		key = templateName + upstream.KeySep + hash
	}

	p.mu.Lock()
	if inst, ok := p.instances[key]; ok && shareable {
		inst.mu.Lock()
		if inst.status != StatusTerminating {
			inst.clientIDs[clientID] = struct{}{}
			inst.lastUsedAt = time.Now()
			inst.status = StatusActive
			conn := inst.conn
			inst.mu.Unlock()
			p.recordSessionHash(sessionID, templateName, hash)
			p.mu.Unlock()
			return conn, nil
		}
		inst.mu.Unlock()
	}

	maxPerTemplate := opts.MaxInstances
	if maxPerTemplate <= 0 {
		maxPerTemplate = p.defaultMaxPerTmpl
	}
	if p.countByTemplate[templateName] >= maxPerTemplate {
		p.mu.Unlock()
		return nil, &LimitExceeded{TemplateName: templateName, Limit: maxPerTemplate}
	}
	if p.totalCountLocked() >= p.maxTotalInstances {
		p.mu.Unlock()
		return nil, &LimitExceeded{Limit: p.maxTotalInstances, Total: true}
	}
	p.mu.Unlock()

	processed, err := renderServerDefinition(p.engine, def, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to render template %s: %w", templateName, err)
	}

	client, err := mcpserver.NewMCPClientFromType(processed.Type, mcpserver.MCPClientConfig{
		Command: processed.Command,
		Args:    processed.Args,
		Env:     processed.Env,
		URL:     processed.URL,
		Headers: processed.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to construct client for template %s: %w", templateName, err)
	}
	if err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect template instance %s: %w", key, err)
	}

	conn := upstream.New(key, def.Tags, def.Instructions, filtersFromDefinition(processed))
	conn.SetClient(client)
	conn.SetStatus(upstream.StatusConnected)

	idleTimeout := p.defaultIdleTimeout
	if opts.IdleTimeout > 0 {
		idleTimeout = time.Duration(opts.IdleTimeout) * time.Millisecond
	}

	inst := &Instance{
		id:              key,
		templateName:    templateName,
		conn:            conn,
		key:             key,
		renderedHash:    hash,
		templateVars:    vars,
		processedConfig: processed,
		clientIDs:       map[string]struct{}{clientID: {}},
		createdAt:       time.Now(),
		lastUsedAt:      time.Now(),
		status:          StatusActive,
		idleTimeout:     idleTimeout,
		perClient:       opts.PerClient,
	}

	p.mu.Lock()
	p.instances[key] = inst
	p.countByTemplate[templateName]++
	p.mu.Unlock()

	p.connMap.Store(key, conn)
	p.recordSessionHash(sessionID, templateName, hash)

	logging.Info("Pool", "created template instance %s (template=%s shareable=%t)", key, templateName, shareable)
	return conn, nil
}

func (p *Pool) recordSessionHash(sessionID, templateName, hash string) {
	if sessionID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.sessionHashes[sessionID]
	if !ok {
		m = make(map[string]string)
		p.sessionHashes[sessionID] = m
	}
	m[templateName] = hash
}

func (p *Pool) totalCountLocked() int {
	total := 0
	for _, n := range p.countByTemplate {
		total += n
	}
	return total
}

func filtersFromDefinition(def config.ServerDefinition) upstream.Filters {
	return upstream.Filters{
		DisabledTools:     def.DisabledTools,
		EnabledTools:      def.EnabledTools,
		DisabledResources: def.DisabledResources,
		EnabledResources:  def.EnabledResources,
		DisabledPrompts:   def.DisabledPrompts,
		EnabledPrompts:    def.EnabledPrompts,
	}
}

// RemoveClientFromInstance decrements key's reference count; at zero the
// instance becomes idle and eligible for the next cleanup sweep.
func (p *Pool) RemoveClientFromInstance(key, clientID string) {
	p.mu.Lock()
	inst, ok := p.instances[key]
	p.mu.Unlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	delete(inst.clientIDs, clientID)
	if len(inst.clientIDs) == 0 {
		inst.status = StatusIdle
		inst.lastUsedAt = time.Now()
	}
	inst.mu.Unlock()
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now()
	var toClose []*Instance

	p.mu.Lock()
	for key, inst := range p.instances {
		inst.mu.Lock()
		idle := inst.status == StatusIdle && now.Sub(inst.lastUsedAt) > inst.idleTimeout
		if idle {
			inst.status = StatusTerminating
		}
		inst.mu.Unlock()
		if idle {
			toClose = append(toClose, inst)
			delete(p.instances, key)
			p.countByTemplate[inst.templateName]--
		}
	}
	p.mu.Unlock()

	for _, inst := range toClose {
		p.connMap.Delete(inst.key)
		p.closeInstance(inst)
	}
}

func (p *Pool) closeInstance(inst *Instance) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// client.Close() is sufficient: mcp-go's client.Client owns its
		// transport and closes it from within Close(), and Instance keeps no
		// separate transport handle of its own to close.
		if client := inst.conn.Client(); client != nil {
			if err := client.Close(); err != nil {
				logging.Debug("Pool", "error closing client for instance %s: %v", inst.key, err)
			}
		}
	}()
	wg.Wait()
	logging.Info("Pool", "evicted idle template instance %s (idle for %s)", inst.key, time.Since(inst.lastUsedAt))
}

// Shutdown closes every pooled instance concurrently and stops the cleanup
// loop.
func (p *Pool) Shutdown() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	instances := make([]*Instance, 0, len(p.instances))
	for key, inst := range p.instances {
		instances = append(instances, inst)
		p.connMap.Delete(key)
	}
	p.instances = make(map[string]*Instance)
	p.countByTemplate = make(map[string]int)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.closeInstance(inst)
		}()
	}
	wg.Wait()
}
