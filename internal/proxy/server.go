// Package proxy hosts the Request Handler layer behind a real
// `github.com/mark3labs/mcp-go/server.MCPServer`: it keeps that server's
// registered tools/resources/prompts in step with the Outbound Connections
// Map, translates each inbound call into a Router dispatch, and starts the
// configured wire transport (stdio, SSE, or streamable HTTP).
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/1mcp-app/agent/internal/aggregator"
	"github.com/1mcp-app/agent/internal/filtering"
	"github.com/1mcp-app/agent/internal/metatools"
	"github.com/1mcp-app/agent/internal/pool"
	"github.com/1mcp-app/agent/internal/registry"
	"github.com/1mcp-app/agent/internal/router"
	"github.com/1mcp-app/agent/internal/upstream"
	"github.com/1mcp-app/agent/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Transport selects which MCP wire transport the gateway listens on.
type Transport string

const (
	TransportStreamableHTTP Transport = "streamable-http"
	TransportSSE            Transport = "sse"
	TransportStdio          Transport = "stdio"
)

// defaultSessionID is used when a transport (stdio) provides no per-
// connection session identity of its own.
const defaultSessionID = "default"

// Config is the gateway's runtime configuration.
type Config struct {
	Host           string
	Port           int
	Transport      Transport
	Lazy           bool
	SyncInterval   time.Duration // defaults to 5s
}

// Server is the Request Handler's host process.
type Server struct {
	cfg Config

	connMgr   *upstream.Manager
	pool      *pool.Pool
	agg       *aggregator.Aggregator
	filterSvc *filtering.Service
	meta      *metatools.Provider
	router    *router.Router

	mcpServer            *mcpserver.MCPServer
	sseServer            *mcpserver.SSEServer
	streamableHTTPServer *mcpserver.StreamableHTTPServer
	stdioServer          *mcpserver.StdioServer
	httpServer           *http.Server

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	regMu               sync.Mutex
	registeredTools     map[string]struct{}
	registeredResources map[string]struct{}
	registeredPrompts   map[string]struct{}

	sessionMu sync.RWMutex
	sessions  map[string]filtering.SessionConfig
}

// NewServer wires a Router over connMgr's map and p's template pool, and
// returns a Server ready to Start. agg tracks the aggregated capability
// snapshot that feeds the Lazy Loading Orchestrator's Tool Registry.
func NewServer(cfg Config, connMgr *upstream.Manager, p *pool.Pool, agg *aggregator.Aggregator, filterSvc *filtering.Service, meta *metatools.Provider) *Server {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Second
	}
	return &Server{
		cfg:                  cfg,
		connMgr:              connMgr,
		pool:                 p,
		agg:                  agg,
		filterSvc:            filterSvc,
		meta:                 meta,
		router:               router.NewWithPool(connMgr.Map(), filterSvc, p, meta, cfg.Lazy),
		registeredTools:      make(map[string]struct{}),
		registeredResources:  make(map[string]struct{}),
		registeredPrompts:    make(map[string]struct{}),
		sessions:             make(map[string]filtering.SessionConfig),
	}
}

// ConfigureSession records the tag-filter configuration an inbound session
// negotiated at connect time. Sessions with no recorded configuration see
// the unfiltered (ModeNone) connection set.
func (s *Server) ConfigureSession(sessionID string, cfg filtering.SessionConfig) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	s.sessions[sessionID] = cfg
}

// EndSession forgets a torn-down session's recorded configuration.
func (s *Server) EndSession(sessionID string) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *Server) sessionConfig(sessionID string) filtering.SessionConfig {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	return s.sessions[sessionID]
}

// sessionFromContext mirrors the teacher's getSessionIDFromContext: prefer
// the mcp-go library's per-connection session, falling back to a fixed
// identity for stdio (inherently single-session) transport.
func (s *Server) sessionFromContext(ctx context.Context) router.Session {
	sessionID := defaultSessionID
	if sess := mcpserver.ClientSessionFromContext(ctx); sess != nil {
		if id := sess.SessionID(); id != "" {
			sessionID = id
		}
	}
	return router.Session{ID: sessionID, FilterConfig: s.sessionConfig(sessionID)}
}

// Start builds the mark3labs MCP server, performs an initial capability
// sync, launches the background sync loop, and starts the configured
// transport. Calling Start twice without an intervening Stop is an error.
func (s *Server) Start(ctx context.Context) error {
	s.regMu.Lock()
	if s.mcpServer != nil {
		s.regMu.Unlock()
		return fmt.Errorf("proxy server already started")
	}
	s.regMu.Unlock()

	s.ctx, s.cancelFunc = context.WithCancel(ctx)

	s.mcpServer = mcpserver.NewMCPServer(
		"1mcp-agent",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolFilter(s.sessionToolFilter),
	)

	s.syncCapabilities()

	s.wg.Add(1)
	go s.syncLoop()

	return s.startTransport()
}

func (s *Server) startTransport() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	switch s.cfg.Transport {
	case TransportStdio:
		logging.Info("Proxy", "starting gateway with stdio transport")
		s.stdioServer = mcpserver.NewStdioServer(s.mcpServer)
		go func() {
			if err := s.stdioServer.Listen(s.ctx, os.Stdin, os.Stdout); err != nil {
				logging.Error("Proxy", err, "stdio server error")
			}
		}()
		return nil

	case TransportSSE:
		baseURL := fmt.Sprintf("http://%s", addr)
		s.sseServer = mcpserver.NewSSEServer(
			s.mcpServer,
			mcpserver.WithBaseURL(baseURL),
			mcpserver.WithSSEEndpoint("/sse"),
			mcpserver.WithMessageEndpoint("/message"),
			mcpserver.WithKeepAlive(true),
			mcpserver.WithKeepAliveInterval(30*time.Second),
		)
		logging.Info("Proxy", "starting gateway with sse transport on %s", addr)
		s.httpServer = &http.Server{Addr: addr, Handler: s.sseServer}
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("Proxy", err, "sse server error")
			}
		}()
		return nil

	case TransportStreamableHTTP:
		fallthrough
	default:
		s.streamableHTTPServer = mcpserver.NewStreamableHTTPServer(s.mcpServer)
		logging.Info("Proxy", "starting gateway with streamable-http transport on %s", addr)
		s.httpServer = &http.Server{Addr: addr, Handler: s.streamableHTTPServer}
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("Proxy", err, "streamable http server error")
			}
		}()
		return nil
	}
}

// Stop cancels the sync loop, shuts down the HTTP transport (if any) within
// a bounded timeout, and tears down every upstream connection.
func (s *Server) Stop(ctx context.Context) error {
	s.regMu.Lock()
	if s.mcpServer == nil {
		s.regMu.Unlock()
		return nil
	}
	s.regMu.Unlock()

	s.cancelFunc()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("Proxy", err, "error shutting down http server")
		}
	}

	s.wg.Wait()
	s.connMgr.Shutdown()
	if s.pool != nil {
		s.pool.Shutdown()
	}

	s.regMu.Lock()
	s.mcpServer = nil
	s.regMu.Unlock()
	return nil
}

func (s *Server) syncLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.syncCapabilities()
		}
	}
}

// syncCapabilities refreshes the Lazy Loading Orchestrator's Tool Registry
// from the Capability Aggregator's latest snapshot, then reconciles the
// mark3labs server's registered tools/resources/prompts against the
// Router's unfiltered catalogue.
func (s *Server) syncCapabilities() {
	change := s.agg.UpdateCapabilities(s.ctx)
	if s.meta != nil && change.HasChanges {
		s.meta.UpdateRegistry(registryFromSnapshot(change.Current))
	}

	s.syncTools()
	s.syncResources()
	s.syncPrompts()
}

func registryFromSnapshot(snap aggregator.Snapshot) *registry.Registry {
	byServer := make(map[string][]registry.ToolMetadata)
	for _, entry := range snap.Tools {
		byServer[entry.Server] = append(byServer[entry.Server], registry.ToolMetadata{
			Server:      entry.Server,
			Name:        entry.Tool.Name,
			Description: entry.Tool.Description,
		})
	}
	return registry.FromToolsMap(byServer, nil)
}

// unscopedSession is used only to compute the full, unfiltered catalogue
// that seeds the mark3labs server's registered-name set; per-request
// visibility is still narrowed by sessionToolFilter.
var unscopedSession = router.Session{FilterConfig: filtering.SessionConfig{Mode: filtering.ModeNone}}

func (s *Server) syncTools() {
	tools, _, err := s.router.ListTools(s.ctx, unscopedSession)
	if err != nil {
		logging.Error("Proxy", err, "failed to list tools during capability sync")
		return
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	seen := make(map[string]struct{}, len(tools))
	var toAdd []mcpserver.ServerTool
	for _, t := range tools {
		seen[t.Name] = struct{}{}
		if _, ok := s.registeredTools[t.Name]; ok {
			continue
		}
		toAdd = append(toAdd, mcpserver.ServerTool{Tool: t, Handler: s.toolHandler(t.Name)})
	}
	var toRemove []string
	for name := range s.registeredTools {
		if _, ok := seen[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}

	if len(toAdd) > 0 {
		s.mcpServer.AddTools(toAdd...)
		for _, st := range toAdd {
			s.registeredTools[st.Tool.Name] = struct{}{}
		}
	}
	if len(toRemove) > 0 {
		s.mcpServer.DeleteTools(toRemove...)
		for _, name := range toRemove {
			delete(s.registeredTools, name)
		}
	}
}

func (s *Server) syncResources() {
	resources, _, err := s.router.ListResources(s.ctx, unscopedSession)
	if err != nil {
		logging.Error("Proxy", err, "failed to list resources during capability sync")
		return
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	seen := make(map[string]struct{}, len(resources))
	var toAdd []mcpserver.ServerResource
	for _, res := range resources {
		seen[res.URI] = struct{}{}
		if _, ok := s.registeredResources[res.URI]; ok {
			continue
		}
		toAdd = append(toAdd, mcpserver.ServerResource{Resource: res, Handler: s.resourceHandler(res.URI)})
	}

	if len(toAdd) > 0 {
		s.mcpServer.AddResources(toAdd...)
		for _, sr := range toAdd {
			s.registeredResources[sr.Resource.URI] = struct{}{}
		}
	}
	// The mark3labs server has no batch resource-removal call; remove
	// dropped entries one at a time, as the teacher's own TODO notes.
	for uri := range s.registeredResources {
		if _, ok := seen[uri]; !ok {
			s.mcpServer.RemoveResource(uri)
			delete(s.registeredResources, uri)
		}
	}
}

func (s *Server) syncPrompts() {
	prompts, _, err := s.router.ListPrompts(s.ctx, unscopedSession)
	if err != nil {
		logging.Error("Proxy", err, "failed to list prompts during capability sync")
		return
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	seen := make(map[string]struct{}, len(prompts))
	var toAdd []mcpserver.ServerPrompt
	for _, p := range prompts {
		seen[p.Name] = struct{}{}
		if _, ok := s.registeredPrompts[p.Name]; ok {
			continue
		}
		toAdd = append(toAdd, mcpserver.ServerPrompt{Prompt: p, Handler: s.promptHandler(p.Name)})
	}
	var toRemove []string
	for name := range s.registeredPrompts {
		if _, ok := seen[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}

	if len(toAdd) > 0 {
		s.mcpServer.AddPrompts(toAdd...)
		for _, sp := range toAdd {
			s.registeredPrompts[sp.Prompt.Name] = struct{}{}
		}
	}
	if len(toRemove) > 0 {
		s.mcpServer.DeletePrompts(toRemove...)
		for _, name := range toRemove {
			delete(s.registeredPrompts, name)
		}
	}
}

// sessionToolFilter is the WithToolFilter callback: it ignores the global
// tool list the library computed and instead asks the Router for this
// session's effective catalogue (meta-tools only in lazy mode, the full
// filtered catalogue otherwise).
func (s *Server) sessionToolFilter(ctx context.Context, _ []mcp.Tool) []mcp.Tool {
	sess := s.sessionFromContext(ctx)
	tools, _, err := s.router.ListTools(ctx, sess)
	if err != nil {
		logging.Error("Proxy", err, "sessionToolFilter: list tools failed")
		return nil
	}
	return tools
}

func (s *Server) toolHandler(name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]interface{}{}
		if req.Params.Arguments != nil {
			if m, ok := req.Params.Arguments.(map[string]interface{}); ok {
				args = m
			}
		}
		sess := s.sessionFromContext(ctx)
		result, err := s.router.CallTool(ctx, sess, name, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return result, nil
	}
}

func (s *Server) resourceHandler(uri string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sess := s.sessionFromContext(ctx)
		result, err := s.router.ReadResource(ctx, sess, uri)
		if err != nil {
			return nil, err
		}
		return result.Contents, nil
	}
}

func (s *Server) promptHandler(name string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		args := make(map[string]interface{})
		for k, v := range req.Params.Arguments {
			args[k] = v
		}
		sess := s.sessionFromContext(ctx)
		return s.router.GetPrompt(ctx, sess, name, args)
	}
}

// Ping pings every ready upstream connection; failures are logged by the
// router and not returned. No code in this repository calls it.
func (s *Server) Ping(ctx context.Context) {
	s.router.Ping(ctx)
}
