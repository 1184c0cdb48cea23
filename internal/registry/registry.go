// Package registry implements the Tool Registry: an in-memory catalogue of
// which tools exist on which server, filterable by name glob, tag, and
// server set, with stable pagination.
package registry

import (
	"path"
	"sort"
	"strconv"
)

// ToolMetadata is the catalogue-level description of one upstream tool.
type ToolMetadata struct {
	Server      string
	Name        string
	Description string
	Tags        []string
}

// Registry is an immutable snapshot of the tool catalogue, keyed by
// (server, name).
type Registry struct {
	entries    []ToolMetadata
	serverTags map[string][]string
}

// FromToolsMap builds a Registry from a server -> tools mapping and a
// server -> tags mapping, sorted stably by (server, name).
func FromToolsMap(serverToTools map[string][]ToolMetadata, serverToTags map[string][]string) *Registry {
	entries := make([]ToolMetadata, 0)
	for _, tools := range serverToTools {
		entries = append(entries, tools...)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Server != entries[j].Server {
			return entries[i].Server < entries[j].Server
		}
		return entries[i].Name < entries[j].Name
	})
	tags := make(map[string][]string, len(serverToTags))
	for k, v := range serverToTags {
		tags[k] = v
	}
	return &Registry{entries: entries, serverTags: tags}
}

// ListParams filters and paginates a ListTools call.
type ListParams struct {
	Server  string
	Pattern string
	Tag     string
	Limit   int
	Cursor  string
}

// ListResult is the paginated response from ListTools.
type ListResult struct {
	Tools      []ToolMetadata
	TotalCount int
	Servers    []string
	HasMore    bool
	NextCursor string
}

func (r *Registry) matches(t ToolMetadata, params ListParams) bool {
	if params.Server != "" && t.Server != params.Server {
		return false
	}
	if params.Pattern != "" {
		ok, err := path.Match(params.Pattern, t.Name)
		if err != nil || !ok {
			return false
		}
	}
	if params.Tag != "" {
		found := false
		for _, tag := range r.serverTags[t.Server] {
			if tag == params.Tag {
				found = true
				break
			}
		}
		if !found {
			for _, tag := range t.Tags {
				if tag == params.Tag {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ListTools returns the filtered, paginated view described by params.
// The pagination cursor is an opaque stable token derived from the sort
// position: it is simply the decimal offset into the filtered result set.
func (r *Registry) ListTools(params ListParams) ListResult {
	filtered := make([]ToolMetadata, 0, len(r.entries))
	serverSet := make(map[string]struct{})
	for _, t := range r.entries {
		if r.matches(t, params) {
			filtered = append(filtered, t)
			serverSet[t.Server] = struct{}{}
		}
	}

	servers := make([]string, 0, len(serverSet))
	for s := range serverSet {
		servers = append(servers, s)
	}
	sort.Strings(servers)

	offset := 0
	if params.Cursor != "" {
		if parsed, err := strconv.Atoi(params.Cursor); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}

	end := len(filtered)
	hasMore := false
	nextCursor := ""
	if params.Limit > 0 && offset+params.Limit < len(filtered) {
		end = offset + params.Limit
		hasMore = true
		nextCursor = strconv.Itoa(end)
	} else if params.Limit > 0 {
		end = len(filtered)
	}

	return ListResult{
		Tools:      filtered[offset:end],
		TotalCount: len(filtered),
		Servers:    servers,
		HasMore:    hasMore,
		NextCursor: nextCursor,
	}
}

// HasTool reports whether (server, tool) exists in the catalogue.
func (r *Registry) HasTool(server, tool string) bool {
	for _, t := range r.entries {
		if t.Server == server && t.Name == tool {
			return true
		}
	}
	return false
}

// GetServers returns every server name represented in the catalogue, sorted.
func (r *Registry) GetServers() []string {
	seen := make(map[string]struct{})
	for _, t := range r.entries {
		seen[t.Server] = struct{}{}
	}
	servers := make([]string, 0, len(seen))
	for s := range seen {
		servers = append(servers, s)
	}
	sort.Strings(servers)
	return servers
}

// FilterByServers returns a view of the registry restricted to the given
// server set, used for session-scoped meta-tool responses.
func (r *Registry) FilterByServers(allowed map[string]struct{}) *Registry {
	entries := make([]ToolMetadata, 0, len(r.entries))
	for _, t := range r.entries {
		if _, ok := allowed[t.Server]; ok {
			entries = append(entries, t)
		}
	}
	return &Registry{entries: entries, serverTags: r.serverTags}
}
