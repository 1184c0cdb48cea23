// Package naming implements the composite URI scheme shared by the Request
// Handler and the Lazy Loading meta-tools: {connectionName}{SEP}{innerName}.
package naming

import "strings"

// Sep is the fixed separator between a connection name and the upstream
// tool/resource/prompt name it owns, at the inbound boundary.
const Sep = "_1mcp_"

// InternalConnection is the reserved connection name routing to the
// internal-tools provider (management tools, not upstream servers).
const InternalConnection = "1mcp"

// Prefix builds the exposed inbound name for an item owned by connection.
func Prefix(connection, inner string) string {
	return connection + Sep + inner
}

// Parse splits an exposed inbound name on the first occurrence of Sep.
// ok is false if Sep does not appear in name.
func Parse(name string) (connection, inner string, ok bool) {
	idx := strings.Index(name, Sep)
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+len(Sep):], true
}

// PrefixURI is Prefix applied to resource URIs and URI templates. Every URI
// is prefixed, including ones that carry a scheme (contain "://"), so that
// Parse can route any listed URI back to its connection.
func PrefixURI(connection, uri string) string {
	return Prefix(connection, uri)
}
