package mcp

import "github.com/turnengine/turnengine/pkg/types"

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// BudgetTier is an alias of [types.BudgetTier], kept so mcp-package code can
// refer to it without importing pkg/types directly.
type BudgetTier = types.BudgetTier

const (
	BudgetFast     = types.BudgetFast
	BudgetStandard = types.BudgetStandard
	BudgetDeep     = types.BudgetDeep
)
