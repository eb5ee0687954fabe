// Package mcp implements the Model Context Protocol (MCP) transport and dispatch layer used by the
// browser automation server. It binds one RPC Server to one of three wire transports:
//
//   - StdIO carries newline-delimited JSON-RPC over a process pipe and serves exactly one peer.
//   - SSEServer streams server messages as Server-Sent Events and receives client messages
//     through a companion POST endpoint.
//   - StreamableServer serves a single HTTP endpoint where each POST carries JSON-RPC messages
//     and the response is either a JSON body or an event stream, with an optional standalone
//     GET stream for server-initiated messages.
//
// The transports do not decide session identity. The caller supplies the session ID for every
// connection, which lets a session registry (see package session) survive reconnects. Tool
// execution is delegated to a Handler; the Server itself only answers initialize, ping and
// cancellation.
package mcp
