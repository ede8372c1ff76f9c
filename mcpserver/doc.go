// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the persistent code execution session as MCP
// tools: execute_code runs code in the active sandbox and downloads declared
// artifacts, upload_reference_files pushes local files into the sandbox, and
// reset_session tears the session down. It uses the mark3labs/mcp-go library
// to handle the protocol details.
//
// The session manager underneath is single-writer, so the server serializes
// tool calls with a mutex.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
package mcpserver
