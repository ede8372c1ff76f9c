// Package main is the entry point for the execbox MCP server.
//
// The execbox server exposes a single persistent code execution session
// backed by one of several interchangeable isolated backends: a managed
// cloud micro-VM sandbox, a serverless execution endpoint, or a local
// service container. The session manager selects a backend by priority,
// health-checks it between calls, and transparently recreates it on
// failure. Executed code can declare output files for download through the
// ARTIFACT_PATH: stdout marker protocol.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
