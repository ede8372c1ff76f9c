package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/executor"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	exec      *executor.Executor
	mcpServer *server.MCPServer

	// The session manager is single-writer; tool calls are serialized here.
	mu sync.Mutex
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, exec *executor.Executor) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		exec:   exec,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Bool("cloud.credential_present", cfg.Cloud.HasCredential()),
		zap.String("serverless.endpoint", cfg.Serverless.Endpoint),
		zap.String("serverless.volume", cfg.Serverless.Volume),
		zap.String("local.runtime", cfg.Local.Runtime),
		zap.String("local.service", cfg.Local.Service),
		zap.Int("session.timeout_sec", cfg.Session.TimeoutSec),
		zap.String("session.reference_dir", cfg.Session.ReferenceDir),
	)

	s.mcpServer = server.NewMCPServer("execbox", "A persistent sandboxed code execution session")

	s.registerExecuteCodeTool()
	s.registerUploadReferenceFilesTool()
	s.registerResetSessionTool()

	return s, nil
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name: "execute_code",
		Description: "Execute code in a persistent isolated sandbox. Files persist across calls " +
			"within a session. To have an output file downloaded, print a line containing " +
			"ARTIFACT_PATH:<path> and use the returned downloaded_artifacts paths.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Code to execute",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language, currently only \"python\"",
					"enum":        []string{"python"},
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// registerUploadReferenceFilesTool registers the upload_reference_files tool
func (s *MCPServer) registerUploadReferenceFilesTool() {
	tool := mcp.Tool{
		Name: "upload_reference_files",
		Description: "Upload local reference files into the sandbox so executed code can read them. " +
			"Each file is uploaded at most once per session.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"paths": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Local file paths to upload",
				},
			},
			Required: []string{"paths"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleUploadReferenceFiles)
}

// registerResetSessionTool registers the reset_session tool
func (s *MCPServer) registerResetSessionTool() {
	tool := mcp.Tool{
		Name:        "reset_session",
		Description: "Terminate the active sandbox and clear all session state.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleResetSession)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	language := request.GetString("language", executor.LanguagePython)

	s.logger.Info("code execution requested", zap.String("language", language))

	s.mu.Lock()
	resp := s.exec.ExecuteCode(ctx, executor.Request{Code: code, Language: language})
	s.mu.Unlock()

	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(payload),
			},
		},
		IsError: !resp.Success,
	}, nil
}

// handleUploadReferenceFiles handles the upload_reference_files tool
func (s *MCPServer) handleUploadReferenceFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	rawPaths, ok := args["paths"].([]any)
	if !ok {
		return nil, fmt.Errorf("paths parameter is required and must be an array of strings")
	}

	paths := make([]string, 0, len(rawPaths))
	for _, raw := range rawPaths {
		p, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("paths must contain only strings, got %T", raw)
		}
		paths = append(paths, p)
	}

	s.mu.Lock()
	remotePaths := s.exec.UploadReferenceFiles(ctx, paths)
	s.mu.Unlock()

	payload, err := json.Marshal(map[string]any{
		"uploaded":     remotePaths,
		"requested":    len(paths),
		"upload_count": len(remotePaths),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(payload),
			},
		},
	}, nil
}

// handleResetSession handles the reset_session tool
func (s *MCPServer) handleResetSession(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	s.exec.Reset(ctx)
	s.mu.Unlock()

	s.logger.Info("session reset")

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: "session reset",
			},
		},
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
