package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/executor"
	"github.com/isdmx/execbox/session"
	"github.com/isdmx/execbox/taskstate"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Transport: "stdio",
			HTTPPort:  8080,
		},
		Logging: config.LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Serverless: config.ServerlessConfig{
			ConfigFile: "/nonexistent/config.ini",
			Endpoint:   "agento-code-exec",
			Volume:     "agento-sandbox-vol",
			CLIBinary:  "beta9",
		},
		Local: config.LocalConfig{
			Runtime:     "docker",
			ComposeFile: "docker-compose.yml",
			Service:     "app",
			Interpreter: "python",
		},
		Session: config.SessionConfig{
			TimeoutSec:   3600,
			ReferenceDir: "/home/user/reference_files",
			DataDir:      "./data",
		},
	}
}

func serverForTest(t *testing.T) *MCPServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	mgr := session.NewManager(logger, cfg)
	exec := executor.New(logger, cfg, mgr, taskstate.New())

	srv, err := New(cfg, logger, exec)
	require.NoError(t, err)
	return srv
}

func TestNewMCPServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	mgr := session.NewManager(logger, cfg)
	exec := executor.New(logger, cfg, mgr, taskstate.New())

	srv, err := New(cfg, logger, exec)
	require.NoError(t, err)
	require.NotNil(t, srv)
	assert.Equal(t, cfg, srv.config)
	assert.Equal(t, logger, srv.logger)
	assert.Equal(t, exec, srv.exec)
	assert.NotNil(t, srv.mcpServer)
	assert.NotNil(t, srv.GetMCPServer())
}

func callToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func TestHandleExecuteCode(t *testing.T) {
	srv := serverForTest(t)

	t.Run("MissingCodeParameter", func(t *testing.T) {
		_, err := srv.handleExecuteCode(context.Background(), callToolRequest("execute_code", map[string]any{}))
		assert.Error(t, err)
	})

	t.Run("EmptyCodeIsToolError", func(t *testing.T) {
		result, err := srv.handleExecuteCode(context.Background(),
			callToolRequest("execute_code", map[string]any{"code": "   "}))
		require.NoError(t, err)
		assert.True(t, result.IsError)

		text, ok := result.Content[0].(mcp.TextContent)
		require.True(t, ok)

		var resp executor.Response
		require.NoError(t, json.Unmarshal([]byte(text.Text), &resp))
		assert.False(t, resp.Success)
		assert.Equal(t, "code cannot be empty", resp.Error)
	})

	t.Run("UnsupportedLanguageIsToolError", func(t *testing.T) {
		result, err := srv.handleExecuteCode(context.Background(),
			callToolRequest("execute_code", map[string]any{"code": "puts 1", "language": "ruby"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestHandleUploadReferenceFiles(t *testing.T) {
	srv := serverForTest(t)

	t.Run("MissingPaths", func(t *testing.T) {
		_, err := srv.handleUploadReferenceFiles(context.Background(),
			callToolRequest("upload_reference_files", map[string]any{}))
		assert.Error(t, err)
	})

	t.Run("NonStringEntry", func(t *testing.T) {
		_, err := srv.handleUploadReferenceFiles(context.Background(),
			callToolRequest("upload_reference_files", map[string]any{"paths": []any{42}}))
		assert.Error(t, err)
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		result, err := srv.handleUploadReferenceFiles(context.Background(),
			callToolRequest("upload_reference_files", map[string]any{"paths": []any{}}))
		require.NoError(t, err)
		assert.False(t, result.IsError)

		text, ok := result.Content[0].(mcp.TextContent)
		require.True(t, ok)

		var resp map[string]any
		require.NoError(t, json.Unmarshal([]byte(text.Text), &resp))
		assert.EqualValues(t, 0, resp["requested"])
		assert.EqualValues(t, 0, resp["upload_count"])
	})
}

func TestHandleResetSession(t *testing.T) {
	srv := serverForTest(t)

	// Reset with no active session is a safe no-op
	result, err := srv.handleResetSession(context.Background(), callToolRequest("reset_session", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "session reset", text.Text)
}
