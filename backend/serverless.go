package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ServerlessConfig holds configuration for the serverless endpoint backend
type ServerlessConfig struct {
	ConfigFile string // gateway credentials file (ini)
	Endpoint   string // deployed execution endpoint name
	Volume     string // persistent volume backing file operations
	CLIBinary  string // companion CLI used for volume copies
	Timeout    time.Duration
}

// gatewayCredentials is the resolved content of the credentials file.
type gatewayCredentials struct {
	baseURL string
	token   string
}

// ServerlessBackend submits code to a deployed serverless execution endpoint
// over HTTP and performs file operations against a named persistent volume
// through the companion CLI, staging bytes in a temporary local file.
type ServerlessBackend struct {
	logger     *zap.Logger
	config     ServerlessConfig
	httpClient *http.Client
	cmdRunner  CommandRunner
	fs         FileSystem
	id         string
}

// ServerlessBackendOption defines a functional option for ServerlessBackend
type ServerlessBackendOption func(*ServerlessBackend)

// WithServerlessHTTPClient sets the HTTP client for ServerlessBackend
func WithServerlessHTTPClient(client *http.Client) ServerlessBackendOption {
	return func(s *ServerlessBackend) {
		s.httpClient = client
	}
}

// WithServerlessCommandRunner sets the CommandRunner for ServerlessBackend
func WithServerlessCommandRunner(cmdRunner CommandRunner) ServerlessBackendOption {
	return func(s *ServerlessBackend) {
		s.cmdRunner = cmdRunner
	}
}

// WithServerlessFileSystem sets the FileSystem for ServerlessBackend
func WithServerlessFileSystem(fs FileSystem) ServerlessBackendOption {
	return func(s *ServerlessBackend) {
		s.fs = fs
	}
}

// NewServerlessBackend creates a new ServerlessBackend with default implementations and optional interfaces
func NewServerlessBackend(logger *zap.Logger, config ServerlessConfig, opts ...ServerlessBackendOption) *ServerlessBackend {
	b := &ServerlessBackend{
		logger:     logger,
		config:     config,
		httpClient: &http.Client{},
		cmdRunner:  &RealCommandRunner{},
		fs:         &RealFileSystem{},
		id:         "serverless-" + uuid.NewString()[:8],
	}

	for _, opt := range opts {
		opt(b)
	}

	logger.Info("initialized serverless backend",
		zap.String("id", b.id),
		zap.String("endpoint", config.Endpoint),
		zap.String("volume", config.Volume))

	return b
}

// Kind identifies the backend variant.
func (*ServerlessBackend) Kind() Kind { return KindServerless }

// ID returns the backend's session identifier.
func (s *ServerlessBackend) ID() string { return s.id }

// credentials loads the gateway address and bearer token from the local
// credentials file. The file carries the grpc port; the http gateway listens
// one port up, so 1993 is rewritten to 1994.
func (s *ServerlessBackend) credentials() (gatewayCredentials, error) {
	v := viper.New()
	v.SetConfigFile(s.config.ConfigFile)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return gatewayCredentials{}, fmt.Errorf("gateway config not found (%s): %w", s.config.ConfigFile, err)
	}

	host := v.GetString("default.gateway_host")
	if host == "" {
		return gatewayCredentials{}, fmt.Errorf("no [default] gateway_host in %s", s.config.ConfigFile)
	}

	port := v.GetString("default.gateway_port")
	if port == "" || port == "1993" {
		port = "1994"
	}

	baseURL := fmt.Sprintf("http://%s:%s", host, port)
	if strings.HasPrefix(host, "http") {
		baseURL = fmt.Sprintf("%s:%s", host, port)
	}

	return gatewayCredentials{
		baseURL: baseURL,
		token:   v.GetString("default.token"),
	}, nil
}

// RunCode posts the code to the execution endpoint and maps the JSON
// response into an ExecutionResult. Failures are captured into the result,
// never returned as errors.
func (s *ServerlessBackend) RunCode(ctx context.Context, code string) ExecutionResult {
	creds, err := s.credentials()
	if err != nil {
		return ExecutionResult{Error: err.Error()}
	}

	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return ExecutionResult{Error: fmt.Sprintf("encode request: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/endpoint/%s/v2", creds.baseURL, s.config.Endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ExecutionResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return ExecutionResult{Error: fmt.Sprintf("gateway request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		return ExecutionResult{Error: fmt.Sprintf("gateway error (status %d): %s", resp.StatusCode, string(errBody))}
	}

	var result struct {
		Stdout string  `json:"stdout"`
		Stderr string  `json:"stderr"`
		Error  *string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ExecutionResult{Error: fmt.Sprintf("decode response: %v", err)}
	}

	execResult := ExecutionResult{Stdout: result.Stdout, Stderr: result.Stderr}
	if result.Error != nil {
		execResult.Error = *result.Error
	}
	return execResult
}

// volumePath renders a volume-qualified path for the companion CLI.
func (s *ServerlessBackend) volumePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return s.config.Volume + ":" + p
}

// WriteFile stages the bytes in a temporary local file and copies it onto
// the persistent volume via the companion CLI.
func (s *ServerlessBackend) WriteFile(ctx context.Context, filePath string, data []byte) error {
	stageDir, err := s.fs.MkdirTemp("", "execbox-stage-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if rmErr := s.fs.RemoveAll(stageDir); rmErr != nil {
			s.logger.Warn("failed to remove staging dir", zap.String("path", stageDir), zap.Error(rmErr))
		}
	}()

	staged := filepath.Join(stageDir, "payload")
	if err := s.fs.WriteFile(staged, data, FilePermission); err != nil {
		return fmt.Errorf("stage %s: %w", filePath, err)
	}

	_, stderr, exitCode, err := s.cmdRunner.RunCommand(ctx, []string{s.config.CLIBinary, "cp", staged, s.volumePath(filePath)})
	if err != nil {
		return fmt.Errorf("copy %s to volume: %w", filePath, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("copy %s to volume: %s", filePath, stderr)
	}

	return nil
}

// ReadFile copies the volume file into a temporary local file and returns
// its raw bytes.
func (s *ServerlessBackend) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	stageDir, err := s.fs.MkdirTemp("", "execbox-stage-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if rmErr := s.fs.RemoveAll(stageDir); rmErr != nil {
			s.logger.Warn("failed to remove staging dir", zap.String("path", stageDir), zap.Error(rmErr))
		}
	}()

	staged := filepath.Join(stageDir, "payload")
	_, _, exitCode, err := s.cmdRunner.RunCommand(ctx, []string{s.config.CLIBinary, "cp", s.volumePath(filePath), staged})
	if err != nil || exitCode != 0 {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filePath)
	}

	data, err := s.fs.ReadFile(staged)
	if err != nil {
		return nil, fmt.Errorf("read staged copy of %s: %w", filePath, err)
	}

	return data, nil
}

// ListFiles enumerates entries under a volume path via the companion CLI.
func (s *ServerlessBackend) ListFiles(ctx context.Context, dirPath string) ([]FileEntry, error) {
	stdout, stderr, exitCode, err := s.cmdRunner.RunCommand(ctx, []string{s.config.CLIBinary, "ls", s.volumePath(dirPath)})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirPath, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("list %s: %s", dirPath, stderr)
	}

	return parseEntries(stdout), nil
}

// Terminate is a no-op: the endpoint and volume outlive the session.
func (s *ServerlessBackend) Terminate(_ context.Context) error {
	s.logger.Debug("serverless backend terminated", zap.String("id", s.id))
	return nil
}
