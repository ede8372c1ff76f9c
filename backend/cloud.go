package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"
)

// envdPort is the data-plane API port inside a cloud sandbox.
const envdPort = 49983

// CloudConfig holds configuration for the cloud micro-VM sandbox backend
type CloudConfig struct {
	APIKey   string
	Domain   string // control/data plane domain, e.g. "e2b.app"
	APIURL   string // control plane URL; defaults to "https://api.{Domain}"
	Template string // sandbox template ID
	Timeout  time.Duration
}

// CloudBackend provisions a managed micro-VM sandbox through the provider's
// control plane and talks to the sandbox's data-plane (envd) API for code
// execution and file transfer.
type CloudBackend struct {
	logger     *zap.Logger
	config     CloudConfig
	httpClient *http.Client

	sandboxID string
	domain    string
	envdToken string
	envdURL   string // overrides the computed data-plane URL when set
}

// CloudBackendOption defines a functional option for CloudBackend
type CloudBackendOption func(*CloudBackend)

// WithCloudHTTPClient sets the HTTP client for CloudBackend
func WithCloudHTTPClient(client *http.Client) CloudBackendOption {
	return func(c *CloudBackend) {
		c.httpClient = client
	}
}

// WithCloudEnvdURL overrides the computed data-plane base URL
func WithCloudEnvdURL(envdURL string) CloudBackendOption {
	return func(c *CloudBackend) {
		c.envdURL = envdURL
	}
}

type createSandboxRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata"`
}

type createSandboxResponse struct {
	SandboxID       string `json:"sandboxID"`
	Domain          string `json:"domain"`
	EnvdAccessToken string `json:"envdAccessToken"`
}

// NewCloudBackend provisions a new cloud sandbox. A creation failure is
// returned as an error so the session manager can fall back to the next
// backend in priority order.
func NewCloudBackend(ctx context.Context, logger *zap.Logger, config CloudConfig, opts ...CloudBackendOption) (*CloudBackend, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("cloud API key is required")
	}
	if config.Domain == "" {
		config.Domain = "e2b.app"
	}
	if config.APIURL == "" {
		config.APIURL = "https://api." + config.Domain
	}

	b := &CloudBackend{
		logger:     logger,
		config:     config,
		httpClient: &http.Client{},
	}

	for _, opt := range opts {
		opt(b)
	}

	createReq := createSandboxRequest{
		TemplateID: config.Template,
		Timeout:    int(config.Timeout.Seconds()),
		Metadata:   map[string]string{},
	}

	var created createSandboxResponse
	if err := b.controlPlaneCall(ctx, http.MethodPost, "/sandboxes", createReq, &created); err != nil {
		return nil, fmt.Errorf("create cloud sandbox: %w", err)
	}

	b.sandboxID = created.SandboxID
	b.envdToken = created.EnvdAccessToken
	b.domain = created.Domain
	if b.domain == "" {
		b.domain = config.Domain
	}

	logger.Info("created cloud sandbox",
		zap.String("sandbox_id", b.sandboxID),
		zap.String("template", config.Template))

	return b, nil
}

// Kind identifies the backend variant.
func (*CloudBackend) Kind() Kind { return KindCloud }

// ID returns the provider-assigned sandbox identifier.
func (c *CloudBackend) ID() string { return c.sandboxID }

// controlPlaneCall makes an HTTP request to the provider's control plane.
func (c *CloudBackend) controlPlaneCall(ctx context.Context, method, apiPath string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.APIURL+apiPath, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.config.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control plane request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("control plane error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// envdBaseURL returns the base URL for the sandbox's data-plane API.
func (c *CloudBackend) envdBaseURL() string {
	if c.envdURL != "" {
		return c.envdURL
	}
	return fmt.Sprintf("https://%d-%s.%s", envdPort, c.sandboxID, c.domain)
}

type commandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// runCommand executes an argv inside the sandbox via the envd commands API.
func (c *CloudBackend) runCommand(ctx context.Context, cmd string, args []string) (commandResult, error) {
	body, err := json.Marshal(map[string]any{"cmd": cmd, "args": args})
	if err != nil {
		return commandResult{}, fmt.Errorf("marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.envdBaseURL()+"/commands/run", bytes.NewReader(body))
	if err != nil {
		return commandResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Token", c.envdToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return commandResult{}, fmt.Errorf("commands API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return commandResult{}, fmt.Errorf("commands API error (status %d): %s", resp.StatusCode, string(errBody))
	}

	var result commandResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return commandResult{}, fmt.Errorf("decode command result: %w", err)
	}

	return result, nil
}

// RunCode executes code with the sandbox interpreter. Failures are captured
// into the result, never returned as errors.
func (c *CloudBackend) RunCode(ctx context.Context, code string) ExecutionResult {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	result, err := c.runCommand(ctx, "python3", []string{"-c", code})
	if err != nil {
		return ExecutionResult{Error: err.Error()}
	}
	if result.ExitCode != 0 {
		return ExecutionResult{
			Stdout: result.Stdout,
			Stderr: result.Stderr,
			Error:  fmt.Sprintf("process exited with code %d", result.ExitCode),
		}
	}

	return ExecutionResult{Stdout: result.Stdout, Stderr: result.Stderr}
}

// WriteFile uploads data to a sandbox path via the envd files endpoint,
// creating parent directories first.
func (c *CloudBackend) WriteFile(ctx context.Context, filePath string, data []byte) error {
	dir := path.Dir(filePath)
	if dir != "" && dir != "/" && dir != "." {
		if _, err := c.runCommand(ctx, "mkdir", []string{"-p", dir}); err != nil {
			c.logger.Warn("failed to create parent directories", zap.String("path", dir), zap.Error(err))
		}
	}

	// The files endpoint expects multipart form data
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filePath)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write form content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	reqURL := fmt.Sprintf("%s/files?path=%s", c.envdBaseURL(), url.QueryEscape(filePath))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Access-Token", c.envdToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("write %s: %w", filePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("write %s (status %d): %s", filePath, resp.StatusCode, string(errBody))
	}

	return nil
}

// ReadFile downloads the raw bytes of a sandbox file via the envd files
// endpoint. Bytes are returned untouched so binary artifacts survive.
func (c *CloudBackend) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/files?path=%s", c.envdBaseURL(), url.QueryEscape(filePath))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Access-Token", c.envdToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filePath)
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("read %s (status %d): %s", filePath, resp.StatusCode, string(errBody))
	}

	return io.ReadAll(resp.Body)
}

// ListFiles enumerates entries under a sandbox path.
func (c *CloudBackend) ListFiles(ctx context.Context, dirPath string) ([]FileEntry, error) {
	result, err := c.runCommand(ctx, "ls", []string{"-1", dirPath})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirPath, err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("list %s: %s", dirPath, result.Stderr)
	}

	return parseEntries(result.Stdout), nil
}

// Terminate destroys the sandbox through the control plane.
func (c *CloudBackend) Terminate(ctx context.Context) error {
	if err := c.controlPlaneCall(ctx, http.MethodDelete, "/sandboxes/"+c.sandboxID, nil, nil); err != nil {
		return fmt.Errorf("terminate sandbox %s: %w", c.sandboxID, err)
	}

	c.logger.Info("terminated cloud sandbox", zap.String("sandbox_id", c.sandboxID))
	return nil
}
