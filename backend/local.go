package backend

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalConfig holds configuration for the local container backend
type LocalConfig struct {
	Runtime     string // container runtime binary, e.g. "docker"
	ComposeFile string
	Service     string
	Interpreter string
	Timeout     time.Duration
}

// LocalBackend runs code inside a long-lived service container by exec-ing
// into it through the compose CLI. Each run is a fresh interpreter process;
// only the container filesystem persists between calls.
type LocalBackend struct {
	logger    *zap.Logger
	config    LocalConfig
	cmdRunner CommandRunner
	id        string
}

// LocalBackendOption defines a functional option for LocalBackend
type LocalBackendOption func(*LocalBackend)

// WithLocalCommandRunner sets the CommandRunner for LocalBackend
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalBackendOption {
	return func(l *LocalBackend) {
		l.cmdRunner = cmdRunner
	}
}

// NewLocalBackend creates a new LocalBackend with default implementations and optional interfaces
func NewLocalBackend(logger *zap.Logger, config LocalConfig, opts ...LocalBackendOption) *LocalBackend {
	b := &LocalBackend{
		logger:    logger,
		config:    config,
		cmdRunner: &RealCommandRunner{},
		id:        "local-" + uuid.NewString()[:8],
	}

	for _, opt := range opts {
		opt(b)
	}

	logger.Info("initialized local container backend",
		zap.String("id", b.id),
		zap.String("compose_file", config.ComposeFile),
		zap.String("service", config.Service))

	return b
}

// Kind identifies the backend variant.
func (*LocalBackend) Kind() Kind { return KindLocal }

// ID returns the backend's session identifier.
func (l *LocalBackend) ID() string { return l.id }

// composeExec builds the argv for exec-ing a command inside the service
// container. -T disables pseudo-tty allocation, which behaves better for
// automation.
func (l *LocalBackend) composeExec(args ...string) []string {
	base := []string{
		l.config.Runtime, "compose",
		"-f", l.config.ComposeFile,
		"exec", "-T", l.config.Service,
	}
	return append(base, args...)
}

// RunCode executes code inside the service container. Failures are captured
// into the result, never returned as errors.
func (l *LocalBackend) RunCode(ctx context.Context, code string) ExecutionResult {
	ctx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	stdout, stderr, exitCode, err := l.cmdRunner.RunCommand(ctx, l.composeExec(l.config.Interpreter, "-c", code))
	if err != nil {
		return ExecutionResult{Error: err.Error()}
	}
	if exitCode != 0 {
		return ExecutionResult{
			Stdout: stdout,
			Stderr: stderr,
			Error:  fmt.Sprintf("process exited with code %d", exitCode),
		}
	}

	return ExecutionResult{Stdout: stdout, Stderr: stderr}
}

// WriteFile writes data to a path inside the container, creating parent
// directories first and feeding the bytes through stdin.
func (l *LocalBackend) WriteFile(ctx context.Context, filePath string, data []byte) error {
	dir := path.Dir(filePath)
	if dir != "" && dir != "/" && dir != "." {
		_, stderr, exitCode, err := l.cmdRunner.RunCommand(ctx, l.composeExec("mkdir", "-p", dir))
		if err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
		if exitCode != 0 {
			return fmt.Errorf("create directory %s: %s", dir, stderr)
		}
	}

	_, stderr, exitCode, err := l.cmdRunner.RunCommandInput(ctx, data, l.composeExec("sh", "-c", fmt.Sprintf("cat > '%s'", filePath)))
	if err != nil {
		return fmt.Errorf("write %s: %w", filePath, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("write %s: %s", filePath, stderr)
	}

	return nil
}

// ReadFile returns the raw bytes of a file inside the container.
func (l *LocalBackend) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	stdout, _, exitCode, err := l.cmdRunner.RunCommand(ctx, l.composeExec("cat", filePath))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filePath)
	}

	return []byte(stdout), nil
}

// ListFiles enumerates entries under a path inside the container.
func (l *LocalBackend) ListFiles(ctx context.Context, dirPath string) ([]FileEntry, error) {
	stdout, stderr, exitCode, err := l.cmdRunner.RunCommand(ctx, l.composeExec("ls", "-1", dirPath))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirPath, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("list %s: %s", dirPath, stderr)
	}

	return parseEntries(stdout), nil
}

// Terminate is a no-op: the container is owned by compose and outlives the
// session.
func (l *LocalBackend) Terminate(_ context.Context) error {
	l.logger.Debug("local backend terminated", zap.String("id", l.id))
	return nil
}
