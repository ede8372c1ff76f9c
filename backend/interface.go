package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Kind identifies one of the interchangeable execution backends.
type Kind string

// Backend kinds in fallback priority order.
const (
	KindCloud      Kind = "cloud"
	KindServerless Kind = "serverless"
	KindLocal      Kind = "local"
)

// ErrFileNotFound is returned by ReadFile when the requested path does not
// exist in the backend. It is the only typed failure file operations raise;
// everything else is wrapped with context.
var ErrFileNotFound = errors.New("file not found")

// ExecutionResult is the normalized outcome of one code execution. Error is
// empty on success; a backend may report partial stdout alongside an error.
type ExecutionResult struct {
	Stdout string
	Stderr string
	Error  string
}

// OK reports whether the execution completed without an error.
func (r ExecutionResult) OK() bool {
	return r.Error == ""
}

// FileEntry describes one entry returned by ListFiles.
type FileEntry struct {
	Name  string
	IsDir bool
}

// Backend is the capability contract every execution backend implements.
// RunCode never returns a Go error: all run failures (network, process,
// missing config) are captured into ExecutionResult.Error so a dead backend
// cannot panic its caller. File operations return errors so the session
// manager can distinguish a dead backend from a missing file.
type Backend interface {
	// Kind identifies the backend variant.
	Kind() Kind

	// ID is the backend's session identifier, stable for its lifetime.
	ID() string

	// RunCode submits code for interpreted execution and blocks until the
	// run completes or the context expires.
	RunCode(ctx context.Context, code string) ExecutionResult

	// WriteFile stores data at path, creating parent directories as needed.
	WriteFile(ctx context.Context, path string, data []byte) error

	// ReadFile returns the raw bytes at path without transcoding. Returns
	// an error wrapping ErrFileNotFound when the path is absent.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// ListFiles enumerates the entries under path. Also serves as the
	// session manager's liveness probe.
	ListFiles(ctx context.Context, path string) ([]FileEntry, error)

	// Terminate releases backend resources. Idempotent; safe on a backend
	// that is already gone.
	Terminate(ctx context.Context) error
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
	// RunCommandInput runs a command with input fed to its stdin. Used for
	// stdin-piped file writes into containers.
	RunCommandInput(ctx context.Context, input []byte, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	return runCommand(ctx, nil, args)
}

// RunCommandInput executes the given command feeding input to stdin
func (RealCommandRunner) RunCommandInput(ctx context.Context, input []byte, args []string) (stdout, stderr string, exitCode int, err error) {
	return runCommand(ctx, input, args)
}

func runCommand(ctx context.Context, input []byte, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for local file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// File permission constants
const (
	DirPermission      = 0755
	FilePermission     = 0600
	ArtifactPermission = 0644
)

// parseEntries converts `ls -1` style output into file entries.
func parseEntries(out string) []FileEntry {
	var entries []FileEntry
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		entries = append(entries, FileEntry{Name: name})
	}
	return entries
}
