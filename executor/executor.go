package executor

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/artifact"
	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/session"
	"github.com/isdmx/execbox/taskstate"
)

// LanguagePython is the single supported execution language.
const LanguagePython = "python"

// Request carries one code execution request.
type Request struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Response is the uniform result contract returned to callers. The
// operation never fails with a Go error: every failure mode is folded into
// Success=false with Error populated.
type Response struct {
	Success             bool     `json:"success"`
	ExitCode            int      `json:"exit_code"`
	Stdout              string   `json:"stdout"`
	Stderr              string   `json:"stderr"`
	SandboxID           string   `json:"sandbox_id"`
	Message             string   `json:"message"`
	DownloadedArtifacts []string `json:"downloaded_artifacts,omitempty"`
	Error               string   `json:"error,omitempty"`
}

// Executor composes the session manager and the artifact scanner into the
// top-level execute-code operation.
type Executor struct {
	logger   *zap.Logger
	cfg      *config.Config
	sessions *session.Manager
	state    *taskstate.Store
}

// New creates an Executor.
func New(logger *zap.Logger, cfg *config.Config, sessions *session.Manager, state *taskstate.Store) *Executor {
	return &Executor{
		logger:   logger,
		cfg:      cfg,
		sessions: sessions,
		state:    state,
	}
}

func failure(message string) Response {
	return Response{
		Success:  false,
		ExitCode: 1,
		Error:    message,
		Message:  message,
	}
}

// ExecuteCode validates the request, runs the code in the active session's
// backend, scans successful output for declared artifacts and downloads
// them. Invalid input is rejected before any backend is touched.
func (e *Executor) ExecuteCode(ctx context.Context, req Request) Response {
	if strings.TrimSpace(req.Code) == "" {
		return failure("code cannot be empty")
	}

	language := strings.ToLower(strings.TrimSpace(req.Language))
	if language == "" {
		language = LanguagePython
	}
	if language != LanguagePython {
		return failure(fmt.Sprintf("language %q not supported, supported languages: %s", language, LanguagePython))
	}

	b, err := e.sessions.GetOrCreate(ctx)
	if err != nil {
		e.logger.Error("sandbox creation failed", zap.Error(err))
		return failure(fmt.Sprintf("sandbox creation failed: %v", err))
	}

	result := b.RunCode(ctx, req.Code)
	success := result.OK()
	sandboxID := e.sessions.SandboxID()

	resp := Response{
		Success:   success,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		SandboxID: sandboxID,
	}
	if success {
		resp.ExitCode = 0
		resp.Message = fmt.Sprintf("code executed in %s", sandboxID)
	} else {
		resp.ExitCode = 1
		resp.Error = result.Error
		resp.Message = fmt.Sprintf("%s execution reported an error", sandboxID)
	}

	// Artifact markers emitted by a failed execution are ignored by policy:
	// the files may be partial or missing.
	if success {
		resp.DownloadedArtifacts = e.downloadArtifacts(ctx, result.Stdout)
	}

	e.appendReferenceFilesNote(&resp)
	e.appendArtifactsNote(&resp)

	e.logger.Info("code execution completed",
		zap.String("sandbox_id", sandboxID),
		zap.Bool("success", success),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("artifacts", len(resp.DownloadedArtifacts)))

	return resp
}

// downloadArtifacts scans stdout for artifact markers and downloads each
// declared path. An individual download failure is recorded as a warning and
// skipped; it never fails the overall operation.
func (e *Executor) downloadArtifacts(ctx context.Context, stdout string) []string {
	paths := artifact.ExtractPaths(stdout)
	if len(paths) == 0 {
		return nil
	}

	localDir := e.artifactDir()
	var downloaded []string
	for _, remotePath := range paths {
		localPath, err := e.sessions.DownloadArtifact(ctx, remotePath, localDir)
		if err != nil {
			e.logger.Warn("could not download artifact",
				zap.String("remote_path", remotePath),
				zap.Error(err))
			continue
		}
		downloaded = append(downloaded, localPath)
	}

	return downloaded
}

// artifactDir resolves the local download directory from task metadata,
// falling back to the configured data directory when none is set.
func (e *Executor) artifactDir() string {
	dataPath, ok := e.state.Get(taskstate.KeyDataPath)
	if !ok || dataPath == "" {
		dataPath = e.cfg.Session.DataDir
	}

	date, ok := e.state.Get(taskstate.KeyCurrentDate)
	if !ok || date == "" {
		date = "unknown"
	}

	return filepath.Join(dataPath, "sandbox", date)
}

func (e *Executor) appendReferenceFilesNote(resp *Response) {
	uploaded := e.sessions.UploadedReferenceFiles()
	if len(uploaded) == 0 {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n\nreference files available in sandbox at %s:", e.cfg.Session.ReferenceDir)
	for _, remotePath := range uploaded {
		fmt.Fprintf(&sb, "\n  - %s at %s", path.Base(remotePath), remotePath)
	}
	resp.Message += sb.String()
}

func (e *Executor) appendArtifactsNote(resp *Response) {
	if len(resp.DownloadedArtifacts) == 0 {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n\ndownloaded %d artifact(s), use these local paths:", len(resp.DownloadedArtifacts))
	for _, p := range resp.DownloadedArtifacts {
		fmt.Fprintf(&sb, "\n  - %s", p)
	}
	resp.Message += sb.String()
}

// UploadReferenceFiles uploads a batch of local files into the session's
// reference directory. A failed entry is logged and skipped; the returned
// slice holds the remote paths of the uploads that succeeded.
func (e *Executor) UploadReferenceFiles(ctx context.Context, localPaths []string) []string {
	if len(localPaths) == 0 {
		return nil
	}

	e.logger.Info("uploading reference files", zap.Int("count", len(localPaths)))

	var remotePaths []string
	for _, localPath := range localPaths {
		remotePath, err := e.sessions.UploadReferenceFile(ctx, localPath, e.cfg.Session.ReferenceDir)
		if err != nil {
			e.logger.Error("failed to upload reference file",
				zap.String("local_path", localPath),
				zap.Error(err))
			continue
		}
		remotePaths = append(remotePaths, remotePath)
	}

	return remotePaths
}

// Reset tears down the active session. Used at session/day boundaries.
func (e *Executor) Reset(ctx context.Context) {
	e.sessions.Reset(ctx)
}
