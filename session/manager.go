package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/backend"
	"github.com/isdmx/execbox/config"
)

// ErrNoSession is returned by operations that require an active session when
// none has been created yet.
var ErrNoSession = errors.New("no active sandbox session")

// Manager owns the single active backend instance for the process: lazy
// creation with fallback between backends, a liveness probe before reuse,
// the reference-file upload cache, and artifact downloads.
//
// The manager is not internally synchronized. Callers must serialize access
// to it, one call in flight at a time, because remote backends are assumed
// to serialize commands per session anyway.
type Manager struct {
	logger *zap.Logger
	cfg    *config.Config
	fs     backend.FileSystem

	cloudFactory      func(ctx context.Context) (backend.Backend, error)
	serverlessFactory func() (backend.Backend, error)
	localFactory      func() (backend.Backend, error)

	active     backend.Backend
	createdAt  time.Time
	isFallback bool
	uploaded   map[string]string // local path -> remote path
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithFileSystem sets the FileSystem used for local reads and writes
func WithFileSystem(fs backend.FileSystem) ManagerOption {
	return func(m *Manager) {
		m.fs = fs
	}
}

// WithCloudFactory overrides the cloud backend constructor
func WithCloudFactory(f func(ctx context.Context) (backend.Backend, error)) ManagerOption {
	return func(m *Manager) {
		m.cloudFactory = f
	}
}

// WithServerlessFactory overrides the serverless backend constructor
func WithServerlessFactory(f func() (backend.Backend, error)) ManagerOption {
	return func(m *Manager) {
		m.serverlessFactory = f
	}
}

// WithLocalFactory overrides the local backend constructor
func WithLocalFactory(f func() (backend.Backend, error)) ManagerOption {
	return func(m *Manager) {
		m.localFactory = f
	}
}

// NewManager creates a session manager with backend factories built from the
// application configuration.
func NewManager(logger *zap.Logger, cfg *config.Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:   logger,
		cfg:      cfg,
		fs:       &backend.RealFileSystem{},
		uploaded: make(map[string]string),
	}

	m.cloudFactory = func(ctx context.Context) (backend.Backend, error) {
		return backend.NewCloudBackend(ctx, logger, backend.CloudConfig{
			APIKey:   cfg.Cloud.APIKey,
			Domain:   cfg.Cloud.Domain,
			APIURL:   cfg.Cloud.APIURL,
			Template: cfg.Cloud.Template,
			Timeout:  cfg.GetTimeout(),
		})
	}
	m.serverlessFactory = func() (backend.Backend, error) {
		return backend.NewServerlessBackend(logger, backend.ServerlessConfig{
			ConfigFile: cfg.Serverless.ConfigFile,
			Endpoint:   cfg.Serverless.Endpoint,
			Volume:     cfg.Serverless.Volume,
			CLIBinary:  cfg.Serverless.CLIBinary,
			Timeout:    cfg.GetTimeout(),
		}), nil
	}
	m.localFactory = func() (backend.Backend, error) {
		return backend.NewLocalBackend(logger, backend.LocalConfig{
			Runtime:     cfg.Local.Runtime,
			ComposeFile: cfg.Local.ComposeFile,
			Service:     cfg.Local.Service,
			Interpreter: cfg.Local.Interpreter,
			Timeout:     cfg.GetTimeout(),
		}), nil
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// GetOrCreate returns the active backend, probing it for liveness first. A
// dead backend is terminated best-effort and replaced; the upload cache is
// cleared because nothing uploaded to the dead backend survived.
func (m *Manager) GetOrCreate(ctx context.Context) (backend.Backend, error) {
	if m.active != nil {
		_, err := m.active.ListFiles(ctx, "/")
		if err == nil {
			return m.active, nil
		}

		m.logger.Warn("sandbox died, recreating",
			zap.String("sandbox_id", m.active.ID()),
			zap.Error(err))

		if termErr := m.active.Terminate(ctx); termErr != nil {
			m.logger.Debug("terminating dead sandbox failed", zap.Error(termErr))
		}
		m.clear()
	}

	return m.create(ctx)
}

// create applies the selection policy: cloud when a usable credential is
// present (with serverless then local as fallbacks), serverless as primary
// when its credentials file is resolvable, local otherwise. Every fallback
// step is logged; the session identifier always reflects the live backend.
func (m *Manager) create(ctx context.Context) (backend.Backend, error) {
	if m.cfg.Cloud.HasCredential() {
		b, err := m.cloudFactory(ctx)
		if err == nil {
			m.adopt(b, false)
			return b, nil
		}
		m.logger.Warn("cloud sandbox creation failed, falling back to serverless backend", zap.Error(err))

		b, err = m.serverlessFactory()
		if err == nil {
			m.adopt(b, true)
			return b, nil
		}
		m.logger.Warn("serverless backend unavailable, falling back to local container", zap.Error(err))

		b, err = m.localFactory()
		if err != nil {
			return nil, fmt.Errorf("all backend creation strategies failed: %w", err)
		}
		m.adopt(b, true)
		return b, nil
	}

	if m.serverlessConfigured() {
		b, err := m.serverlessFactory()
		if err == nil {
			m.logger.Info("using serverless backend as primary execution engine")
			m.adopt(b, false)
			return b, nil
		}
		m.logger.Warn("serverless backend unavailable, falling back to local container", zap.Error(err))
	} else {
		m.logger.Info("no cloud credential or serverless config found, using local container backend")
	}

	b, err := m.localFactory()
	if err != nil {
		return nil, fmt.Errorf("all backend creation strategies failed: %w", err)
	}
	m.adopt(b, true)
	return b, nil
}

// serverlessConfigured reports whether the serverless credentials file is
// resolvable, which is the cheapest availability signal we have before
// actually issuing a gateway call.
func (m *Manager) serverlessConfigured() bool {
	ok, err := m.fs.FileExists(m.cfg.Serverless.ConfigFile)
	return err == nil && ok
}

func (m *Manager) adopt(b backend.Backend, fallback bool) {
	m.active = b
	m.createdAt = time.Now()
	m.isFallback = fallback
	m.uploaded = make(map[string]string)

	m.logger.Info("sandbox session established",
		zap.String("sandbox_id", b.ID()),
		zap.String("backend", string(b.Kind())),
		zap.Bool("fallback", fallback))
}

func (m *Manager) clear() {
	m.active = nil
	m.createdAt = time.Time{}
	m.isFallback = false
	m.uploaded = make(map[string]string)
}

// UploadReferenceFile pushes a local file into the backend under remoteDir.
// Uploads are write-once per local path per session: a repeated upload
// returns the cached remote path without re-transferring bytes.
func (m *Manager) UploadReferenceFile(ctx context.Context, localPath, remoteDir string) (string, error) {
	exists, err := m.fs.FileExists(localPath)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, err)
	}
	if !exists {
		return "", fmt.Errorf("reference file not found: %s: %w", localPath, os.ErrNotExist)
	}

	if remotePath, ok := m.uploaded[localPath]; ok {
		m.logger.Debug("reference file already uploaded",
			zap.String("local_path", localPath),
			zap.String("remote_path", remotePath))
		return remotePath, nil
	}

	b, err := m.GetOrCreate(ctx)
	if err != nil {
		return "", err
	}

	data, err := m.fs.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", localPath, err)
	}

	remotePath := path.Join(remoteDir, filepath.Base(localPath))
	if err := b.WriteFile(ctx, remotePath, data); err != nil {
		// No mapping is recorded on failure so a retry re-uploads.
		return "", fmt.Errorf("failed to upload %s to %s: %w", localPath, remotePath, err)
	}

	m.uploaded[localPath] = remotePath
	m.logger.Info("uploaded reference file",
		zap.String("local_path", localPath),
		zap.String("remote_path", remotePath),
		zap.Int("size_bytes", len(data)))

	return remotePath, nil
}

// DownloadArtifact copies a backend file into localDir, preserving bytes
// exactly. Artifacts are often binary (images, documents) and must never be
// transcoded. Returns the local path of the downloaded file.
func (m *Manager) DownloadArtifact(ctx context.Context, remotePath, localDir string) (string, error) {
	if m.active == nil {
		return "", ErrNoSession
	}

	data, err := m.active.ReadFile(ctx, remotePath)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", remotePath, err)
	}

	if err := m.fs.MkdirAll(localDir, backend.DirPermission); err != nil {
		return "", fmt.Errorf("create %s: %w", localDir, err)
	}

	localPath := filepath.Join(localDir, path.Base(remotePath))
	if err := m.fs.WriteFile(localPath, data, backend.ArtifactPermission); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", localPath, err)
	}

	m.logger.Info("downloaded artifact",
		zap.String("remote_path", remotePath),
		zap.String("local_path", localPath),
		zap.Int("size_bytes", len(data)))

	return localPath, nil
}

// Reset terminates the active backend best-effort and clears all session
// state. Safe to call with no active session. Used at session boundaries.
func (m *Manager) Reset(ctx context.Context) {
	if m.active != nil {
		if err := m.active.Terminate(ctx); err != nil {
			m.logger.Warn("terminating sandbox failed during reset",
				zap.String("sandbox_id", m.active.ID()),
				zap.Error(err))
		} else {
			m.logger.Info("sandbox terminated", zap.String("sandbox_id", m.active.ID()))
		}
	}
	m.clear()
}

// SandboxID returns the active session identifier, or empty when no session
// exists.
func (m *Manager) SandboxID() string {
	if m.active == nil {
		return ""
	}
	return m.active.ID()
}

// IsFallback reports whether the active backend was selected by fallback
// rather than as the primary strategy.
func (m *Manager) IsFallback() bool {
	return m.isFallback
}

// UploadedReferenceFiles returns a copy of the session's upload cache,
// keyed by local path.
func (m *Manager) UploadedReferenceFiles() map[string]string {
	out := make(map[string]string, len(m.uploaded))
	for k, v := range m.uploaded {
		out[k] = v
	}
	return out
}
