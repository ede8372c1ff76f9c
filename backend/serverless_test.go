package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// writeGatewayConfig writes a credentials file pointing at the given test
// server and returns its path.
func writeGatewayConfig(t *testing.T, serverURL string) string {
	t.Helper()

	u, err := url.Parse(serverURL)
	require.NoError(t, err)

	content := fmt.Sprintf("[default]\ngateway_host = http://%s\ngateway_port = %s\ntoken = test-token\n",
		u.Hostname(), u.Port())

	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newServerlessForTest(t *testing.T, configFile string, opts ...ServerlessBackendOption) *ServerlessBackend {
	t.Helper()
	return NewServerlessBackend(zaptest.NewLogger(t), ServerlessConfig{
		ConfigFile: configFile,
		Endpoint:   "agento-code-exec",
		Volume:     "agento-sandbox-vol",
		CLIBinary:  "beta9",
		Timeout:    time.Minute,
	}, opts...)
}

func TestServerlessBackendRunCode(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var gotAuth, gotPath string
		var gotBody map[string]string

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotPath = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"stdout":"4\n","stderr":"","error":null}`)
		}))
		defer srv.Close()

		b := newServerlessForTest(t, writeGatewayConfig(t, srv.URL))
		result := b.RunCode(context.Background(), "print(2+2)")

		assert.True(t, result.OK())
		assert.Equal(t, "4\n", result.Stdout)
		assert.Equal(t, "Bearer test-token", gotAuth)
		assert.Equal(t, "/endpoint/agento-code-exec/v2", gotPath)
		assert.Equal(t, "print(2+2)", gotBody["code"])
	})

	t.Run("RemoteError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"stdout":"","stderr":"Traceback...","error":"NameError: name 'x' is not defined"}`)
		}))
		defer srv.Close()

		b := newServerlessForTest(t, writeGatewayConfig(t, srv.URL))
		result := b.RunCode(context.Background(), "x")

		assert.False(t, result.OK())
		assert.Contains(t, result.Error, "NameError")
		assert.Contains(t, result.Stderr, "Traceback")
	})

	t.Run("GatewayHTTPError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		}))
		defer srv.Close()

		b := newServerlessForTest(t, writeGatewayConfig(t, srv.URL))
		result := b.RunCode(context.Background(), "print(1)")

		assert.False(t, result.OK())
		assert.Contains(t, result.Error, "status 502")
	})

	t.Run("MissingCredentialsFile", func(t *testing.T) {
		b := newServerlessForTest(t, filepath.Join(t.TempDir(), "absent.ini"))
		result := b.RunCode(context.Background(), "print(1)")

		assert.False(t, result.OK())
		assert.Contains(t, result.Error, "gateway config not found")
	})
}

func TestServerlessBackendFiles(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(configFile, []byte("[default]\ngateway_host = localhost\n"), 0o600))

	t.Run("WriteStagesAndCopies", func(t *testing.T) {
		runner := &MockCommandRunner{}
		fs := NewMockFileSystem()
		b := newServerlessForTest(t, configFile,
			WithServerlessCommandRunner(runner), WithServerlessFileSystem(fs))

		err := b.WriteFile(context.Background(), "/sandbox/data.bin", []byte{0x00, 0x01, 0xFF})
		require.NoError(t, err)

		require.Len(t, runner.calls, 1)
		assert.Equal(t, []string{"beta9", "cp", "/tmp/mockstage-1/payload", "agento-sandbox-vol:/sandbox/data.bin"}, runner.calls[0])
		// Staging dir is removed after the copy
		assert.Contains(t, fs.removals, "/tmp/mockstage-1")
	})

	t.Run("WriteAddsLeadingSlash", func(t *testing.T) {
		runner := &MockCommandRunner{}
		fs := NewMockFileSystem()
		b := newServerlessForTest(t, configFile,
			WithServerlessCommandRunner(runner), WithServerlessFileSystem(fs))

		require.NoError(t, b.WriteFile(context.Background(), "relative/path.txt", []byte("x")))
		assert.Equal(t, "agento-sandbox-vol:/relative/path.txt", runner.calls[0][3])
	})

	t.Run("ReadCopiesFromVolume", func(t *testing.T) {
		runner := &MockCommandRunner{}
		fs := NewMockFileSystem()
		payload := []byte{0x89, 'P', 'N', 'G', 0x00}
		fs.files["/tmp/mockstage-1/payload"] = payload

		b := newServerlessForTest(t, configFile,
			WithServerlessCommandRunner(runner), WithServerlessFileSystem(fs))

		data, err := b.ReadFile(context.Background(), "/sandbox/plot.png")
		require.NoError(t, err)
		assert.Equal(t, payload, data)
		assert.Equal(t, []string{"beta9", "cp", "agento-sandbox-vol:/sandbox/plot.png", "/tmp/mockstage-1/payload"}, runner.calls[0])
	})

	t.Run("ReadMissingFile", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: mockCmdResult{exitCode: 1, stderr: "not found"}}
		b := newServerlessForTest(t, configFile,
			WithServerlessCommandRunner(runner), WithServerlessFileSystem(NewMockFileSystem()))

		_, err := b.ReadFile(context.Background(), "/sandbox/missing.txt")
		assert.ErrorIs(t, err, ErrFileNotFound)
	})

	t.Run("ListVolume", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: mockCmdResult{stdout: "a.txt\nb.txt\n"}}
		b := newServerlessForTest(t, configFile,
			WithServerlessCommandRunner(runner), WithServerlessFileSystem(NewMockFileSystem()))

		entries, err := b.ListFiles(context.Background(), "/")
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		assert.Equal(t, []string{"beta9", "ls", "agento-sandbox-vol:/"}, runner.calls[0])
	})
}

func TestServerlessCredentialPortRewrite(t *testing.T) {
	// The credentials file carries the grpc port; the http gateway is one up
	configFile := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(configFile,
		[]byte("[default]\ngateway_host = gateway.example.com\ngateway_port = 1993\ntoken = tok\n"), 0o600))

	b := newServerlessForTest(t, configFile)
	creds, err := b.credentials()
	require.NoError(t, err)
	assert.Equal(t, "http://gateway.example.com:1994", creds.baseURL)
	assert.Equal(t, "tok", creds.token)
}

func TestServerlessIdentity(t *testing.T) {
	b := newServerlessForTest(t, "unused.ini")
	assert.Equal(t, KindServerless, b.Kind())
	assert.Contains(t, b.ID(), "serverless-")
	assert.NoError(t, b.Terminate(context.Background()))
}
