package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newControlPlane returns a test control plane that provisions sandbox
// "sbx-123" and records termination.
func newControlPlane(t *testing.T, terminated *bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sandboxes":
			var req createSandboxRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "gdpval-workspace", req.TemplateID)
			fmt.Fprint(w, `{"sandboxID":"sbx-123","domain":"","envdAccessToken":"envd-tok"}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/sandboxes/sbx-123":
			if terminated != nil {
				*terminated = true
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
}

func newCloudForTest(t *testing.T, controlURL, envdURL string) *CloudBackend {
	t.Helper()
	b, err := NewCloudBackend(context.Background(), zaptest.NewLogger(t), CloudConfig{
		APIKey:   "test-key",
		Domain:   "e2b.test",
		APIURL:   controlURL,
		Template: "gdpval-workspace",
		Timeout:  time.Minute,
	}, WithCloudEnvdURL(envdURL))
	require.NoError(t, err)
	return b
}

func TestCloudBackendCreate(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		cp := newControlPlane(t, nil)
		defer cp.Close()

		b := newCloudForTest(t, cp.URL, "http://unused")
		assert.Equal(t, "sbx-123", b.ID())
		assert.Equal(t, KindCloud, b.Kind())
	})

	t.Run("MissingAPIKey", func(t *testing.T) {
		_, err := NewCloudBackend(context.Background(), zaptest.NewLogger(t), CloudConfig{})
		assert.Error(t, err)
	})

	t.Run("ControlPlaneRejects", func(t *testing.T) {
		cp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "quota exceeded", http.StatusForbidden)
		}))
		defer cp.Close()

		_, err := NewCloudBackend(context.Background(), zaptest.NewLogger(t), CloudConfig{
			APIKey: "test-key",
			APIURL: cp.URL,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 403")
	})
}

func TestCloudBackendRunCode(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		envd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/commands/run", r.URL.Path)
			assert.Equal(t, "envd-tok", r.Header.Get("X-Access-Token"))

			var req struct {
				Cmd  string   `json:"cmd"`
				Args []string `json:"args"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "python3", req.Cmd)
			assert.Equal(t, []string{"-c", "print('ok')"}, req.Args)

			fmt.Fprint(w, `{"stdout":"ok\n","stderr":"","exitCode":0}`)
		}))
		defer envd.Close()

		cp := newControlPlane(t, nil)
		defer cp.Close()

		b := newCloudForTest(t, cp.URL, envd.URL)
		result := b.RunCode(context.Background(), "print('ok')")
		assert.True(t, result.OK())
		assert.Equal(t, "ok\n", result.Stdout)
	})

	t.Run("NonzeroExit", func(t *testing.T) {
		envd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"stdout":"","stderr":"ZeroDivisionError","exitCode":1}`)
		}))
		defer envd.Close()

		cp := newControlPlane(t, nil)
		defer cp.Close()

		b := newCloudForTest(t, cp.URL, envd.URL)
		result := b.RunCode(context.Background(), "1/0")
		assert.False(t, result.OK())
		assert.Equal(t, "process exited with code 1", result.Error)
		assert.Contains(t, result.Stderr, "ZeroDivisionError")
	})

	t.Run("EnvdUnreachable", func(t *testing.T) {
		cp := newControlPlane(t, nil)
		defer cp.Close()

		b := newCloudForTest(t, cp.URL, "http://127.0.0.1:1")
		result := b.RunCode(context.Background(), "print(1)")
		assert.False(t, result.OK())
		assert.NotEmpty(t, result.Error)
	})
}

func TestCloudBackendFiles(t *testing.T) {
	stored := map[string][]byte{}

	envd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/commands/run":
			// mkdir -p and ls go through the commands API
			var req struct {
				Cmd  string   `json:"cmd"`
				Args []string `json:"args"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.Cmd == "ls" {
				fmt.Fprint(w, `{"stdout":"reference_files\nwork\n","stderr":"","exitCode":0}`)
				return
			}
			fmt.Fprint(w, `{"stdout":"","stderr":"","exitCode":0}`)
		case r.URL.Path == "/files" && r.Method == http.MethodPost:
			require.NoError(t, r.ParseMultipartForm(1<<20))
			file, _, err := r.FormFile("file")
			require.NoError(t, err)
			data, err := io.ReadAll(file)
			require.NoError(t, err)
			stored[r.URL.Query().Get("path")] = data
			w.WriteHeader(http.StatusCreated)
		case r.URL.Path == "/files" && r.Method == http.MethodGet:
			data, ok := stored[r.URL.Query().Get("path")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(data)
		default:
			http.NotFound(w, r)
		}
	}))
	defer envd.Close()

	cp := newControlPlane(t, nil)
	defer cp.Close()

	b := newCloudForTest(t, cp.URL, envd.URL)

	t.Run("WriteReadRoundTripBinary", func(t *testing.T) {
		payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01, 0xFF}
		require.NoError(t, b.WriteFile(context.Background(), "/home/user/plot.png", payload))

		data, err := b.ReadFile(context.Background(), "/home/user/plot.png")
		require.NoError(t, err)
		assert.Equal(t, payload, data)
	})

	t.Run("ReadMissingFile", func(t *testing.T) {
		_, err := b.ReadFile(context.Background(), "/home/user/missing.bin")
		assert.ErrorIs(t, err, ErrFileNotFound)
	})

	t.Run("ListFiles", func(t *testing.T) {
		entries, err := b.ListFiles(context.Background(), "/home/user")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "reference_files", entries[0].Name)
	})
}

func TestCloudBackendTerminate(t *testing.T) {
	terminated := false
	cp := newControlPlane(t, &terminated)
	defer cp.Close()

	b := newCloudForTest(t, cp.URL, "http://unused")
	require.NoError(t, b.Terminate(context.Background()))
	assert.True(t, terminated)
}
