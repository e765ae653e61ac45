package client

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
	"github.com/tsawler/go-netgraph/server"
	"github.com/tsawler/go-netgraph/vision/preprocessing"
)

func quiet() *log.Logger { return log.New(io.Discard) }

func testConfig(url string) Config {
	return Config{BaseURL: url + "/", Timeout: 5 * time.Second, RetryAttempts: 3, RetryDelay: time.Millisecond}
}

func writePNG(t *testing.T) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(t.TempDir(), "image9.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestUploadReportsProgress(t *testing.T) {
	dir := t.TempDir()
	s, err := server.New(server.WithLogger(quiet()), server.WithUploadDir(dir))
	require.NoError(t, err)
	ts := httptest.NewServer(s)
	defer ts.Close()

	var (
		mu                  sync.Mutex
		calls               int
		lastSent, lastTotal int64
	)
	c := New(testConfig(ts.URL), quiet())
	reply, err := c.Upload(context.Background(), "Ktor logo", writePNG(t), func(sent, total int64) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		assert.GreaterOrEqual(t, sent, lastSent)
		lastSent, lastTotal = sent, total
	})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()

	assert.True(t, strings.HasPrefix(reply, "Ktor logo is uploaded to"), reply)
	assert.Positive(t, calls)
	assert.Equal(t, lastTotal, lastSent)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, c.CheckHealth(context.Background()))
}

type constModel struct{ spec *layers.ModelSpec }

func (m constModel) PredictSoftly([]float32) ([]float32, error) { return []float32{1, 3}, nil }
func (m constModel) Spec() *layers.ModelSpec                    { return m.spec }
func (m constModel) Summary() string                            { return m.spec.Summary() }

func TestPredict(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{2, 2, 1}).
		AddFlatten().
		AddDense(2, layers.WithActivation(layers.Linear)).
		Compile()
	require.NoError(t, err)
	p := preprocessing.Pipeline{Rescale: &preprocessing.Rescale{Scale: 255}, ColorOrder: preprocessing.Grayscale}
	s, err := server.New(server.WithLogger(quiet()), server.WithModel(constModel{spec}, p, []string{"no", "yes"}))
	require.NoError(t, err)
	ts := httptest.NewServer(s)
	defer ts.Close()

	c := New(testConfig(ts.URL), quiet())
	pred, err := c.Predict(context.Background(), writePNG(t))
	require.NoError(t, err)
	assert.Equal(t, "yes", pred.Label)
	assert.InDelta(t, 0.8808, pred.Probabilities[1], 1e-3)

	_, err = c.Predict(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeNotFound))
}

func TestRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte("done\n"))
	}))
	defer ts.Close()

	c := New(testConfig(ts.URL), quiet())
	reply, err := c.UploadBytes(context.Background(), "x", "x.png", []byte("data"), nil)
	require.NoError(t, err)
	assert.Equal(t, "done", reply)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad image","code":"INVALID_INPUT"}`))
	}))
	defer ts.Close()

	c := New(testConfig(ts.URL), quiet())
	_, err := c.UploadBytes(context.Background(), "x", "x.png", []byte("data"), nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, nerrors.ErrCodeInvalidInput, se.Code)
	assert.Equal(t, "bad image", se.Message)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRetriesGiveUp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New(testConfig(ts.URL), quiet())
	err := c.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestUploadIsNotRetriedAfterInternalError(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "stored, then failed", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New(testConfig(ts.URL), quiet())
	_, err := c.UploadBytes(context.Background(), "x", "x.png", []byte("data"), nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Equal(t, int32(1), hits.Load(), "a 500 upload may already be stored")

	hits.Store(0)
	err = c.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), hits.Load(), "GET requests retry every server error")
}

func TestUploadRetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if hits.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	}))
	defer ts.Close()

	c := New(testConfig(ts.URL), quiet())
	reply, err := c.UploadBytes(context.Background(), "x", "x.png", []byte("data"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, int32(2), hits.Load())
}
