// Package server exposes a trained model over HTTP.
//
// Routes:
//
//	GET  /healthz  liveness probe
//	GET  /model    topology summary of the served model
//	POST /predict  multipart "image" field, replies with class probabilities
//	POST /upload   multipart "description" and "image" fields, stores the file
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/layers"
	"github.com/tsawler/go-netgraph/vision/preprocessing"
	"github.com/tsawler/go-netgraph/zoo"
)

// DefaultMaxUploadSize caps request bodies at 32 MiB.
const DefaultMaxUploadSize = 32 << 20

// Predictor is the part of training.Model the server needs.
type Predictor interface {
	PredictSoftly(x []float32) ([]float32, error)
	Spec() *layers.ModelSpec
	Summary() string
}

// Server routes requests to the upload store and the model.
type Server struct {
	router    chi.Router
	logger    *log.Logger
	uploadDir string
	maxUpload int64

	// mu serialises model access; a model is not safe for concurrent use.
	mu       sync.Mutex
	model    Predictor
	pipeline preprocessing.Pipeline
	labels   []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithModel serves predictions from m. Images are turned into model input
// by p; labels name the output classes and may be nil.
func WithModel(m Predictor, p preprocessing.Pipeline, labels []string) Option {
	return func(s *Server) {
		s.model, s.pipeline, s.labels = m, p, labels
	}
}

// WithUploadDir sets where /upload stores files. Defaults to "uploads".
func WithUploadDir(dir string) Option {
	return func(s *Server) {
		s.uploadDir = dir
	}
}

// WithMaxUploadSize caps request bodies in bytes.
func WithMaxUploadSize(n int64) Option {
	return func(s *Server) {
		s.maxUpload = n
	}
}

// New builds the router. The upload directory is created on demand.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		logger:    log.Default(),
		uploadDir: "uploads",
		maxUpload: DefaultMaxUploadSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxUpload <= 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidConfiguration, "max upload size must be positive, got %d", s.maxUpload)
	}
	if s.model != nil {
		if err := s.checkPipeline(); err != nil {
			return nil, err
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/model", s.handleModel)
	r.Post("/predict", s.handlePredict)
	r.Post("/upload", s.handleUpload)
	s.router = r
	return s, nil
}

// checkPipeline rejects a pipeline whose fixed output cannot feed the model.
func (s *Server) checkPipeline() error {
	if err := s.pipeline.Validate(); err != nil {
		return err
	}
	in := s.model.Spec().InputShape
	if len(in) != 3 {
		return nerrors.New(nerrors.ErrCodeShapeMismatch, "model input %v is not an image", in)
	}
	if in[2] != s.pipeline.ColorOrder.Channels() {
		return nerrors.New(nerrors.ErrCodeShapeMismatch,
			"model expects %d channels, %s images have %d", in[2], s.pipeline.ColorOrder, s.pipeline.ColorOrder.Channels())
	}
	if r := s.pipeline.Resize; r != nil && (r.Height != in[0] || r.Width != in[1]) {
		return nerrors.New(nerrors.ErrCodeShapeMismatch,
			"images are resized to %dx%d, model expects %dx%d", r.Width, r.Height, in[1], in[0])
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).Round(time.Microsecond),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := nerrors.GetCode(err)
	switch code {
	case nerrors.ErrCodeInvalidInput, nerrors.ErrCodeShapeMismatch, nerrors.ErrCodeInvalidConfiguration:
		status = http.StatusBadRequest
	case nerrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case nerrors.ErrCodeIllegalState:
		status = http.StatusServiceUnavailable
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(code)})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"model":  s.model != nil,
	})
}

// ModelInfo is the /model response.
type ModelInfo struct {
	InputShape      []int  `json:"input_shape"`
	OutputShape     []int  `json:"output_shape"`
	TotalParameters int64  `json:"total_parameters"`
	Layers          int    `json:"layers"`
	Summary         string `json:"summary"`
}

func (s *Server) handleModel(w http.ResponseWriter, _ *http.Request) {
	if s.model == nil {
		s.writeError(w, nerrors.New(nerrors.ErrCodeIllegalState, "no model is served"))
		return
	}
	s.mu.Lock()
	spec := s.model.Spec()
	info := ModelInfo{
		InputShape:      spec.InputShape,
		OutputShape:     spec.OutputShape,
		TotalParameters: spec.TotalParameters,
		Layers:          len(spec.Layers),
		Summary:         s.model.Summary(),
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, info)
}

// ClassScore pairs a class with its probability.
type ClassScore struct {
	Class       int     `json:"class"`
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
}

// Prediction is the /predict response. Top holds at most five classes,
// most probable first.
type Prediction struct {
	Class         int          `json:"class"`
	Label         string       `json:"label"`
	Probabilities []float32    `json:"probabilities"`
	Top           []ClassScore `json:"top"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if s.model == nil {
		s.writeError(w, nerrors.New(nerrors.ErrCodeIllegalState, "no model is served"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	file, _, err := r.FormFile("image")
	if err != nil {
		s.writeError(w, formError(err, "image"))
		return
	}
	defer file.Close()

	x, _, err := s.pipeline.Decode(file)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	out, err := s.model.PredictSoftly(x)
	activation := s.outputActivation()
	s.mu.Unlock()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.prediction(out, activation))
}

func (s *Server) outputActivation() layers.ActivationType {
	spec := s.model.Spec()
	if l, ok := spec.Layer(spec.OutputName); ok {
		return l.Activation
	}
	return layers.Linear
}

func (s *Server) prediction(out []float32, activation layers.ActivationType) Prediction {
	probs := out
	if activation != layers.Softmax && activation != layers.Sigmoid {
		probs = softmax(out)
	}
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })

	top := make([]ClassScore, 0, 5)
	for _, c := range order[:min(5, len(order))] {
		top = append(top, ClassScore{Class: c, Label: zoo.Label(s.labels, c), Probability: probs[c]})
	}
	return Prediction{
		Class:         order[0],
		Label:         zoo.Label(s.labels, order[0]),
		Probabilities: probs,
		Top:           top,
	}
}

func softmax(logits []float32) []float32 {
	maxV := float32(math.Inf(-1))
	for _, v := range logits {
		maxV = max(maxV, v)
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxV))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		s.writeError(w, formError(err, "form"))
		return
	}
	description := strings.TrimSpace(r.FormValue("description"))
	file, header, err := r.FormFile("image")
	if err != nil {
		s.writeError(w, formError(err, "image"))
		return
	}
	defer file.Close()
	if err := nerrors.ValidateFileName(header.Filename); err != nil {
		s.writeError(w, err)
		return
	}

	name, size, err := s.store(file, header.Filename)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if description == "" {
		description = header.Filename
	}
	s.logger.Info("upload stored", "file", name, "bytes", size, "description", description)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s is uploaded to '%s'\n", description, filepath.ToSlash(filepath.Join(filepath.Base(s.uploadDir), name)))
}

// store writes an upload under a fresh name keeping the original extension.
func (s *Server) store(src io.Reader, original string) (string, int64, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create upload directory: %w", err)
	}
	name := uuid.NewString() + strings.ToLower(filepath.Ext(original))
	f, err := os.Create(filepath.Join(s.uploadDir, name))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create %s: %w", name, err)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(filepath.Join(s.uploadDir, name))
		return "", 0, fmt.Errorf("failed to store %s: %w", name, err)
	}
	return name, n, nil
}

func formError(err error, field string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "missing or malformed multipart %s", field)
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
