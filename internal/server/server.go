// Package server hosts the agent's local HTTP API: the capture form posts
// submissions here, and the UI reads queue state, forces a sync and listens
// for progress events.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/luminarias/fieldsync/internal/codec"
	"github.com/luminarias/fieldsync/internal/config"
	"github.com/luminarias/fieldsync/internal/connectivity"
	"github.com/luminarias/fieldsync/internal/export"
	"github.com/luminarias/fieldsync/internal/logging"
	"github.com/luminarias/fieldsync/internal/model"
	"github.com/luminarias/fieldsync/internal/signing"
	"github.com/luminarias/fieldsync/internal/syncer"
	"github.com/luminarias/fieldsync/internal/trigger"
)

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Queue   syncer.Queue
	Engine  *syncer.Engine
	Auto    *trigger.AutoSync
	Monitor *connectivity.Monitor
	Signer  *signing.Signer
	Logger  *slog.Logger
}

// Server hosts HTTP handlers for the capture agent.
type Server struct {
	cfg     *config.Config
	queue   syncer.Queue
	engine  *syncer.Engine
	auto    *trigger.AutoSync
	monitor *connectivity.Monitor
	signer  *signing.Signer
	log     *slog.Logger
	events  *hub
	allowed map[string]bool

	originPatterns []string

	once    sync.Once
	handler http.Handler
}

// New creates a configured server and hooks its event stream into the
// monitor and the automatic sync.
func New(cfg *config.Config, d Deps) *Server {
	log := logging.OrDefault(d.Logger)
	allowed := make(map[string]bool, len(cfg.AllowedImageTypes))
	for _, t := range cfg.AllowedImageTypes {
		allowed[strings.ToLower(t)] = true
	}
	s := &Server{
		cfg:            cfg,
		queue:          d.Queue,
		engine:         d.Engine,
		auto:           d.Auto,
		monitor:        d.Monitor,
		signer:         d.Signer,
		log:            log,
		events:         newHub(log),
		allowed:        allowed,
		originPatterns: []string{"*"},
	}
	s.monitor.Subscribe(func(online bool) {
		s.events.publish(Event{Type: EventConnectivity, Online: &online})
	})
	if s.auto != nil {
		s.auto.OnProgress(s.publishProgress).OnComplete(func(res syncer.Result) {
			s.log.Info("automatic sync finished", "summary", trigger.Summary(res))
			s.publishComplete(res)
		})
	}
	return s
}

// Serve launches the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	s.log.Info("agent listening", "address", s.cfg.Address)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed handler wrapped in CORS and request logging.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /healthz", s.handleHealth)
		mux.HandleFunc("GET /status", s.handleStatus)
		mux.HandleFunc("POST /submissions", s.handleCapture)
		mux.HandleFunc("GET /submissions", s.handleList)
		mux.HandleFunc("GET /submissions/count", s.handleCount)
		mux.HandleFunc("DELETE /submissions/{id}", s.handleDelete)
		mux.HandleFunc("POST /sync", s.handleSync)
		mux.HandleFunc("GET /export", s.handleExport)
		mux.HandleFunc("GET /events", s.handleEvents)
		s.handler = corsMiddleware(s.loggingMiddleware(mux))
	})
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.Count(r.Context())
	if err != nil {
		s.storageError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"online":  s.monitor.Online(),
		"pending": n,
		"syncing": s.engine.Syncing(),
	})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	// Three photos plus a handful of short fields.
	r.Body = http.MaxBytesReader(w, r.Body, 3*s.cfg.MaxImageBytes+64*1024)
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "expecting multipart form")
		return
	}
	capture, err := s.readCapture(mr)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.queue.Enqueue(r.Context(), capture)
	if err != nil {
		s.storageError(w, err)
		return
	}
	s.log.Info("submission queued", "submission_id", id, "pole", capture.PoleNumber, "online", s.monitor.Online())
	if s.auto != nil {
		s.auto.Schedule()
	}
	respondJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

var photoFields = map[string]int{"photoFull": 0, "photoWatts": 1, "photoPhotocell": 2}

func (s *Server) readCapture(mr *multipart.Reader) (model.Capture, error) {
	values := map[string]string{}
	var images [3]codec.Image
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return model.Capture{}, errors.New("failed to read form")
		}
		name := part.FormName()
		if idx, ok := photoFields[name]; ok {
			img, err := s.readImage(part)
			if err != nil {
				return model.Capture{}, fmt.Errorf("%s: %w", name, err)
			}
			images[idx] = img
			continue
		}
		val, err := io.ReadAll(io.LimitReader(part, 1024))
		part.Close()
		if err != nil {
			return model.Capture{}, errors.New("failed to read form")
		}
		values[name] = strings.TrimSpace(string(val))
	}
	for name, idx := range photoFields {
		if images[idx].Reader == nil {
			return model.Capture{}, fmt.Errorf("missing %s", name)
		}
	}
	fields, err := parseFields(values)
	if err != nil {
		return model.Capture{}, err
	}
	return codec.FromReaders(fields, images[0], images[1], images[2])
}

// readImage buffers one photo, enforcing the size ceiling and sniffing the
// content type from the leading bytes.
func (s *Server) readImage(part *multipart.Part) (codec.Image, error) {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, s.cfg.MaxImageBytes+1))
	if err != nil {
		return codec.Image{}, errors.New("failed to read file")
	}
	if int64(len(data)) > s.cfg.MaxImageBytes {
		return codec.Image{}, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxImageBytes)
	}
	if len(data) == 0 {
		return codec.Image{}, errors.New("empty file")
	}
	contentType := http.DetectContentType(data)
	if !s.allowed[contentType] {
		return codec.Image{}, fmt.Errorf("file type %s not allowed", contentType)
	}
	return codec.Image{Reader: bytes.NewReader(data), ContentType: contentType}, nil
}

func parseFields(v map[string]string) (codec.Fields, error) {
	var f codec.Fields
	if raw := v["coloniaId"]; raw != "" && raw != "null" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, errors.New("coloniaId must be an integer")
		}
		f.ColoniaID = &id
	}
	f.PoleNumber = v["poleNumber"]
	if f.PoleNumber == "" {
		return f, errors.New("poleNumber is required")
	}
	watts, err := strconv.Atoi(v["watts"])
	if err != nil || !model.IsValidWatts(watts) {
		return f, fmt.Errorf("watts must be one of %v", model.ValidWatts)
	}
	f.Watts = watts
	if f.Latitude, err = strconv.ParseFloat(v["latitude"], 64); err != nil || f.Latitude < -90 || f.Latitude > 90 {
		return f, errors.New("latitude must be a number between -90 and 90")
	}
	if f.Longitude, err = strconv.ParseFloat(v["longitude"], 64); err != nil || f.Longitude < -180 || f.Longitude > 180 {
		return f, errors.New("longitude must be a number between -180 and 180")
	}
	switch strings.ToLower(v["photocellIsNew"]) {
	case "", "false", "0", "off", "no":
	case "true", "1", "on", "yes":
		f.PhotocellIsNew = true
	default:
		return f, errors.New("photocellIsNew must be a boolean")
	}
	return f, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list := s.queue.ListPending
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		list = s.queue.ListAll
	}
	subs, err := list(r.Context())
	if err != nil {
		s.storageError(w, err)
		return
	}
	if subs == nil {
		subs = []*model.PendingSubmission{}
	}
	respondJSON(w, http.StatusOK, subs)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.Count(r.Context())
	if err != nil {
		s.storageError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.queue.Delete(r.Context(), id); err != nil {
		s.storageError(w, err)
		return
	}
	s.log.Info("submission deleted", "submission_id", id)
	w.WriteHeader(http.StatusNoContent)
}

type failureView struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var (
		res syncer.Result
		err error
	)
	// The batch outlives a client that navigates away; progress still
	// reaches /events subscribers.
	ctx := context.WithoutCancel(r.Context())
	if s.auto != nil {
		res, err = s.auto.Forced(ctx, s.publishProgress)
	} else {
		res, err = trigger.Forced(ctx, s.engine, s.monitor, s.publishProgress)
	}
	switch {
	case errors.Is(err, trigger.ErrOffline):
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, syncer.ErrSyncInProgress):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.storageError(w, err)
		return
	}
	s.publishComplete(res)
	failures := make([]failureView, 0, len(res.Failures))
	for _, f := range res.Failures {
		failures = append(failures, failureView{ID: f.ID, Error: f.Err.Error()})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"batchId":   res.BatchID,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"failures":  failures,
		"summary":   trigger.Summary(res),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	withPayloads, _ := strconv.ParseBool(r.URL.Query().Get("payloads"))
	var buf bytes.Buffer
	if err := export.Export(r.Context(), s.queue, &buf, s.signer, export.Options{IncludePayloads: withPayloads}); err != nil {
		s.storageError(w, err)
		return
	}
	name := fmt.Sprintf("fieldsync-export-%s.json", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) publishProgress(current, total int) {
	s.events.publish(Event{Type: EventProgress, Current: current, Total: total})
}

func (s *Server) publishComplete(res syncer.Result) {
	s.events.publish(Event{
		Type:      EventSyncComplete,
		Total:     res.Total,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Summary:   trigger.Summary(res),
	})
}

// storageError maps queue failures onto 507 so the form can tell the user the
// capture was not saved.
func (s *Server) storageError(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrStorage) {
		s.log.Error("queue unavailable", "err", err)
		respondError(w, http.StatusInsufficientStorage, err.Error())
		return
	}
	s.log.Error("request failed", "err", err)
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("encode response", "err", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade reach the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
