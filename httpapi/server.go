// Package httpapi serves a read-only HTTP view of a running bridge.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danderson/dsb"
	"github.com/danderson/dsb/bridge"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source is the bridge state the server exposes. [*bridge.Bridge]
// implements it.
type Source interface {
	Devices() []bridge.DeviceInfo
	Device(serial string) (bridge.DeviceInfo, bool)
	Describe(service string) (map[string]*dsb.ObjectDescription, bool)
}

// Options configures a Server.
type Options struct {
	// Gatherer provides the metrics served on /metrics. If nil,
	// /metrics is not served.
	Gatherer prometheus.Gatherer
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Server is an HTTP handler for a bridge.
type Server struct {
	src      Source
	gatherer prometheus.Gatherer
	log      *slog.Logger
	router   chi.Router
}

// New returns a Server for src.
func New(src Source, opts Options) *Server {
	ret := &Server{
		src:      src,
		gatherer: opts.Gatherer,
		log:      opts.Logger,
	}
	if ret.log == nil {
		ret.log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(ret.accessLog)
	r.Use(middleware.Recoverer)
	ret.RegisterRoutes(r)
	ret.router = r
	return ret
}

// RegisterRoutes adds the server's routes to r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Get("/devices", s.handleDevices)
	r.Get("/devices/{serial}", s.handleDevice)
	r.Get("/introspect/{service}", s.handleIntrospect)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": len(s.src.Devices()),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devs := s.src.Devices()
	if devs == nil {
		devs = []bridge.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, devs)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	dev, ok := s.src.Device(serial)
	if !ok {
		writeError(w, http.StatusNotFound, "no device with serial number "+serial)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleIntrospect serves the introspection data of every object of
// a service, as a JSON object keyed by object path. With ?format=xml,
// each value is the object's introspection XML document instead.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	objs, ok := s.src.Describe(service)
	if !ok {
		writeError(w, http.StatusNotFound, "no service "+service)
		return
	}
	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, objs)
	case "xml":
		ret := make(map[string]string, len(objs))
		for path, o := range objs {
			x, err := o.XML()
			if err != nil {
				s.log.Error("rendering introspection", "service", service, "path", path, "err", err)
				writeError(w, http.StatusInternalServerError, "rendering introspection failed")
				return
			}
			ret[path] = x
		}
		writeJSON(w, http.StatusOK, ret)
	default:
		writeError(w, http.StatusBadRequest, "format must be json or xml")
	}
}
