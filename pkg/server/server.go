// Package server is the persistence backend: configuration probe, directory
// listings of documents and imaging files, document and volume saves, and the static
// and data mounts.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"freebrowse/internal/models"
	"freebrowse/pkg/config"
)

// DocumentPatterns are the files listed by the document endpoint
var DocumentPatterns = []string{"*.nvd"}

// Server serves the backend API.
type Server struct {
	dataDir    string
	staticDir  string
	imaging    []string
	serverless bool
	logoutURL  *string
	log        *log.Entry
	srv        *http.Server
}

// New creates a server from the server section of cfg.
func New(cfg *config.Config, logger *log.Entry) *Server {
	if logger == nil {
		logger = log.WithField("prefix", "server")
	}
	s := &Server{
		dataDir:    cfg.Server.DataDir,
		staticDir:  cfg.Server.StaticDir,
		imaging:    cfg.Server.ImagingExtensions,
		serverless: cfg.Server.Serverless,
		log:        logger,
	}
	if cfg.Server.LogoutURL != "" {
		url := cfg.Server.LogoutURL
		s.logoutURL = &url
	}

	logger.WithFields(log.Fields{
		"dataDir":           s.dataDir,
		"staticDir":         s.staticDir,
		"sceneSchemaId":     cfg.Server.SceneSchemaID,
		"imagingExtensions": s.imaging,
		"serverless":        s.serverless,
		"logoutUrl":         cfg.Server.LogoutURL,
	}).Info("Backend configured")
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /nvd", s.handleListDocuments)
	mux.HandleFunc("POST /nvd", s.handleSaveDocument)
	mux.HandleFunc("GET /imaging", s.handleListImaging)
	mux.HandleFunc("POST /nii", s.handleSaveVolume)

	// Static mounts
	if s.staticDir != "" {
		mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.staticDir))))
	}
	if !s.serverless {
		mux.Handle("/data/", http.StripPrefix("/data/", http.FileServer(http.Dir(s.dataDir))))
	}

	return mux
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithField("addr", addr).Info("Starting server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops a started server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, detail string) {
	if status >= http.StatusInternalServerError {
		s.log.Error(detail)
	} else {
		s.log.Debug(detail)
	}
	s.jsonResponse(w, status, map[string]string{"detail": detail})
}

// unavailable answers data endpoints in serverless mode
func (s *Server) unavailable(w http.ResponseWriter) bool {
	if !s.serverless {
		return false
	}
	s.errorResponse(w, http.StatusNotFound, "Endpoint not available in serverless mode")
	return true
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, models.ServerConfig{
		Serverless: s.serverless,
		LogoutURL:  s.logoutURL,
	})
}
