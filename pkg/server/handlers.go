package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"

	"freebrowse/internal/models"
)

// listingError carries the HTTP status of a failed listing
type listingError struct {
	status int
	detail string
}

func (e *listingError) Error() string { return e.detail }

var errOutsideDataDir = errors.New("path escapes the data directory")

// --- Listings ---

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, DocumentPatterns, "niivue documents")
}

func (s *Server) handleListImaging(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, s.imaging, "imaging files")
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, patterns []string, what string) {
	if s.unavailable(w) {
		return
	}
	path := r.URL.Query().Get("path")
	s.log.WithFields(log.Fields{"patterns": patterns, "path": path}).Debugf("Listing %s", what)

	listing, err := safeListing(s.dataDir, patterns, path)
	if err != nil {
		var le *listingError
		if errors.As(err, &le) {
			s.errorResponse(w, le.status, le.detail)
			return
		}
		s.log.WithError(err).Errorf("Error listing %s", what)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list "+what)
		return
	}
	s.jsonResponse(w, http.StatusOK, listing)
}

// within joins rel onto base and fails when the result escapes base
func within(base, rel string) (string, error) {
	target := filepath.Join(base, filepath.FromSlash(rel))
	r, err := filepath.Rel(base, target)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", errOutsideDataDir
	}
	return target, nil
}

// safeListing lists one directory below baseDir. Directories come first, then files
// matching any of patterns (all files when patterns is empty), each group sorted by
// lower-case name.
func safeListing(baseDir string, patterns []string, requested string) (models.DirectoryListing, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return models.DirectoryListing{}, err
	}
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}

	normalized := strings.Trim(filepath.ToSlash(requested), "/")
	if normalized == "." {
		normalized = ""
	}

	target, err := within(base, normalized)
	if err != nil {
		return models.DirectoryListing{}, &listingError{http.StatusBadRequest, "Invalid path"}
	}
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		if _, err := within(base, mustRel(base, resolved)); err != nil {
			return models.DirectoryListing{}, &listingError{http.StatusBadRequest, "Invalid path"}
		}
	}

	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return models.DirectoryListing{}, &listingError{http.StatusNotFound, "Directory not found"}
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return models.DirectoryListing{}, fmt.Errorf("read directory: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	current := filepath.ToSlash(mustRel(base, target))
	if current == "." {
		current = ""
	}
	listing := models.DirectoryListing{
		CurrentPath: current,
		Directories: []models.DirectoryItem{},
		Files:       []models.FileItem{},
	}
	for _, e := range entries {
		rel := filepath.ToSlash(filepath.Join(filepath.FromSlash(current), e.Name()))
		if e.IsDir() {
			listing.Directories = append(listing.Directories, models.DirectoryItem{Name: e.Name(), Path: rel})
			continue
		}
		if !e.Type().IsRegular() || !matchesAny(e.Name(), patterns) {
			continue
		}
		listing.Files = append(listing.Files, models.FileItem{Filename: rel, URL: "data/" + rel})
	}
	return listing, nil
}

func mustRel(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return ".."
	}
	return rel
}

func matchesAny(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// --- Saves ---

type saveDocumentRequest struct {
	Filename string          `json:"filename"`
	Data     json.RawMessage `json:"data"`
}

type saveVolumeRequest struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

type saveResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	FilePath string `json:"file_path"`
}

func (s *Server) handleSaveDocument(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w) {
		return
	}
	var req saveDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Filename == "" {
		s.errorResponse(w, http.StatusBadRequest, "Filename is required")
		return
	}
	if !gjson.ParseBytes(req.Data).IsObject() {
		s.errorResponse(w, http.StatusBadRequest, "Document data must be an object")
		return
	}

	filename := req.Filename
	if !strings.HasSuffix(filename, ".nvd") {
		filename += ".nvd"
	}

	s.write(w, filename, pretty.Pretty(req.Data), "Scene")
}

func (s *Server) handleSaveVolume(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w) {
		return
	}
	var req saveVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Filename == "" {
		s.errorResponse(w, http.StatusBadRequest, "Filename is required")
		return
	}

	filename := strings.TrimPrefix(req.Filename, "data/")
	if !strings.HasSuffix(filename, ".nii") && !strings.HasSuffix(filename, ".nii.gz") {
		filename += ".nii.gz"
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid base64 data: "+err.Error())
		return
	}

	s.write(w, filename, data, "Volume")
}

// write stores data at filename below the data directory
func (s *Server) write(w http.ResponseWriter, filename string, data []byte, what string) {
	base, err := filepath.Abs(s.dataDir)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save %s: %v", strings.ToLower(what), err))
		return
	}
	path, err := within(base, filename)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid path")
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save %s: %v", strings.ToLower(what), err))
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save %s: %v", strings.ToLower(what), err))
		return
	}

	rel := filepath.ToSlash(mustRel(base, path))
	s.log.WithField("file", path).Infof("%s saved", what)
	s.jsonResponse(w, http.StatusOK, saveResponse{
		Success:  true,
		Message:  fmt.Sprintf("%s saved successfully to %s", what, filename),
		FilePath: rel,
	})
}
