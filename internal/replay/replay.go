// Package replay records upstream HTTP responses to disk and serves them
// back in order, grounded on original_source/src/replay.rs: a recording
// transport wrapper for capturing live traffic during development, and a
// small gorilla/mux server (matching internal/adminapi's router shape) that
// plays recordings back for integration tests and reproducing field issues
// without hitting the real upstream.
package replay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/ocx/helvault/internal/config"
)

// Recording is one captured HTTP response: URL, status, headers, and a
// base64-encoded body, persisted as <dir>/<sanitized_source_id>/NNN.json
// in call order.
type Recording struct {
	URL        string            `json:"url"`
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	BodyBase64 string            `json:"body_base64"`
}

// Body decodes the recording's base64 body.
func (r Recording) Body() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(r.BodyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode recording body: %w", err)
	}
	return b, nil
}

// SanitizeSourceID replaces every character that isn't alphanumeric, '-',
// or '_' with '_', so a source ID is always safe to use as a directory and
// URL path segment.
func SanitizeSourceID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Recorder saves one response per source, in order, under dir.
type Recorder struct {
	dir string

	mu       sync.Mutex
	counters map[string]int
}

// NewRecorder creates dir (and parents) if needed and returns a Recorder
// that writes into it.
func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &Recorder{dir: dir, counters: make(map[string]int)}, nil
}

// Save writes one response to <dir>/<sanitized source ID>/NNN.json, where
// NNN is the next zero-padded sequence number for that source.
func (r *Recorder) Save(sourceID, url string, status int, headers http.Header, body []byte) error {
	r.mu.Lock()
	seq := r.counters[sourceID]
	r.counters[sourceID] = seq + 1
	r.mu.Unlock()

	sourceDir := filepath.Join(r.dir, SanitizeSourceID(sourceID))
	if err := os.MkdirAll(sourceDir, 0o755); err != nil {
		return fmt.Errorf("create source record dir: %w", err)
	}

	flatHeaders := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) > 0 {
			flatHeaders[name] = values[0]
		}
	}

	rec := Recording{
		URL:        url,
		Status:     status,
		Headers:    flatHeaders,
		BodyBase64: base64.StdEncoding.EncodeToString(body),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize recording: %w", err)
	}

	path := filepath.Join(sourceDir, fmt.Sprintf("%03d.json", seq))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write recording file: %w", err)
	}
	return nil
}

// LoadRecordings reads every source subdirectory of dir and returns its
// recordings in filename (sequence) order.
func LoadRecordings(dir string) (map[string][]Recording, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read replay dir: %w", err)
	}

	out := make(map[string][]Recording)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sourceDir := filepath.Join(dir, entry.Name())
		files, err := os.ReadDir(sourceDir)
		if err != nil {
			return nil, fmt.Errorf("read source replay dir %s: %w", entry.Name(), err)
		}
		var names []string
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".json") {
				names = append(names, f.Name())
			}
		}
		sort.Strings(names)

		var recordings []Recording
		for _, name := range names {
			data, err := os.ReadFile(filepath.Join(sourceDir, name))
			if err != nil {
				return nil, fmt.Errorf("read recording file %s: %w", name, err)
			}
			var rec Recording
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil, fmt.Errorf("parse recording %s: %w", name, err)
			}
			recordings = append(recordings, rec)
		}
		if len(recordings) > 0 {
			out[entry.Name()] = recordings
		}
	}
	return out, nil
}

// Server plays back recordings in order at /replay/{source_id}, one
// response per request, returning 404 once a source's recordings are
// exhausted.
type Server struct {
	mu        sync.Mutex
	responses map[string][]Recording
	next      map[string]int
}

// NewServer wraps a loaded recording set for playback.
func NewServer(recordings map[string][]Recording) *Server {
	next := make(map[string]int, len(recordings))
	for sourceID := range recordings {
		next[sourceID] = 0
	}
	return &Server{responses: recordings, next: next}
}

// Router builds the gorilla/mux router serving recorded responses.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/replay/{source_id}", s.handleReplay).Methods(http.MethodGet)
	return r
}

func (s *Server) handleReplay(w http.ResponseWriter, req *http.Request) {
	sourceID := mux.Vars(req)["source_id"]

	s.mu.Lock()
	recordings, ok := s.responses[sourceID]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "no recordings for source", http.StatusNotFound)
		return
	}
	idx := s.next[sourceID]
	if idx >= len(recordings) {
		s.mu.Unlock()
		http.Error(w, "no more recordings for source", http.StatusNotFound)
		return
	}
	s.next[sourceID] = idx + 1
	rec := recordings[idx]
	s.mu.Unlock()

	body, err := rec.Body()
	if err != nil {
		http.Error(w, "invalid recording body", http.StatusInternalServerError)
		return
	}
	for name, value := range rec.Headers {
		w.Header().Set(name, value)
	}
	status := rec.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// RewriteConfigForReplay returns a copy of cfg with every source's URL
// pointed at baseURL's /replay/<sanitized source ID> endpoint, so a poll
// against the rewritten config reads recorded responses instead of the
// live API.
func RewriteConfigForReplay(cfg *config.Config, baseURL string) *config.Config {
	out := *cfg
	out.Sources = make(map[string]config.SourceConfig, len(cfg.Sources))
	base := strings.TrimRight(baseURL, "/")
	for sourceID, src := range cfg.Sources {
		src.URL = fmt.Sprintf("%s/replay/%s", base, SanitizeSourceID(sourceID))
		out.Sources[sourceID] = src
	}
	return &out
}
