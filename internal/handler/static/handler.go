package static

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// DefaultDenylist lists file names that hold secrets and are never served.
var DefaultDenylist = []string{"auth.json", ".env"}

// Handler serves experiment assets from the application root.
type Handler struct {
	root    string
	files   http.Handler
	deny    map[string]struct{}
	private []string
	logger  *zap.Logger
}

// New serves files under root, refusing any request whose final path
// element is in denylist. Paths inside any of the private directories
// (typically the local store's data directory) answer 404, as do
// directories without an index.html.
func New(root string, denylist []string, logger *zap.Logger, private ...string) *Handler {
	deny := make(map[string]struct{}, len(denylist))
	for _, name := range denylist {
		deny[strings.ToLower(name)] = struct{}{}
	}
	absRoot := absPath(root)
	dirs := make([]string, 0, len(private))
	for _, dir := range private {
		if dir != "" {
			dirs = append(dirs, absPath(dir))
		}
	}
	return &Handler{
		root:    absRoot,
		files:   http.FileServer(noListingFS{http.Dir(root)}),
		deny:    deny,
		private: dirs,
		logger:  logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clean := path.Clean("/" + r.URL.Path)
	name := path.Base(clean)
	if _, blocked := h.deny[strings.ToLower(name)]; blocked {
		h.logger.Warn("forbidden file requested", zap.String("path", r.URL.Path), zap.String("referer", referer(r)))
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	if h.isPrivate(clean) {
		h.logger.Warn("private path requested", zap.String("path", r.URL.Path), zap.String("referer", referer(r)))
		http.NotFound(w, r)
		return
	}

	h.logger.Info("file requested", zap.String("path", r.URL.Path), zap.String("referer", referer(r)))
	h.files.ServeHTTP(w, r)
}

func (h *Handler) isPrivate(urlPath string) bool {
	full := filepath.Join(h.root, filepath.FromSlash(urlPath))
	for _, dir := range h.private {
		rel, err := filepath.Rel(dir, full)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

// noListingFS hides directories that have no index.html, so the file
// server answers 404 instead of rendering a listing.
type noListingFS struct {
	fs http.FileSystem
}

func (n noListingFS) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.IsDir() {
		return f, nil
	}
	index, err := n.fs.Open(path.Join(name, "index.html"))
	if err != nil {
		f.Close()
		return nil, os.ErrNotExist
	}
	index.Close()
	return f, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func referer(r *http.Request) string {
	if ref := r.Referer(); ref != "" {
		return ref
	}
	return "unknown"
}
