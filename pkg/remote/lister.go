package remote

import (
	"context"
	"errors"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"freebrowse/internal/models"
)

// Breadcrumb is one step of the path shown above a listing
type Breadcrumb struct {
	Label string
	Path  string
}

// Lister browses a listing endpoint and remembers the last directory per endpoint.
// Starting a request cancels the one in flight; a superseded request never updates
// the lister.
type Lister struct {
	client   *Client
	endpoint string
	store    PathStore
	log      *log.Entry

	mu           sync.Mutex
	generation   uint64
	cancel       context.CancelFunc
	currentPath  string
	resolvedPath string
	listing      models.DirectoryListing
	lastErr      error
}

// NewLister creates a lister for endpoint and restores its remembered path
func NewLister(client *Client, endpoint string, store PathStore) *Lister {
	if store == nil {
		store = NewMemoryPathStore()
	}
	l := &Lister{
		client:   client,
		endpoint: endpoint,
		store:    store,
		log:      log.WithFields(log.Fields{"prefix": "lister", "endpoint": endpoint}),
	}
	if stored, ok := store.Get(l.StorageKey()); ok {
		l.currentPath = stored
		l.resolvedPath = stored
	}
	return l
}

// StorageKey is the key of the remembered path
func (l *Lister) StorageKey() string {
	return "file-list-path:" + l.endpoint
}

// CurrentPath is the path the next request asks for
func (l *Lister) CurrentPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentPath
}

// Listing returns the last successful listing
func (l *Lister) Listing() models.DirectoryListing {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listing
}

// Err returns the error of the last completed request, nil after a success
func (l *Lister) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Breadcrumbs splits the resolved path into navigable steps, starting at Root
func (l *Lister) Breadcrumbs() []Breadcrumb {
	l.mu.Lock()
	resolved := l.resolvedPath
	l.mu.Unlock()

	crumbs := []Breadcrumb{{Label: "Root", Path: ""}}
	var parts []string
	for _, p := range strings.Split(resolved, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	for i, p := range parts {
		crumbs = append(crumbs, Breadcrumb{Label: p, Path: strings.Join(parts[:i+1], "/")})
	}
	return crumbs
}

// NavigateTo lists path
func (l *Lister) NavigateTo(ctx context.Context, path string) (models.DirectoryListing, error) {
	l.mu.Lock()
	l.currentPath = path
	l.mu.Unlock()
	return l.Refresh(ctx)
}

// Refresh lists the current path. It returns ErrCancelled when the request was
// cancelled or replaced by a newer one.
func (l *Lister) Refresh(ctx context.Context) (models.DirectoryListing, error) {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.generation++
	gen := l.generation
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	path := l.currentPath
	l.mu.Unlock()

	listing, err := l.client.List(ctx, l.endpoint, path)

	l.mu.Lock()
	defer l.mu.Unlock()
	cancel()
	if gen != l.generation {
		return models.DirectoryListing{}, ErrCancelled
	}
	l.cancel = nil

	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return models.DirectoryListing{}, ErrCancelled
		}
		l.lastErr = err
		var te *TransportError
		if errors.As(err, &te) && te.NotFound() {
			l.currentPath = ""
			l.resolvedPath = ""
			if derr := l.store.Delete(l.StorageKey()); derr != nil {
				l.log.WithError(derr).Warn("Failed to forget path")
			}
		}
		l.log.WithError(err).Error("Listing failed")
		return models.DirectoryListing{}, err
	}

	l.listing = listing
	l.resolvedPath = listing.CurrentPath
	l.currentPath = listing.CurrentPath
	l.lastErr = nil
	if serr := l.store.Set(l.StorageKey(), l.resolvedPath); serr != nil {
		l.log.WithError(serr).Warn("Failed to remember path")
	}
	return listing, nil
}

// Close cancels the request in flight
func (l *Lister) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.generation++
}
