package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// HeaderIdempotencyKey names the header a caller sets to make a POST safe to
// retry.
const HeaderIdempotencyKey = "Idempotency-Key"

// CachedResponse is a previously served response, replayed for duplicates.
type CachedResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
	CachedAt    time.Time
}

// IdempotencyStore is a backend for IdempotencyMiddleware.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (*CachedResponse, bool, error)
	Save(ctx context.Context, key string, resp CachedResponse) error
}

// MemoryIdempotencyStore holds cached responses in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]CachedResponse
	ttl     time.Duration
}

// NewMemoryIdempotencyStore creates an in-memory store. Expired entries are
// evicted until ctx is cancelled.
func NewMemoryIdempotencyStore(ctx context.Context, ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]CachedResponse),
		ttl:     ttl,
	}
	go s.cleanup(ctx)
	return s
}

func (s *MemoryIdempotencyStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			for k, v := range s.entries {
				if time.Since(v.CachedAt) > s.ttl {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key string) (*CachedResponse, bool, error) {
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || time.Since(cached.CachedAt) >= s.ttl {
		return nil, false, nil
	}
	return &cached, true, nil
}

func (s *MemoryIdempotencyStore) Save(_ context.Context, key string, resp CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = resp
	return nil
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// keyLocks serializes requests sharing an idempotency key so a duplicate
// that arrives while the first is in flight waits for its result.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// IdempotencyMiddleware ensures that POST/PUT/PATCH requests carrying an
// Idempotency-Key are processed once per path and key. Duplicates receive
// the cached 2xx response. Store failures degrade to normal processing.
func IdempotencyMiddleware(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	locks := &keyLocks{locks: make(map[string]*keyLock)}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			key = r.URL.Path + "|" + key

			unlock := locks.lock(key)
			defer unlock()

			cached, ok, err := store.Lookup(r.Context(), key)
			if err != nil {
				logger.Warn("idempotency lookup failed", "key", key, "error", err)
			}
			if ok {
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				resp := CachedResponse{
					StatusCode:  capture.statusCode,
					ContentType: w.Header().Get("Content-Type"),
					Body:        bytes.Clone(capture.body.Bytes()),
					CachedAt:    time.Now(),
				}
				if err := store.Save(r.Context(), key, resp); err != nil {
					logger.Warn("idempotency save failed", "key", key, "error", err)
				}
			}
		})
	}
}
