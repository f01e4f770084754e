package http

import (
	"container/list"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"scadenze/internal/core"
	"scadenze/internal/middleware/trace"
	"scadenze/internal/services"
	"scadenze/internal/storage"
)

// LRU cache with TTL and size-based eviction
type lruCache[T any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	lru     *list.List
}

type cacheItem[T any] struct {
	key       string
	data      T
	expiresAt time.Time
}

func newLRUCache[T any](maxSize int, ttl time.Duration) *lruCache[T] {
	return &lruCache[T]{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
	}
}

func (c *lruCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	elem, exists := c.items[key]
	if !exists {
		return zero, false
	}

	item := elem.Value.(*cacheItem[T])

	if time.Now().After(item.expiresAt) {
		c.removeElement(elem)
		return zero, false
	}

	c.lru.MoveToFront(elem)
	return item.data, true
}

func (c *lruCache[T]) Set(key string, data T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := &cacheItem[T]{
		key:       key,
		data:      data,
		expiresAt: time.Now().Add(c.ttl),
	}

	if elem, exists := c.items[key]; exists {
		elem.Value = item
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(item)
	c.items[key] = elem

	if c.lru.Len() > c.maxSize {
		if oldest := c.lru.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
}

func (c *lruCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.removeElement(elem)
	}
}

func (c *lruCache[T]) removeElement(elem *list.Element) {
	item := elem.Value.(*cacheItem[T])
	delete(c.items, item.key)
	c.lru.Remove(elem)
}

// CleanExpired removes all expired entries
func (c *lruCache[T]) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var toRemove []*list.Element

	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		item := elem.Value.(*cacheItem[T])
		if now.After(item.expiresAt) {
			toRemove = append(toRemove, elem)
		}
	}

	for _, elem := range toRemove {
		c.removeElement(elem)
	}

	return len(toRemove)
}

// Repository is the storage surface the HTTP handlers need. It is
// implemented by *storage.SQLiteRepository.
type Repository interface {
	CreateUser(ctx context.Context, email, name string) (*storage.User, error)
	CreateSubscription(ctx context.Context, sub *core.Subscription) error
	GetSubscription(ctx context.Context, id int64) (*core.Subscription, error)
	ListSubscriptions(ctx context.Context, userID int64) ([]core.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *core.Subscription) error
	DeleteSubscription(ctx context.Context, id int64) error
	ListPayments(ctx context.Context, userID int64, status core.PaymentStatus, year int) ([]storage.PaymentWithSubscription, error)
	GetPayment(ctx context.Context, paymentID, userID int64) (*core.Payment, error)
	MarkPaymentPaid(ctx context.Context, paymentID, userID int64, now time.Time) (*core.Payment, error)
	UnmarkPaymentPaid(ctx context.Context, paymentID, userID int64) (*core.Payment, error)
}

// Generator regenerates payment schedules after subscription changes.
type Generator interface {
	RegenerateSchedule(ctx context.Context, subscriptionID int64, now time.Time) ([]core.Payment, error)
	RegenerateAllForUser(ctx context.Context, userID int64, now time.Time) (int, error)
	SweepOverdue(ctx context.Context, userID int64, now time.Time) (int64, error)
}

type Server struct {
	http.Server
	repo      Repository
	generator Generator

	// Dashboard summaries are cached per user and invalidated on writes.
	summaryCache *lruCache[core.DashboardSummary]

	stopCacheCleanup chan struct{}
	shutdownOnce     sync.Once
}

// NewServer configures routes, returning a ready-to-run http.Server.
func NewServer(addr string, repo Repository, generator Generator) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		repo:             repo,
		generator:        generator,
		summaryCache:     newLRUCache[core.DashboardSummary](500, 2*time.Minute),
		stopCacheCleanup: make(chan struct{}),
	}

	go s.startCacheCleanup()

	mux.HandleFunc("POST /api/users", s.handleCreateUser)

	mux.HandleFunc("POST /api/subscriptions", s.handleCreateSubscription)
	mux.HandleFunc("GET /api/subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("GET /api/subscriptions/{id}", s.handleGetSubscription)
	mux.HandleFunc("PUT /api/subscriptions/{id}", s.handleUpdateSubscription)
	mux.HandleFunc("DELETE /api/subscriptions/{id}", s.handleDeleteSubscription)

	mux.HandleFunc("GET /api/payments", s.handleListPayments)
	mux.HandleFunc("POST /api/payments/generate", s.handleGeneratePayments)
	mux.HandleFunc("POST /api/payments/update-overdue", s.handleUpdateOverdue)
	mux.HandleFunc("POST /api/payments/{id}/mark-paid", s.handleMarkPaid)
	mux.HandleFunc("POST /api/payments/{id}/unmark", s.handleUnmarkPaid)

	mux.HandleFunc("GET /api/dashboard", s.handleDashboard)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	tracer := trace.NewMiddleware()
	s.Server.Handler = tracer.Middleware(mux)

	return s
}

// startCacheCleanup runs periodic cleanup for the summary cache
func (s *Server) startCacheCleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if cleaned := s.summaryCache.CleanExpired(); cleaned > 0 {
				slog.Debug("Cache cleanup completed", "entries_removed", cleaned)
			}
		case <-s.stopCacheCleanup:
			return
		}
	}
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		if s.stopCacheCleanup != nil {
			close(s.stopCacheCleanup)
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Guard against accidental interface drift.
var (
	_ Repository = (*storage.SQLiteRepository)(nil)
	_ Generator  = (*services.ScheduleGenerator)(nil)
)
