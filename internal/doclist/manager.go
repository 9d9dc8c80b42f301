package doclist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docchat/internal/backend"
	"docchat/internal/logging"
	"docchat/internal/metrics"
	"docchat/internal/models"
	"docchat/internal/redis"
)

const (
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

type ManagerConfig struct {
	IdleTimeout time.Duration
	SnapshotTTL time.Duration
	Redis       *redis.Client
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Manager keeps one Controller per user and the background work around them.
type Manager struct {
	mu          sync.Mutex
	controllers map[string]*Controller

	base      context.Context
	cancel    context.CancelFunc
	origin    string
	idleAfter time.Duration
	cache     *snapshotCache
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	logger := logging.OrNop(cfg.Logger)
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		controllers: make(map[string]*Controller),
		base:        base,
		cancel:      cancel,
		origin:      uuid.NewString(),
		idleAfter:   cfg.IdleTimeout,
		cache:       newSnapshotCache(cfg.Redis, cfg.SnapshotTTL, logger),
		logger:      logger,
		metrics:     cfg.Metrics,
		now:         time.Now,
	}
}

// Controller returns the user's controller, creating it on first use. The
// caller must Authorize its session before reading the list.
func (m *Manager) Controller(ctx context.Context, userID string) *Controller {
	m.mu.Lock()
	if ctrl, ok := m.controllers[userID]; ok {
		m.mu.Unlock()
		return ctrl
	}
	ctrl := newController(m.base, nil, m.logger.With(zap.String("user_id", userID)), m.metrics)
	ctrl.now = m.now
	ctrl.touch()
	ctrl.hooks = m.hooksFor(userID)
	m.controllers[userID] = ctrl
	n := len(m.controllers)
	m.mu.Unlock()

	m.metrics.SetControllers(n)
	if snap, ok := m.cache.load(ctx, userID); ok {
		ctrl.seed(snap.Documents, snap.RefreshedAt)
	}
	return ctrl
}

func (m *Manager) hooksFor(userID string) hooks {
	if m.cache == nil {
		return hooks{}
	}
	return hooks{
		refreshed: func(docs []models.Document) {
			m.cache.store(m.base, userID, docs, m.now())
		},
		deleted: func(documentID string, docs []models.Document) {
			m.cache.store(m.base, userID, docs, m.now())
			m.cache.publishDelete(m.base, invalidateMessage{
				UserID:     userID,
				DocumentID: documentID,
				Origin:     m.origin,
			})
		},
	}
}

// Get returns the user's controller without creating one.
func (m *Manager) Get(userID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controllers[userID]
}

// Reset drops the user's controller and cached listing.
func (m *Manager) Reset(ctx context.Context, userID string) {
	m.mu.Lock()
	delete(m.controllers, userID)
	n := len(m.controllers)
	m.mu.Unlock()
	m.metrics.SetControllers(n)
	m.cache.invalidate(ctx, userID)
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.controllers)
}

// StartJanitor polls lists with documents still being processed and evicts
// idle controllers on every tick.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	go m.janitorLoop(ctx, interval)
}

func (m *Manager) janitorLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	now := m.now()
	poll := make(map[string]*Controller)

	m.mu.Lock()
	for userID, ctrl := range m.controllers {
		if ctrl.idleSince(now) > m.idleAfter {
			delete(m.controllers, userID)
			m.logger.Debug("evicted idle document list", zap.String("user_id", userID))
			continue
		}
		if ctrl.needsPolling() {
			poll[userID] = ctrl
		}
	}
	n := len(m.controllers)
	m.mu.Unlock()
	m.metrics.SetControllers(n)

	for userID, ctrl := range poll {
		if ctx.Err() != nil {
			return
		}
		// Refresh logs its own failures. A session the backend no longer
		// accepts is dropped so the next request lists with fresh credentials.
		if err := ctrl.Refresh(ctx); errors.Is(err, backend.ErrUnauthorized) {
			m.logger.Info("dropping document list with rejected session", zap.String("user_id", userID))
			m.Reset(ctx, userID)
		}
	}
}

// Listen applies deletes confirmed by other instances until ctx is cancelled.
// Without redis it returns immediately.
func (m *Manager) Listen(ctx context.Context) error {
	err := m.cache.listen(ctx, m.handleInvalidation)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Manager) handleInvalidation(msg invalidateMessage) {
	if msg.Origin == m.origin || msg.UserID == "" || msg.DocumentID == "" {
		return
	}
	ctrl := m.Get(msg.UserID)
	if ctrl == nil {
		return
	}
	if ctrl.ApplyRemoteDelete(msg.DocumentID) {
		m.logger.Debug("applied remote delete",
			zap.String("user_id", msg.UserID), zap.String("document_id", msg.DocumentID))
	}
}

// Close cancels background deletes and waits for them to return.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	ctrls := make([]*Controller, 0, len(m.controllers))
	for _, ctrl := range m.controllers {
		ctrls = append(ctrls, ctrl)
	}
	m.mu.Unlock()
	for _, ctrl := range ctrls {
		ctrl.Wait()
	}
}
