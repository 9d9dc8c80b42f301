package doclist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"docchat/internal/logging"
	"docchat/internal/metrics"
	"docchat/internal/models"
)

var (
	ErrUnknownDocument  = errors.New("document not in list")
	ErrDeleteInProgress = errors.New("document deletion already in progress")
	ErrNoBackend        = errors.New("document backend not bound")
)

// DocumentAPI is the part of the backend the list needs.
type DocumentAPI interface {
	ListDocuments(ctx context.Context) ([]models.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

// Snapshot is an immutable copy of the list state.
type Snapshot struct {
	Documents   []models.Document `json:"documents"`
	Status      Status            `json:"status"`
	Error       string            `json:"error,omitempty"`
	Version     uint64            `json:"version"`
	Loaded      bool              `json:"loaded"`
	RefreshedAt time.Time         `json:"refreshed_at,omitzero"`
}

// Deleting reports whether any document still shows the DELETING placeholder.
func (s Snapshot) Deleting() bool {
	for _, d := range s.Documents {
		if d.DocStatus == models.StatusDeleting {
			return true
		}
	}
	return false
}

type hooks struct {
	refreshed func(docs []models.Document)
	deleted   func(documentID string, docs []models.Document)
}

// Controller owns the document list of one user. Every transition is a
// reducer applied to the state current at the time the response arrives.
type Controller struct {
	mu       sync.Mutex
	api      DocumentAPI
	boundKey string
	state    listState
	changed  chan struct{}
	lastUsed time.Time
	watchers int

	base    context.Context
	wg      sync.WaitGroup
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
	hooks   hooks
}

func NewController(api DocumentAPI, logger *zap.Logger, m *metrics.Metrics) *Controller {
	return newController(context.Background(), api, logger, m)
}

func newController(base context.Context, api DocumentAPI, logger *zap.Logger, m *metrics.Metrics) *Controller {
	c := &Controller{
		api:     api,
		state:   newListState(),
		changed: make(chan struct{}),
		base:    base,
		now:     time.Now,
		logger:  logging.OrNop(logger),
		metrics: m,
	}
	c.lastUsed = c.now()
	return c
}

// Changed returns a channel closed on the next state change.
func (c *Controller) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *Controller) notifyLocked() {
	c.state.version++
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Documents:   replaceAll(c.state.docs),
		Status:      c.state.status(),
		Version:     c.state.version,
		Loaded:      c.state.loaded,
		RefreshedAt: c.state.refreshedAt,
	}
	if c.state.err != nil {
		snap.Error = c.state.err.Error()
	}
	return snap
}

// Authorize binds api, identified by key, as the backend session of the
// list. A key seen before passes without a backend call. A new key must
// first complete a listing of its own, which becomes the current list. A
// failed attempt returns the error and leaves the list untouched, so callers
// must not expose the list until Authorize succeeds.
func (c *Controller) Authorize(ctx context.Context, key string, api DocumentAPI) error {
	if key == "" || api == nil {
		return ErrNoBackend
	}
	c.mu.Lock()
	if c.boundKey == key {
		c.api = api
		c.lastUsed = c.now()
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.refresh(ctx, api, key)
}

// Refresh replaces the list with the backend's full collection. A response
// older than one already applied is dropped.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	return c.refresh(ctx, api, "")
}

func (c *Controller) refresh(ctx context.Context, api DocumentAPI, bindKey string) error {
	c.mu.Lock()
	c.state.refreshSeq++
	seq := c.state.refreshSeq
	c.state.inflight++
	c.notifyLocked()
	c.mu.Unlock()

	var docs []models.Document
	err := ErrNoBackend
	if api != nil {
		docs, err = api.ListDocuments(ctx)
	}

	c.mu.Lock()
	c.state.inflight--
	applied := false
	switch {
	case err == nil:
		if bindKey != "" {
			c.api, c.boundKey = api, bindKey
			c.lastUsed = c.now()
		}
		applied = c.applyLocked(seq, docs)
	case bindKey != "":
		// A caller that could not list is not the list's failure.
	case seq > c.state.appliedSeq:
		c.state.err = fmt.Errorf("refresh documents: %w", err)
	}
	c.notifyLocked()
	var fresh []models.Document
	if applied {
		fresh = replaceAll(c.state.docs)
	}
	c.mu.Unlock()

	c.metrics.ObserveRefresh(err)
	if err != nil {
		c.logger.Warn("refresh documents failed", zap.Bool("binding", bindKey != ""), zap.Error(err))
		return fmt.Errorf("refresh documents: %w", err)
	}
	if applied && c.hooks.refreshed != nil {
		c.hooks.refreshed(fresh)
	}
	return nil
}

func (c *Controller) applyLocked(seq uint64, docs []models.Document) bool {
	if seq <= c.state.appliedSeq {
		c.logger.Debug("dropping stale refresh", zap.Uint64("seq", seq), zap.Uint64("applied", c.state.appliedSeq))
		return false
	}
	docs = dropTombstoned(docs, c.state.tombstones, seq)
	pruneTombstones(c.state.tombstones, seq)
	for _, d := range docs {
		if _, ok := c.state.pending[d.DocumentID]; ok && d.DocStatus != models.StatusDeleting {
			c.state.pending[d.DocumentID] = d.DocStatus
		}
	}
	c.state.appliedSeq = seq
	c.state.docs = overlayPending(replaceAll(docs), c.state.pending)
	c.state.err = nil
	c.state.loaded = true
	c.state.refreshedAt = c.now()
	return true
}

// Delete marks the document DELETING, asks the backend to delete it and
// removes it from the list once the backend confirms.
func (c *Controller) Delete(ctx context.Context, documentID string) error {
	api, err := c.beginDelete(documentID)
	if err != nil {
		return err
	}
	return c.finishDelete(ctx, api, documentID)
}

// DeleteAsync marks the document DELETING before returning and finishes the
// backend call in the background within timeout.
func (c *Controller) DeleteAsync(documentID string, timeout time.Duration) error {
	api, err := c.beginDelete(documentID)
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx := c.base
		var cancel context.CancelFunc = func() {}
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()
		_ = c.finishDelete(ctx, api, documentID)
	}()
	return nil
}

// Wait blocks until background deletes have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) beginDelete(documentID string) (DocumentAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsed = c.now()

	if c.api == nil {
		c.metrics.ObserveDelete("rejected")
		return nil, ErrNoBackend
	}
	i := indexOf(c.state.docs, documentID)
	if i < 0 {
		c.metrics.ObserveDelete("rejected")
		return nil, fmt.Errorf("delete %s: %w", documentID, ErrUnknownDocument)
	}
	if _, ok := c.state.pending[documentID]; ok {
		c.metrics.ObserveDelete("rejected")
		return nil, fmt.Errorf("delete %s: %w", documentID, ErrDeleteInProgress)
	}
	c.state.pending[documentID] = c.state.docs[i].DocStatus
	c.state.docs = markDeleting(c.state.docs, documentID)
	c.notifyLocked()
	return c.api, nil
}

func (c *Controller) finishDelete(ctx context.Context, api DocumentAPI, documentID string) error {
	err := api.DeleteDocument(ctx, documentID)

	c.mu.Lock()
	prior, stillPending := c.state.pending[documentID]
	delete(c.state.pending, documentID)
	if err == nil {
		c.state.docs = removeByID(c.state.docs, documentID)
		c.state.tombstones[documentID] = c.state.refreshSeq
	} else {
		if stillPending {
			c.state.docs = setStatus(c.state.docs, documentID, prior)
		}
		c.state.err = fmt.Errorf("delete document %s: %w", documentID, err)
	}
	c.notifyLocked()
	remaining := replaceAll(c.state.docs)
	c.mu.Unlock()

	if err != nil {
		c.metrics.ObserveDelete("error")
		c.logger.Warn("delete document failed", zap.String("document_id", documentID), zap.Error(err))
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	c.metrics.ObserveDelete("ok")
	if c.hooks.deleted != nil {
		c.hooks.deleted(documentID, remaining)
	}
	return nil
}

// ApplyRemoteDelete removes a document another instance has already deleted.
func (c *Controller) ApplyRemoteDelete(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if indexOf(c.state.docs, documentID) < 0 {
		return false
	}
	delete(c.state.pending, documentID)
	c.state.docs = removeByID(c.state.docs, documentID)
	c.state.tombstones[documentID] = c.state.refreshSeq
	c.notifyLocked()
	return true
}

// Watch marks the list as observed until release is called. Watched lists
// are never idle.
func (c *Controller) Watch() (release func()) {
	c.mu.Lock()
	c.watchers++
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.watchers--
			c.lastUsed = c.now()
			c.mu.Unlock()
		})
	}
}

// seed shows a cached listing until the first real refresh lands.
func (c *Controller) seed(docs []models.Document, refreshedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.appliedSeq > 0 || len(c.state.docs) > 0 {
		return
	}
	c.state.docs = replaceAll(docs)
	c.state.refreshedAt = refreshedAt
	c.notifyLocked()
}

func (c *Controller) needsPolling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.api != nil && c.state.inflight == 0 && hasInProgress(c.state.docs)
}

func (c *Controller) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchers > 0 || len(c.state.pending) > 0 || c.state.inflight > 0 {
		return 0
	}
	return now.Sub(c.lastUsed)
}

func (c *Controller) touch() {
	c.mu.Lock()
	c.lastUsed = c.now()
	c.mu.Unlock()
}
