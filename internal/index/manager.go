package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/docchat/internal/document"
)

// Locker guards the build across processes sharing one data directory.
// The holder extends the lock while its build runs.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, name string, ttl time.Duration) error
	Release(ctx context.Context, name string) error
}

const (
	buildLockName       = "index-build"
	defaultLockTTL      = 10 * time.Minute
	defaultPollInterval = 2 * time.Second
	sampleText          = "dimension check"
)

// ManagerConfig wires a Manager. Locker and Logger are optional.
type ManagerConfig struct {
	DocumentPath string
	Options      document.Options
	Embedder     Embedder
	Store        Store
	Locker       Locker
	Logger       *slog.Logger
	LockTTL      time.Duration
	PollInterval time.Duration
}

// Manager owns the process-wide index handle. Readers call Current and keep
// using the returned *Index for the whole request; a rebuild swaps the
// pointer and never touches an index already handed out.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	current atomic.Pointer[Index]
	builds  singleflight.Group
	loadDoc func() (*document.Document, error)
}

// NewManager creates a Manager with no index loaded.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{cfg: cfg, logger: logger}
	m.loadDoc = func() (*document.Document, error) {
		return document.Load(cfg.DocumentPath, cfg.Options)
	}
	return m
}

// Current returns the loaded index or ErrNotReady.
func (m *Manager) Current() (*Index, error) {
	ix := m.current.Load()
	if ix == nil {
		return nil, ErrNotReady
	}
	return ix, nil
}

// Swap installs ix as the current index.
func (m *Manager) Swap(ix *Index) {
	m.current.Store(ix)
}

// EnsureReady loads the persisted index and installs it if it still matches
// the document and embedding model, and rebuilds it otherwise. Document
// errors, including document.ErrEmptyDocument, are returned unchanged.
func (m *Manager) EnsureReady(ctx context.Context) (*Index, error) {
	doc, err := m.loadDoc()
	if err != nil {
		return nil, err
	}

	ix, err := m.cfg.Store.Load(ctx)
	switch {
	case err == nil:
		err = m.validate(ctx, ix, doc)
		if err == nil {
			m.Swap(ix)
			m.logger.Info("index loaded", "passages", ix.Len(), "model", ix.Model, "dimension", ix.Dimension)
			return ix, nil
		}
		m.logger.Warn("persisted index unusable, rebuilding", "reason", err)
	case errors.Is(err, ErrNotFound):
		m.logger.Info("no persisted index, building")
	case errors.Is(err, ErrStale), errors.Is(err, ErrDimensionMismatch):
		m.logger.Warn("persisted index unusable, rebuilding", "reason", err)
	default:
		return nil, fmt.Errorf("loading index: %w", err)
	}

	return m.Rebuild(ctx)
}

// validate checks ix against doc and embeds a sample text so a model that
// changed output size under the same name is caught before serving.
func (m *Manager) validate(ctx context.Context, ix *Index, doc *document.Document) error {
	if err := ix.Check(doc, m.cfg.Embedder.Model()); err != nil {
		return err
	}
	vecs, err := m.cfg.Embedder.EmbedBatch(ctx, []string{sampleText})
	if err != nil {
		return fmt.Errorf("probing embedder: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != ix.Dimension {
		got := 0
		if len(vecs) == 1 {
			got = len(vecs[0])
		}
		return fmt.Errorf("%w: embedder yields %d, index has %d", ErrDimensionMismatch, got, ix.Dimension)
	}
	return nil
}

// Rebuild re-reads the document, embeds it and swaps in the result. Calls
// that overlap share a single build. Queries keep running against the
// previous index until the swap.
func (m *Manager) Rebuild(ctx context.Context) (*Index, error) {
	v, err, shared := m.builds.Do("build", func() (any, error) {
		return m.buildLocked(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug("joined in-flight index build")
	}
	return v.(*Index), nil
}

// RebuildAsync starts a rebuild in the background and logs its outcome.
func (m *Manager) RebuildAsync(reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LockTTL)
		defer cancel()
		m.logger.Warn("rebuilding index", "reason", reason)
		if _, err := m.Rebuild(ctx); err != nil {
			m.logger.Error("index rebuild failed", "error", err)
		}
	}()
}

func (m *Manager) buildLocked(ctx context.Context) (*Index, error) {
	if m.cfg.Locker == nil {
		return m.build(ctx)
	}

	for {
		ok, err := m.cfg.Locker.Acquire(ctx, buildLockName, m.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquiring build lock: %w", err)
		}
		if ok {
			stop := m.heartbeat(ctx)
			defer func() {
				stop()
				if err := m.cfg.Locker.Release(context.WithoutCancel(ctx), buildLockName); err != nil {
					m.logger.Warn("releasing build lock", "error", err)
				}
			}()
			return m.build(ctx)
		}

		// Another process is building. Wait, then adopt its result if it fits.
		m.logger.Info("index build in progress elsewhere, waiting")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
		if ix, ok := m.adoptPersisted(ctx); ok {
			return ix, nil
		}
	}
}

// heartbeat extends the held build lock every LockTTL/3 until stop returns.
func (m *Manager) heartbeat(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.cfg.Locker.Extend(ctx, buildLockName, m.cfg.LockTTL); err != nil && ctx.Err() == nil {
					m.logger.Warn("extending build lock", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (m *Manager) adoptPersisted(ctx context.Context) (*Index, bool) {
	doc, err := m.loadDoc()
	if err != nil {
		return nil, false
	}
	ix, err := m.cfg.Store.Load(ctx)
	if err != nil {
		return nil, false
	}
	if err := m.validate(ctx, ix, doc); err != nil {
		return nil, false
	}
	m.Swap(ix)
	return ix, true
}

func (m *Manager) build(ctx context.Context) (*Index, error) {
	start := time.Now()
	doc, err := m.loadDoc()
	if err != nil {
		return nil, err
	}
	ix, err := Build(ctx, doc, m.cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("building index: %w", err)
	}
	if err := m.cfg.Store.Save(ctx, ix); err != nil {
		return nil, fmt.Errorf("saving index: %w", err)
	}
	m.Swap(ix)
	m.logger.Info("index built",
		"passages", ix.Len(),
		"model", ix.Model,
		"dimension", ix.Dimension,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return ix, nil
}
