package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blockvault/blockvault/internal/metrics"
)

const defaultQueueSize = 4

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Backend   Backend
	Logger    zerolog.Logger
	Metrics   *metrics.EngineMetrics
	DryRun    bool
	QueueSize int // uploads buffered before Put blocks
}

// Upload is an upload the backend acknowledged.
type Upload struct {
	Name string
	Size int64
}

// Download is one result of Prefetch.
type Download struct {
	Name string
	Data []byte
	Err  error
}

type uploadJob struct {
	name string
	data []byte
}

// Manager is the single owner of a backend during one operation. Uploads go through
// one background uploader fed by a bounded queue; downloads through Prefetch. Backend
// errors leave the Manager as *TransferError. In dry-run mode Put and Delete are
// logged and never reach the backend.
type Manager struct {
	backend Backend
	logger  zerolog.Logger
	metrics *metrics.EngineMetrics
	dryRun  bool

	queue   chan uploadJob
	pending sync.WaitGroup
	worker  sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	// sendMu orders Put against Close: Put holds it shared across the closed
	// check and the send, Close exclusively while closing the queue.
	sendMu sync.RWMutex
	closed bool

	mu       sync.Mutex
	inflight map[string]int
	done     []Upload
	err      error
}

// NewManager starts a Manager and its uploader.
func NewManager(cfg ManagerConfig) *Manager {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	// Uploads outlive the caller's context so a cancelled operation still drains
	// what it already handed over.
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		backend:  cfg.Backend,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		dryRun:   cfg.DryRun,
		queue:    make(chan uploadJob, size),
		inflight: make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.worker.Add(1)
	go m.runUploader()
	return m
}

// DryRun reports whether mutations are suppressed.
func (m *Manager) DryRun() bool { return m.dryRun }

func (m *Manager) runUploader() {
	defer m.worker.Done()
	for job := range m.queue {
		m.upload(job)
		m.release(job.name)
		m.pending.Done()
	}
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[name]--; m.inflight[name] <= 0 {
		delete(m.inflight, name)
	}
}

// Pending returns the names queued for upload that the backend has not finished
// with yet, sorted.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.inflight))
	for name := range m.inflight {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) upload(job uploadJob) {
	m.mu.Lock()
	failed := m.err != nil
	m.mu.Unlock()
	if failed {
		m.logger.Warn().Str("volume", job.name).Msg("Skipping upload after earlier failure")
		return
	}

	size := int64(len(job.data))
	if m.dryRun {
		m.logger.Info().Str("volume", job.name).Int64("size", size).Msg("Would upload volume")
	} else {
		m.logger.Debug().Str("volume", job.name).Int64("size", size).Msg("Uploading volume")
		if err := m.backend.Put(m.ctx, job.name, job.data); err != nil {
			m.metrics.ObserveTransferError("put")
			m.mu.Lock()
			m.err = &TransferError{Op: "put", Name: job.name, Err: err}
			m.mu.Unlock()
			m.logger.Error().Err(err).Str("volume", job.name).Msg("Upload failed")
			return
		}
		m.metrics.ObserveUpload(size)
	}

	m.mu.Lock()
	m.done = append(m.done, Upload{Name: job.name, Size: size})
	m.mu.Unlock()
}

// Put queues data for upload under name. It blocks while the queue is full.
func (m *Manager) Put(ctx context.Context, name string, data []byte) error {
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}

	m.pending.Add(1)
	m.mu.Lock()
	m.inflight[name]++
	m.mu.Unlock()
	select {
	case m.queue <- uploadJob{name: name, data: data}:
		return nil
	case <-ctx.Done():
		m.release(name)
		m.pending.Done()
		return ctx.Err()
	}
}

// WaitForEmpty blocks until every queued upload has been processed and returns the
// uploads acknowledged since the previous call, together with the first failure.
func (m *Manager) WaitForEmpty(ctx context.Context) ([]Upload, error) {
	drained := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	done, err := m.done, m.err
	m.done, m.err = nil, nil
	return done, err
}

// List returns the full remote listing.
func (m *Manager) List(ctx context.Context) ([]FileEntry, error) {
	files, err := m.backend.List(ctx)
	if err != nil {
		m.metrics.ObserveTransferError("list")
		return nil, &TransferError{Op: "list", Err: err}
	}
	return files, nil
}

// Get downloads a volume.
func (m *Manager) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := m.backend.Get(ctx, name)
	if err != nil {
		m.metrics.ObserveTransferError("get")
		return nil, &TransferError{Op: "get", Name: name, Err: err}
	}
	m.metrics.ObserveDownload(int64(len(data)))
	return data, nil
}

// Delete removes a volume. size is used for reporting only; negative means unknown.
func (m *Manager) Delete(ctx context.Context, name string, size int64) error {
	if m.dryRun {
		m.logger.Info().Str("volume", name).Int64("size", size).Msg("Would delete volume")
		return nil
	}
	if err := m.backend.Delete(ctx, name); err != nil {
		m.metrics.ObserveTransferError("delete")
		return &TransferError{Op: "delete", Name: name, Err: err}
	}
	m.metrics.ObserveDelete(size)
	m.logger.Debug().Str("volume", name).Msg("Deleted volume")
	return nil
}

// Quota returns the backend capacity when the backend reports it.
func (m *Manager) Quota(ctx context.Context) (Quota, error) {
	qr, ok := m.backend.(QuotaReporter)
	if !ok {
		return Quota{}, ErrQuotaUnsupported
	}
	q, err := qr.Quota(ctx)
	if err != nil {
		return Quota{}, err
	}
	return q, nil
}

// Prefetch downloads names in order on a single goroutine, keeping up to depth
// downloads ready ahead of the consumer. The channel is closed after the last name
// or when ctx is cancelled.
func (m *Manager) Prefetch(ctx context.Context, names []string, depth int) <-chan Download {
	if depth < 1 {
		depth = 1
	}
	out := make(chan Download, depth)
	go func() {
		defer close(out)
		for _, name := range names {
			if ctx.Err() != nil {
				return
			}
			data, err := m.Get(ctx, name)
			select {
			case out <- Download{Name: name, Data: data, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close drains queued uploads and stops the uploader.
func (m *Manager) Close() error {
	m.sendMu.Lock()
	if m.closed {
		m.sendMu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.sendMu.Unlock()

	m.worker.Wait()
	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}
