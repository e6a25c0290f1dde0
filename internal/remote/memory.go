package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps volumes in memory. It is used by tests and dry runs, and can
// inject failures per operation and name.
type MemoryBackend struct {
	mu      sync.Mutex
	files   map[string]memoryFile
	fail    map[string]error
	quota   Quota
	puts    int
	deletes int
	gets    int
}

type memoryFile struct {
	data     []byte
	modified time.Time
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		files: make(map[string]memoryFile),
		fail:  make(map[string]error),
	}
}

func failKey(op, name string) string { return op + "\x00" + name }

// FailOn makes op ("list", "get", "put", "delete") fail with err for name. An empty
// name matches every name. A nil err clears the failure.
func (b *MemoryBackend) FailOn(op, name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, failKey(op, name))
		return
	}
	b.fail[failKey(op, name)] = err
}

func (b *MemoryBackend) failure(op, name string) error {
	if err, ok := b.fail[failKey(op, name)]; ok {
		return err
	}
	return b.fail[failKey(op, "")]
}

// SetQuota sets the capacity reported by Quota.
func (b *MemoryBackend) SetQuota(q Quota) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quota = q
}

// List implements Backend.
func (b *MemoryBackend) List(ctx context.Context) ([]FileEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("list", ""); err != nil {
		return nil, err
	}
	out := make([]FileEntry, 0, len(b.files))
	for name, f := range b.files {
		out = append(out, FileEntry{Name: name, Size: int64(len(f.data)), LastModified: f.modified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get implements Backend.
func (b *MemoryBackend) Get(ctx context.Context, name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	if err := b.failure("get", name); err != nil {
		return nil, err
	}
	f, ok := b.files[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out, nil
}

// Put implements Backend.
func (b *MemoryBackend) Put(ctx context.Context, name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("put", name); err != nil {
		return err
	}
	b.puts++
	stored := make([]byte, len(data))
	copy(stored, data)
	b.files[name] = memoryFile{data: stored, modified: time.Now()}
	return nil
}

// Delete implements Backend. Deleting an absent file succeeds.
func (b *MemoryBackend) Delete(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("delete", name); err != nil {
		return err
	}
	b.deletes++
	delete(b.files, name)
	return nil
}

// Quota implements QuotaReporter.
func (b *MemoryBackend) Quota(ctx context.Context) (Quota, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.quota == (Quota{}) {
		return Quota{}, ErrQuotaUnsupported
	}
	return b.quota, nil
}

// Has reports whether a file is stored.
func (b *MemoryBackend) Has(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.files[name]
	return ok
}

// Names returns the stored file names in order.
func (b *MemoryBackend) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.files))
	for name := range b.files {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Counts returns how many puts, deletes and gets were served.
func (b *MemoryBackend) Counts() (puts, deletes, gets int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts, b.deletes, b.gets
}
