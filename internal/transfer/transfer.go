// Package transfer drives asynchronous archive downloads. A Manager streams
// bytes from a scheme-specific Source to a local file, reporting progress on
// an event channel and supporting idempotent cancel-by-id.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dmitrijs2005/chatmigrate/internal/common"
	"github.com/dmitrijs2005/chatmigrate/internal/link"
	"github.com/dmitrijs2005/chatmigrate/internal/logging"
	"github.com/google/uuid"
)

// EventKind discriminates transfer events.
type EventKind int

const (
	// EventProgress updates byte counters; emitted after every chunk.
	EventProgress EventKind = iota
	// EventComplete is terminal: the file is fully written and synced.
	EventComplete
	// EventFailed is terminal: Downloaded holds the bytes accumulated so
	// far; the partial file is kept for the caller to retry or abandon.
	EventFailed
)

// Event is one notification from a running transfer.
//
// Downloaded is monotonically non-decreasing within a transfer. Total is
// fixed once known; 0 means still unknown, and consumers must tolerate that.
type Event struct {
	Kind       EventKind
	Downloaded int64
	Total      int64
	Path       string // set on Complete
	Err        error  // set on Failed
}

// Source fetches the byte stream behind a resolved link. The returned total
// is the expected size, or 0 when unknown.
type Source interface {
	Fetch(ctx context.Context, lnk *link.Link) (io.ReadCloser, int64, error)
}

const defaultChunkSize = 32 * 1024

// Manager runs downloads as background tasks keyed by fileId.
type Manager struct {
	// ChunkSize overrides the copy buffer size when > 0. Tests use small
	// chunks to observe intermediate progress.
	ChunkSize int

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	sources map[link.Scheme]Source
	log     logging.Logger
}

// NewManager returns a Manager with no sources registered.
func NewManager(log logging.Logger) *Manager {
	return &Manager{
		active:  make(map[string]context.CancelFunc),
		sources: make(map[link.Scheme]Source),
		log:     log,
	}
}

// Register binds a Source to a link scheme.
func (m *Manager) Register(scheme link.Scheme, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[scheme] = src
}

// Start begins downloading lnk to destPath and returns the transfer's fileId
// together with its event channel. The channel carries zero or more Progress
// events followed by exactly one Complete or Failed, then closes. The
// consumer must drain the channel until it closes.
//
// destPath is truncated, so a retry always restarts from zero bytes.
func (m *Manager) Start(ctx context.Context, lnk *link.Link, destPath string) (string, <-chan Event, error) {
	m.mu.Lock()
	src, ok := m.sources[lnk.Scheme]
	if !ok {
		m.mu.Unlock()
		return "", nil, fmt.Errorf("%w: no source for scheme %q", common.ErrTransfer, lnk.Scheme)
	}

	fileID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	m.active[fileID] = cancel
	m.mu.Unlock()

	ch := make(chan Event, 1)
	go m.run(runCtx, src, lnk, destPath, fileID, ch)

	return fileID, ch, nil
}

// Cancel aborts the transfer with the given fileId. Safe to call even if the
// transfer already completed or failed: it is an idempotent no-op then.
func (m *Manager) Cancel(fileID string) {
	m.mu.Lock()
	cancel, ok := m.active[fileID]
	if ok {
		delete(m.active, fileID)
	}
	m.mu.Unlock()

	if ok {
		cancel()
	}
}

func (m *Manager) finish(fileID string) {
	m.mu.Lock()
	cancel, ok := m.active[fileID]
	if ok {
		delete(m.active, fileID)
	}
	m.mu.Unlock()

	// release the context resources of transfers that ended on their own
	if ok {
		cancel()
	}
}

func (m *Manager) run(ctx context.Context, src Source, lnk *link.Link, destPath, fileID string, ch chan<- Event) {
	defer close(ch)
	defer m.finish(fileID)

	log := m.log.With("fileId", fileID)

	body, total, err := src.Fetch(ctx, lnk)
	if err != nil {
		log.Error(ctx, "transfer failed to start", "error", err)
		ch <- Event{Kind: EventFailed, Err: fmt.Errorf("%w: %v", common.ErrTransfer, err)}
		return
	}
	defer body.Close()

	f, err := os.Create(destPath)
	if err != nil {
		log.Error(ctx, "cannot create destination file", "error", err)
		ch <- Event{Kind: EventFailed, Err: fmt.Errorf("%w: %v", common.ErrTransfer, err)}
		return
	}

	chunk := m.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	buf := make([]byte, chunk)

	var downloaded int64
	for {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			log.Info(ctx, "transfer cancelled", "downloaded", downloaded)
			ch <- Event{Kind: EventFailed, Downloaded: downloaded, Total: total, Err: common.ErrTransferCancelled}
			return
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				_ = f.Close()
				log.Error(ctx, "write failed", "error", werr)
				ch <- Event{Kind: EventFailed, Downloaded: downloaded, Total: total, Err: fmt.Errorf("%w: %v", common.ErrTransfer, werr)}
				return
			}
			downloaded += int64(n)
			ch <- Event{Kind: EventProgress, Downloaded: downloaded, Total: total}
		}

		if rerr == io.EOF {
			if err := f.Sync(); err != nil {
				log.Warn(ctx, "fsync failed", "error", err)
			}
			if err := f.Close(); err != nil {
				ch <- Event{Kind: EventFailed, Downloaded: downloaded, Total: total, Err: fmt.Errorf("%w: %v", common.ErrTransfer, err)}
				return
			}
			log.Info(ctx, "transfer complete", "bytes", downloaded)
			ch <- Event{Kind: EventComplete, Downloaded: downloaded, Total: total, Path: destPath}
			return
		}
		if rerr != nil {
			_ = f.Close()
			if ctx.Err() != nil {
				// reader unblocked by cancellation, not a transport fault
				log.Info(ctx, "transfer cancelled", "downloaded", downloaded)
				ch <- Event{Kind: EventFailed, Downloaded: downloaded, Total: total, Err: common.ErrTransferCancelled}
				return
			}
			// keep the partial file; the caller decides retry-or-abandon
			log.Error(ctx, "transfer failed", "downloaded", downloaded, "error", rerr)
			ch <- Event{Kind: EventFailed, Downloaded: downloaded, Total: total, Err: fmt.Errorf("%w: %v", common.ErrTransfer, rerr)}
			return
		}
	}
}
