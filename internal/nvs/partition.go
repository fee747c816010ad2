package nvs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// OpenMode selects the access a Handle is granted.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	ReadWrite
)

// String returns the mode name
func (m OpenMode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Partition is an initialized store. Sessions against it are serialized:
// Open blocks until the previously opened Handle is closed, so a goroutine
// must never open a second handle while holding one.
type Partition struct {
	engine  Engine
	logger  *logrus.Entry
	session sync.Mutex
}

// Init checks the medium and self-heals it. A medium that is full or was
// written by another format version is erased and checked again; only a
// second failure is returned.
func Init(ctx context.Context, engine Engine, logger *logrus.Entry) (*Partition, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: no engine configured", ErrStoreUnavailable)
	}

	err := engine.Check(ctx)
	if errors.Is(err, ErrStoreCorrupt) {
		logger.WithError(err).Warn("Erasing NVS partition")
		if eraseErr := engine.Erase(ctx); eraseErr != nil {
			logger.WithError(eraseErr).Error("NVS erase failed")
			return nil, fmt.Errorf("%w: erase failed: %v", ErrStoreUnavailable, eraseErr)
		}
		err = engine.Check(ctx)
	}
	if err != nil {
		logger.WithError(err).Error("NVS initialization failed")
		return nil, err
	}

	logger.Info("NVS initialized")
	return &Partition{
		engine: engine,
		logger: logger,
	}, nil
}

// Open starts a session on namespace.
func (p *Partition) Open(namespace string, mode OpenMode) (*Handle, error) {
	return p.OpenContext(context.Background(), namespace, mode)
}

// OpenContext is Open with a context used for every engine call made through the handle.
func (p *Partition) OpenContext(ctx context.Context, namespace string, mode OpenMode) (*Handle, error) {
	if err := validateName(namespace); err != nil {
		return nil, err
	}

	p.session.Lock()
	return &Handle{
		partition: p,
		ctx:       ctx,
		namespace: namespace,
		mode:      mode,
		staged:    make(map[string]Entry),
	}, nil
}

// Session opens namespace, runs fn and always closes the handle.
func (p *Partition) Session(namespace string, mode OpenMode, fn func(h *Handle) error) error {
	h, err := p.Open(namespace, mode)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(h)
}

// Used returns the number of committed entries.
func (p *Partition) Used(ctx context.Context) (int, error) {
	p.session.Lock()
	defer p.session.Unlock()
	return p.engine.Count(ctx)
}

// EraseAll wipes every namespace and reinitializes the medium.
func (p *Partition) EraseAll(ctx context.Context) error {
	p.session.Lock()
	defer p.session.Unlock()

	p.logger.Warn("Erasing NVS partition on request")
	if err := p.engine.Erase(ctx); err != nil {
		return err
	}
	return p.engine.Check(ctx)
}

// Close releases the underlying engine.
func (p *Partition) Close() error {
	p.session.Lock()
	defer p.session.Unlock()
	return p.engine.Close()
}

// Handle is an exclusive session on one namespace.
type Handle struct {
	partition *Partition
	ctx       context.Context
	namespace string
	mode      OpenMode

	staged map[string]Entry
	order  []string

	closed    bool
	closeOnce sync.Once
}

// Namespace returns the namespace the handle was opened on
func (h *Handle) Namespace() string {
	return h.namespace
}

// GetString returns the string stored under key.
func (h *Handle) GetString(key string) (string, error) {
	entry, err := h.get(key)
	if err != nil {
		return "", err
	}
	if entry.Type != TypeString {
		return "", fmt.Errorf("%w: %s is a %s", ErrTypeMismatch, key, entry.Type)
	}
	return string(entry.Value), nil
}

// GetBlob returns the blob stored under key. A stored blob longer than size
// is an ErrInvalidLength.
func (h *Handle) GetBlob(key string, size int) ([]byte, error) {
	entry, err := h.get(key)
	if err != nil {
		return nil, err
	}
	if entry.Type != TypeBlob {
		return nil, fmt.Errorf("%w: %s is a %s", ErrTypeMismatch, key, entry.Type)
	}
	if len(entry.Value) > size {
		return nil, fmt.Errorf("%w: %s holds %d bytes, buffer is %d", ErrInvalidLength, key, len(entry.Value), size)
	}
	out := make([]byte, len(entry.Value))
	copy(out, entry.Value)
	return out, nil
}

func (h *Handle) get(key string) (Entry, error) {
	if h.closed {
		return Entry{}, ErrHandleClosed
	}
	if err := validateName(key); err != nil {
		return Entry{}, err
	}
	if entry, ok := h.staged[key]; ok {
		if entry.Deleted {
			return Entry{}, ErrNotFound
		}
		return entry, nil
	}
	return h.partition.engine.Get(h.ctx, h.namespace, key)
}

// SetString stages a string value.
func (h *Handle) SetString(key, value string) error {
	if len(value) > MaxStringLen {
		return fmt.Errorf("%w: string for %s is %d bytes, max %d", ErrInvalidLength, key, len(value), MaxStringLen)
	}
	return h.stage(Entry{Key: key, Type: TypeString, Value: []byte(value)})
}

// SetBlob stages a binary value.
func (h *Handle) SetBlob(key string, value []byte) error {
	if len(value) > MaxBlobLen {
		return fmt.Errorf("%w: blob for %s is %d bytes, max %d", ErrInvalidLength, key, len(value), MaxBlobLen)
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	return h.stage(Entry{Key: key, Type: TypeBlob, Value: buf})
}

// EraseKey stages the removal of key.
func (h *Handle) EraseKey(key string) error {
	return h.stage(Entry{Key: key, Deleted: true})
}

func (h *Handle) stage(entry Entry) error {
	if h.closed {
		return ErrHandleClosed
	}
	if h.mode != ReadWrite {
		return ErrReadOnly
	}
	if err := validateName(entry.Key); err != nil {
		return err
	}
	if _, ok := h.staged[entry.Key]; !ok {
		h.order = append(h.order, entry.Key)
	}
	h.staged[entry.Key] = entry
	return nil
}

// Pending returns the number of staged, uncommitted writes.
func (h *Handle) Pending() int {
	return len(h.order)
}

// Commit makes every staged write durable in one engine transaction. On
// failure the writes stay staged and the error wraps ErrCommitFailed.
func (h *Handle) Commit() error {
	if h.closed {
		return ErrHandleClosed
	}
	if h.mode != ReadWrite {
		return ErrReadOnly
	}
	if len(h.order) == 0 {
		return nil
	}

	entries := make([]Entry, 0, len(h.order))
	for _, key := range h.order {
		entries = append(entries, h.staged[key])
	}
	if err := h.partition.engine.Apply(h.ctx, h.namespace, entries); err != nil {
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	h.staged = make(map[string]Entry)
	h.order = nil
	return nil
}

// Close ends the session, discarding uncommitted writes. It is safe to call
// more than once; only the first call releases the partition.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if len(h.order) > 0 {
			h.partition.logger.WithFields(logrus.Fields{
				"namespace": h.namespace,
				"discarded": len(h.order),
			}).Debug("Closing NVS handle with uncommitted writes")
		}
		h.closed = true
		h.staged = nil
		h.order = nil
		h.partition.session.Unlock()
	})
	return nil
}
