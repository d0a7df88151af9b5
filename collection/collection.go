package collection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"nutelladb/btree"
	"nutelladb/cache"
	"nutelladb/index"
	"nutelladb/logging"
	"nutelladb/serialization"
)

var (
	ErrNotFound      = btree.ErrNotFound
	ErrClosed        = errors.New("collection: closed")
	ErrIndexExists   = errors.New("collection: index already exists")
	ErrIndexNotFound = errors.New("collection: index not found")
	ErrInvalidName   = errors.New("collection: invalid name")
)

const DefaultObjectCacheSize = 1024

// Collection stores objects under random 128-bit identities in a B+tree
// and keeps its secondary indexes in step with every write.
type Collection struct {
	name       string
	baseDir    string
	opts       btree.Options
	tree       *btree.BTree
	serializer serialization.ObjectSerializer
	log        logging.Logger

	// Raw records, so every Load decodes a fresh object. recordsMu orders
	// cache fills from readers against the updates made by writers.
	records   *cache.Cache[uuid.UUID, []byte]
	recordsMu sync.Mutex

	// writeMu serializes object writes and index lifecycle changes.
	writeMu sync.Mutex
	indexes *xsync.MapOf[string, *index.Index]
	closed  atomic.Bool
}

// Open opens or creates the collection stored in baseDir.
func Open(name, baseDir string, opts btree.Options, s serialization.ObjectSerializer, log logging.Logger, objectCacheSize int) (*Collection, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if objectCacheSize <= 0 {
		objectCacheSize = DefaultObjectCacheSize
	}
	if log == nil {
		log = logging.Discard()
	}

	tree, err := btree.Open(filepath.Join(baseDir, "objects"), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open object tree for collection %q: %w", name, err)
	}

	return &Collection{
		name:       name,
		baseDir:    baseDir,
		opts:       tree.Options,
		tree:       tree,
		serializer: s,
		log:        log.With("collection", name),
		records:    cache.NewCache[uuid.UUID, []byte](objectCacheSize),
		indexes:    xsync.NewMapOf[string, *index.Index](),
	}, nil
}

// ValidateName rejects names that cannot be used as a directory name.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) TreeOptions() btree.Options {
	return c.opts
}

func (c *Collection) Serializer() serialization.ObjectSerializer {
	return c.serializer
}

func (c *Collection) Logger() logging.Logger {
	return c.log
}

func (c *Collection) Dir() string {
	return c.baseDir
}

// CacheStats reports usage of the object tree's page cache and of the
// record cache.
type CacheStats struct {
	Pages   cache.Stats `json:"pages"`
	Records cache.Stats `json:"records"`
}

func (c *Collection) CacheStats() CacheStats {
	return CacheStats{Pages: c.tree.CacheStats(), Records: c.records.Stats()}
}

// Count returns the number of stored objects.
func (c *Collection) Count() uint64 {
	return c.tree.Count()
}

// Insert stores obj under a new identity and adds it to every index.
func (c *Collection) Insert(ctx context.Context, obj any) (uuid.UUID, error) {
	if c.closed.Load() {
		return uuid.Nil, ErrClosed
	}

	data, err := serialization.Marshal(c.serializer, obj)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to serialize object: %w", err)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to generate object id: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.withLock(ctx, func() error {
		return c.tree.InsertLocked(id[:], data, false)
	}); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert object: %w", err)
	}
	c.storeRecord(id, data)

	err = c.eachIndex(ctx, func(idx *index.Index) error {
		st, err := idx.SaveNew(ctx, id, obj, c.serializer)
		c.logStatus(ctx, idx, "save", id, st)
		return err
	})
	return id, err
}

// Load returns the object stored under id.
func (c *Collection) Load(ctx context.Context, id uuid.UUID) (any, error) {
	raw, err := c.LoadRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	return serialization.Unmarshal(c.serializer, raw)
}

// LoadObject decodes the stored record without going through the record
// cache. Indexes use it to rebuild keys.
func (c *Collection) LoadObject(ctx context.Context, id uuid.UUID) (any, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.loadStored(ctx, id)
}

// LoadRaw returns the serialized record stored under id.
func (c *Collection) LoadRaw(ctx context.Context, id uuid.UUID) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if raw, ok := c.records.Find(id); ok {
		return raw, nil
	}

	version := c.tree.Version()
	raw, err := c.tree.Find(ctx, id[:])
	if err != nil {
		if errors.Is(err, btree.ErrNotFound) {
			return nil, fmt.Errorf("%w: object %s", ErrNotFound, id)
		}
		return nil, err
	}

	// A write that began after the read may already have updated the
	// cache; only fill it when the tree is unchanged.
	c.recordsMu.Lock()
	if c.tree.Version() == version {
		c.records.Insert(id, raw)
	}
	c.recordsMu.Unlock()
	return raw, nil
}

func (c *Collection) storeRecord(id uuid.UUID, raw []byte) {
	c.recordsMu.Lock()
	defer c.recordsMu.Unlock()
	c.records.Insert(id, raw)
}

func (c *Collection) dropRecord(id uuid.UUID) {
	c.recordsMu.Lock()
	defer c.recordsMu.Unlock()
	c.records.Delete(id)
}

// Update replaces the object stored under id and moves its index entries.
func (c *Collection) Update(ctx context.Context, id uuid.UUID, obj any) error {
	if c.closed.Load() {
		return ErrClosed
	}

	data, err := serialization.Marshal(c.serializer, obj)
	if err != nil {
		return fmt.Errorf("failed to serialize object: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	old, err := c.loadStored(ctx, id)
	if err != nil {
		return err
	}

	if err := c.withLock(ctx, func() error {
		return c.tree.UpdateLocked(id[:], data)
	}); err != nil {
		c.dropRecord(id)
		return fmt.Errorf("failed to update object: %w", err)
	}
	c.storeRecord(id, data)

	return c.eachIndex(ctx, func(idx *index.Index) error {
		st, err := idx.Update(ctx, id, old, obj, c.serializer)
		c.logStatus(ctx, idx, "update", id, st)
		return err
	})
}

// Delete removes the object stored under id and its index entries.
func (c *Collection) Delete(ctx context.Context, id uuid.UUID) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	old, err := c.loadStored(ctx, id)
	if err != nil {
		return err
	}

	var found bool
	if err := c.withLock(ctx, func() error {
		found, err = c.tree.DeleteLocked(id[:], false)
		return err
	}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	c.dropRecord(id)
	if !found {
		return fmt.Errorf("%w: object %s", ErrNotFound, id)
	}

	return c.eachIndex(ctx, func(idx *index.Index) error {
		st, err := idx.Delete(ctx, id, old, c.serializer)
		c.logStatus(ctx, idx, "delete", id, st)
		return err
	})
}

// loadStored decodes the record on disk, bypassing the record cache.
func (c *Collection) loadStored(ctx context.Context, id uuid.UUID) (any, error) {
	raw, err := c.tree.Find(ctx, id[:])
	if err != nil {
		if errors.Is(err, btree.ErrNotFound) {
			return nil, fmt.Errorf("%w: object %s", ErrNotFound, id)
		}
		return nil, err
	}
	return serialization.Unmarshal(c.serializer, raw)
}

func (c *Collection) withLock(ctx context.Context, fn func() error) error {
	release, err := c.tree.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (c *Collection) eachIndex(ctx context.Context, fn func(idx *index.Index) error) error {
	var errs []error
	c.indexes.Range(func(name string, idx *index.Index) bool {
		if err := fn(idx); err != nil {
			c.log.WarnCtx(ctx, "index maintenance failed", "index", name, "err", err)
			errs = append(errs, fmt.Errorf("index %s: %w", name, err))
		}
		return true
	})
	return errors.Join(errs...)
}

func (c *Collection) logStatus(ctx context.Context, idx *index.Index, op string, id uuid.UUID, st index.Status) {
	if st == index.StatusOversize {
		c.log.DebugCtx(ctx, "object not indexed, key exceeds inline limit", "index", idx.Name(), "op", op, "id", id)
	}
}

// ScanObjects calls fn for every object in identity order.
func (c *Collection) ScanObjects(ctx context.Context, locked bool, fn func(id uuid.UUID, obj any, s serialization.ObjectSerializer) error) error {
	e, err := c.Enumerate(ctx, locked)
	if err != nil {
		return err
	}
	defer e.Close()

	for e.Next() {
		obj, err := e.Object()
		if err != nil {
			return err
		}
		if err := fn(e.ID(), obj, c.serializer); err != nil {
			return err
		}
	}
	return e.Err()
}

// Enumerator walks a collection's objects in identity order.
type Enumerator struct {
	inner *btree.Enumerator
	s     serialization.ObjectSerializer
	id    uuid.UUID
	err   error
}

// Enumerate starts an ordered scan. A locked scan blocks writers until
// Close.
func (c *Collection) Enumerate(ctx context.Context, locked bool) (*Enumerator, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	inner, err := c.tree.Enumerate(ctx, locked)
	if err != nil {
		return nil, err
	}
	return &Enumerator{inner: inner, s: c.serializer}, nil
}

func (e *Enumerator) Next() bool {
	if e.err != nil || !e.inner.Next() {
		return false
	}
	id, err := uuid.FromBytes(e.inner.Key())
	if err != nil {
		e.err = fmt.Errorf("%w: bad object key: %v", btree.ErrStorageFault, err)
		return false
	}
	e.id = id
	return true
}

func (e *Enumerator) ID() uuid.UUID {
	return e.id
}

func (e *Enumerator) Raw() []byte {
	return e.inner.Value()
}

func (e *Enumerator) Object() (any, error) {
	return serialization.Unmarshal(e.s, e.inner.Value())
}

func (e *Enumerator) Err() error {
	if e.err != nil {
		return e.err
	}
	return e.inner.Err()
}

func (e *Enumerator) Close() {
	e.inner.Close()
}

func (c *Collection) indexDir(name string) string {
	return filepath.Join(c.baseDir, "indexes", name)
}

// CreateIndex builds a new index over fields from the current objects.
func (c *Collection) CreateIndex(ctx context.Context, name string, fields ...string) (*index.Index, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, ok := c.indexes.Load(name); ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexExists, name)
	}

	idx, err := index.New(c.indexDir(name), c.opts.CacheSize, c, fields...)
	if err != nil {
		return nil, err
	}
	if _, err := idx.Regenerate(ctx); err != nil {
		_ = idx.Close()
		_ = os.RemoveAll(c.indexDir(name))
		return nil, err
	}

	c.indexes.Store(name, idx)
	c.log.InfoCtx(ctx, "index created", "index", name, "fields", fields)
	return idx, nil
}

// OpenIndex attaches an existing index without rebuilding it.
func (c *Collection) OpenIndex(name string, fields ...string) (*index.Index, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if idx, ok := c.indexes.Load(name); ok {
		return idx, nil
	}
	idx, err := index.New(c.indexDir(name), c.opts.CacheSize, c, fields...)
	if err != nil {
		return nil, err
	}
	c.indexes.Store(name, idx)
	return idx, nil
}

// Index returns the named index.
func (c *Collection) Index(name string) (*index.Index, error) {
	idx, ok := c.indexes.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return idx, nil
}

// RegenerateIndex rebuilds the named index from the stored objects.
func (c *Collection) RegenerateIndex(ctx context.Context, name string) (index.RegenerateResult, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	idx, err := c.Index(name)
	if err != nil {
		return index.RegenerateResult{}, err
	}
	return idx.Regenerate(ctx)
}

// DropIndex closes the named index and removes its files.
func (c *Collection) DropIndex(name string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	idx, ok := c.indexes.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	if err := idx.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(c.indexDir(name)); err != nil {
		return fmt.Errorf("failed to remove index %s: %w", name, err)
	}
	return nil
}

// Indexes returns the index names in ascending order.
func (c *Collection) Indexes() []string {
	var names []string
	c.indexes.Range(func(name string, _ *index.Index) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Close closes every index and the object tree.
func (c *Collection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var errs []error
	c.indexes.Range(func(name string, idx *index.Index) bool {
		if err := idx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("index %s: %w", name, err))
		}
		return true
	})
	if err := c.tree.Close(); err != nil {
		errs = append(errs, err)
	}
	c.records.Clear()
	return errors.Join(errs...)
}

// Drop closes the collection and removes all of its files.
func (c *Collection) Drop() error {
	if err := c.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(c.baseDir); err != nil {
		return fmt.Errorf("failed to remove collection directory: %w", err)
	}
	return nil
}
