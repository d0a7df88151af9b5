package index

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nutelladb/btree"
	"nutelladb/logging"
	"nutelladb/serialization"
)

var (
	ErrNotFound     = btree.ErrNotFound
	ErrLockTimeout  = btree.ErrLockTimeout
	ErrInvalidated  = btree.ErrInvalidated
	ErrStorageFault = btree.ErrStorageFault
	ErrDisposed     = errors.New("index: disposed")
	ErrNoFields     = errors.New("index: at least one field is required")
	ErrMalformedKey = errors.New("index: malformed index key")
)

// Status is the outcome of an index mutation that did not fail.
type Status int

const (
	// StatusApplied means the index now reflects the object.
	StatusApplied Status = iota
	// StatusOversize means the object's key exceeds the inline size limit,
	// so the object is not in the index. This is expected, not a fault.
	StatusOversize
	// StatusNotFound means there was no entry to remove.
	StatusNotFound
)

func (s Status) Applied() bool {
	return s == StatusApplied
}

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusOversize:
		return "oversize"
	case StatusNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ObjectSource is the object store an index is built over.
type ObjectSource interface {
	Name() string
	TreeOptions() btree.Options
	Serializer() serialization.ObjectSerializer
	Logger() logging.Logger

	// LoadObject and LoadRaw fail with ErrNotFound for unknown ids.
	LoadObject(ctx context.Context, id uuid.UUID) (any, error)
	LoadRaw(ctx context.Context, id uuid.UUID) ([]byte, error)

	// ScanObjects calls fn for every object in identity order. With locked
	// set the store's exclusive lock is held for the whole scan.
	ScanObjects(ctx context.Context, locked bool, fn func(id uuid.UUID, obj any, s serialization.ObjectSerializer) error) error
}

// Index keeps a B+tree of keys derived from object fields in step with the
// objects of its ObjectSource. Keys order by the field values, in field
// order, then by object identity.
type Index struct {
	name        string
	fields      []string
	keys        *KeyBuilder
	tree        *btree.BTree
	owner       atomic.Pointer[ObjectSource]
	ownerName   string
	inlineLimit int
	log         logging.Logger

	closed atomic.Bool
}

// New opens or creates the index stored in the directory fileName. The tree
// takes its physical options and lock timeout from owner.
func New(fileName string, cacheSize int, owner ObjectSource, fields ...string) (*Index, error) {
	if len(fields) == 0 {
		return nil, ErrNoFields
	}

	opts := owner.TreeOptions()
	opts.CacheSize = cacheSize
	tree, err := btree.Open(fileName, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open index tree: %w", err)
	}

	name := filepath.Base(fileName)
	idx := &Index{
		name:        name,
		fields:      append([]string(nil), fields...),
		keys:        NewKeyBuilder(fields...),
		tree:        tree,
		ownerName:   owner.Name(),
		inlineLimit: tree.Options.InlineSizeLimit,
		log:         owner.Logger().With("index", name),
	}
	idx.owner.Store(&owner)
	IndexEntries.WithLabelValues(idx.ownerName, name).Set(float64(tree.Count()))
	return idx, nil
}

func (idx *Index) Name() string {
	return idx.name
}

func (idx *Index) Fields() ([]string, error) {
	if idx.closed.Load() {
		return nil, ErrDisposed
	}
	return append([]string(nil), idx.fields...), nil
}

// source returns the owning store, or ErrDisposed once the index is closed.
func (idx *Index) source() (ObjectSource, error) {
	p := idx.owner.Load()
	if p == nil || idx.closed.Load() {
		return nil, ErrDisposed
	}
	return *p, nil
}

// Count returns the number of indexed objects.
func (idx *Index) Count() (uint64, error) {
	if idx.closed.Load() {
		return 0, ErrDisposed
	}
	return idx.tree.Count(), nil
}

// BuildKey returns the key obj would have in this index.
func (idx *Index) BuildKey(id uuid.UUID, obj any, s serialization.ObjectSerializer) ([]byte, error) {
	if idx.closed.Load() {
		return nil, ErrDisposed
	}
	return idx.keys.Build(id, obj, s)
}

func (idx *Index) admissible(key []byte) bool {
	return len(key) <= idx.inlineLimit
}

// SaveNew adds a new object to the index.
func (idx *Index) SaveNew(ctx context.Context, id uuid.UUID, obj any, s serialization.ObjectSerializer) (Status, error) {
	if idx.closed.Load() {
		return 0, ErrDisposed
	}

	key, err := idx.keys.Build(id, obj, s)
	if err != nil {
		return 0, err
	}
	if !idx.admissible(key) {
		idx.observe("save", StatusOversize)
		idx.log.DebugCtx(ctx, "key exceeds inline limit, object not indexed", "id", id, "size", len(key))
		return StatusOversize, nil
	}

	release, err := idx.tree.Lock(ctx)
	if err != nil {
		return 0, idx.translate(err)
	}
	defer release()

	if err := idx.insertLocked(key); err != nil {
		return 0, idx.translate(err)
	}
	idx.observe("save", StatusApplied)
	return StatusApplied, nil
}

// Delete removes an object using its current field values. Objects whose
// key is oversize were never indexed and yield StatusOversize.
func (idx *Index) Delete(ctx context.Context, id uuid.UUID, obj any, s serialization.ObjectSerializer) (Status, error) {
	if idx.closed.Load() {
		return 0, ErrDisposed
	}

	key, err := idx.keys.Build(id, obj, s)
	if err != nil {
		return 0, err
	}
	if !idx.admissible(key) {
		idx.observe("delete", StatusOversize)
		return StatusOversize, nil
	}

	release, err := idx.tree.Lock(ctx)
	if err != nil {
		return 0, idx.translate(err)
	}
	defer release()

	found, err := idx.tree.DeleteLocked(key, false)
	if err != nil {
		return 0, idx.translate(err)
	}

	st := StatusApplied
	if !found {
		st = StatusNotFound
	}
	idx.observe("delete", st)
	return st, nil
}

// Update moves an object from the key of oldObj to the key of newObj under
// one lock acquisition, so no reader sees both entries or neither. An
// admissible old key is removed even when the new key is oversize.
func (idx *Index) Update(ctx context.Context, id uuid.UUID, oldObj, newObj any, s serialization.ObjectSerializer) (Status, error) {
	if idx.closed.Load() {
		return 0, ErrDisposed
	}

	oldKey, err := idx.keys.Build(id, oldObj, s)
	if err != nil {
		return 0, err
	}
	newKey, err := idx.keys.Build(id, newObj, s)
	if err != nil {
		return 0, err
	}

	oldOK, newOK := idx.admissible(oldKey), idx.admissible(newKey)
	if !oldOK && !newOK {
		idx.observe("update", StatusOversize)
		return StatusOversize, nil
	}

	release, err := idx.tree.Lock(ctx)
	if err != nil {
		return 0, idx.translate(err)
	}
	defer release()

	if oldOK {
		if _, err := idx.tree.DeleteLocked(oldKey, false); err != nil {
			return 0, idx.translate(err)
		}
	}
	if !newOK {
		idx.observe("update", StatusOversize)
		idx.log.DebugCtx(ctx, "updated key exceeds inline limit, object removed from index", "id", id, "size", len(newKey))
		return StatusOversize, nil
	}

	if err := idx.insertLocked(newKey); err != nil {
		return 0, idx.translate(err)
	}
	idx.observe("update", StatusApplied)
	return StatusApplied, nil
}

// insertLocked adds key unless it is already present. Keys end with the
// object identity, so an existing key means the object is already indexed.
func (idx *Index) insertLocked(key []byte) error {
	_, err := idx.tree.FindLocked(key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, btree.ErrNotFound) {
		return err
	}

	loc, err := idx.tree.LocateLeafLocked(key)
	if err != nil {
		return err
	}
	return idx.tree.InsertAtLeafLocked(loc, key, nil, true)
}

// Rank returns the number of index entries that sort before the object
// with the given identity. It fails with ErrNotFound when the object does
// not exist or is not in the index.
func (idx *Index) Rank(ctx context.Context, id uuid.UUID) (uint64, error) {
	owner, err := idx.source()
	if err != nil {
		return 0, err
	}

	obj, err := owner.LoadObject(ctx, id)
	if err != nil {
		return 0, err
	}
	key, err := idx.keys.Build(id, obj, owner.Serializer())
	if err != nil {
		return 0, err
	}
	if !idx.admissible(key) {
		return 0, fmt.Errorf("%w: object %s is not indexed", ErrNotFound, id)
	}

	release, err := idx.tree.Lock(ctx)
	if err != nil {
		return 0, idx.translate(err)
	}
	defer release()

	rank, err := idx.tree.RankLocked(key)
	if err != nil {
		return 0, idx.translate(err)
	}
	return rank, nil
}

// Clear removes every entry.
func (idx *Index) Clear(ctx context.Context) error {
	if idx.closed.Load() {
		return ErrDisposed
	}
	if err := idx.tree.Clear(ctx); err != nil {
		return idx.translate(err)
	}
	IndexEntries.WithLabelValues(idx.ownerName, idx.name).Set(0)
	return nil
}

// RegenerateResult summarizes a rebuild.
type RegenerateResult struct {
	Indexed  int
	Oversize int
}

// Regenerate clears the index and rebuilds it from a locked scan of the
// owning store. Objects with oversize keys are skipped. Saving an entry that
// is already present is a no-op, so writers racing the scan cannot leave an
// object indexed twice.
func (idx *Index) Regenerate(ctx context.Context) (RegenerateResult, error) {
	var res RegenerateResult
	owner, err := idx.source()
	if err != nil {
		return res, err
	}

	start := time.Now()
	if err := idx.Clear(ctx); err != nil {
		return res, err
	}

	err = owner.ScanObjects(ctx, true, func(id uuid.UUID, obj any, s serialization.ObjectSerializer) error {
		st, err := idx.SaveNew(ctx, id, obj, s)
		if err != nil {
			return err
		}
		if st == StatusOversize {
			res.Oversize++
		} else {
			res.Indexed++
		}
		return nil
	})
	if err != nil {
		idx.log.ErrorCtx(ctx, "regenerate failed", "err", err)
		return res, fmt.Errorf("failed to regenerate index %s: %w", idx.name, err)
	}

	RegenerateDuration.WithLabelValues(idx.ownerName, idx.name).Observe(time.Since(start).Seconds())
	idx.log.InfoCtx(ctx, "index regenerated", "indexed", res.Indexed, "oversize", res.Oversize, "took", time.Since(start))
	return res, nil
}

// Close releases the index tree. It is safe to call more than once; every
// other method fails with ErrDisposed afterwards.
func (idx *Index) Close() error {
	if !idx.closed.CompareAndSwap(false, true) {
		return nil
	}
	idx.owner.Store(nil)
	IndexEntries.DeleteLabelValues(idx.ownerName, idx.name)
	return idx.tree.Close()
}

// Dir returns the directory holding the index tree.
func (idx *Index) Dir() (string, error) {
	if idx.closed.Load() {
		return "", ErrDisposed
	}
	return idx.tree.PageDir, nil
}

func (idx *Index) translate(err error) error {
	if errors.Is(err, btree.ErrClosed) {
		return ErrDisposed
	}
	return err
}

func (idx *Index) observe(op string, st Status) {
	IndexOperations.WithLabelValues(idx.ownerName, idx.name, op, st.String()).Inc()
	if st == StatusApplied {
		IndexEntries.WithLabelValues(idx.ownerName, idx.name).Set(float64(idx.tree.Count()))
	}
}
