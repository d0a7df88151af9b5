package btree

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"nutelladb/cache"
)

// Entry is a key and its payload inside a leaf. Payloads above the blob
// threshold live in the blob area and are referenced by BlobID.
type Entry struct {
	Key    []byte `json:"key"`
	Value  []byte `json:"value,omitempty"`
	BlobID int    `json:"blob_id,omitempty"`
}

// Node is one page of the tree. Leaves hold entries and are linked to their
// neighbours; internal nodes hold separator keys, child page ids and the
// number of entries below each child.
type Node struct {
	ID       int      `json:"id"`
	IsLeaf   bool     `json:"is_leaf"`
	Entries  []Entry  `json:"entries,omitempty"`
	Keys     [][]byte `json:"keys,omitempty"`
	Children []int    `json:"children,omitempty"`
	Counts   []uint64 `json:"counts,omitempty"`
	Prev     int      `json:"prev,omitempty"`
	Next     int      `json:"next,omitempty"`
}

// BTree is a file-backed B+tree keyed by arbitrary byte strings in
// bytes.Compare order. Mutations require the exclusive lock (see Lock).
type BTree struct {
	RootID     int     `json:"root_id"`
	NextID     int     `json:"next_id"`
	NextBlobID int     `json:"next_blob_id"`
	Size       uint64  `json:"size"`
	Options    Options `json:"options"`

	PageDir string `json:"-"`

	// sem is the exclusive lock; mu guards page memory against lock-free
	// readers and is write-held only inside a mutating primitive.
	sem     *semaphore.Weighted
	mu      sync.RWMutex
	locked  bool
	epoch   uint64
	version atomic.Uint64
	closed  atomic.Bool

	nodeCache *cache.Cache[int, *Node]
	blobs     *blobStore
}

// Open loads the tree stored in pageDir, creating an empty one if the
// directory holds no metadata yet.
func Open(pageDir string, opts Options) (*BTree, error) {
	opts = opts.WithDefaults()
	if opts.Encrypted {
		return nil, ErrEncryptionUnsupported
	}
	if opts.Order < 2 {
		return nil, ErrInvalidOrder
	}

	if err := os.MkdirAll(pageDir, 0755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: pageDir, Err: err}
	}

	metadataPath := filepath.Join(pageDir, "metadata.json")
	if _, err := os.Stat(metadataPath); err == nil {
		return loadBTree(pageDir, opts)
	}
	return newBTree(pageDir, opts)
}

func newBTree(pageDir string, opts Options) (*BTree, error) {
	bt := &BTree{
		RootID:     1,
		NextID:     2,
		NextBlobID: 1,
		Options:    opts,
		PageDir:    pageDir,
	}
	if err := bt.init(); err != nil {
		return nil, err
	}

	root := &Node{ID: 1, IsLeaf: true}
	if err := bt.saveNode(root); err != nil {
		return nil, fmt.Errorf("failed to save root node: %w", err)
	}
	if err := bt.saveMetadata(); err != nil {
		return nil, fmt.Errorf("failed to save metadata: %w", err)
	}

	return bt, nil
}

func loadBTree(pageDir string, opts Options) (*BTree, error) {
	bt := &BTree{PageDir: pageDir}
	if err := bt.readMetadata(); err != nil {
		return nil, err
	}

	// Physical layout comes from disk, handle settings from the caller.
	bt.Options.LockTimeout = opts.LockTimeout
	bt.Options.CacheSize = opts.CacheSize
	bt.Options = bt.Options.WithDefaults()

	if err := bt.init(); err != nil {
		return nil, err
	}
	return bt, nil
}

func (bt *BTree) init() error {
	bt.sem = semaphore.NewWeighted(1)
	bt.nodeCache = cache.NewCache[int, *Node](bt.Options.CacheSize)

	blobs, err := newBlobStore(filepath.Join(bt.PageDir, "blobs"))
	if err != nil {
		return err
	}
	bt.blobs = blobs
	return nil
}

func (bt *BTree) readMetadata() error {
	metadataPath := filepath.Join(bt.PageDir, "metadata.json")
	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return &StorageError{Op: "read", Path: metadataPath, Err: err}
	}
	if err := json.Unmarshal(data, bt); err != nil {
		return &StorageError{Op: "parse", Path: metadataPath, Err: err}
	}
	return nil
}

func (bt *BTree) saveMetadata() error {
	metadataPath := filepath.Join(bt.PageDir, "metadata.json")
	data, err := json.MarshalIndent(bt, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := writeFileAtomic(metadataPath, data); err != nil {
		return &StorageError{Op: "write", Path: metadataPath, Err: err}
	}
	return nil
}

// discardChanges drops cached pages and reloads metadata after a failed
// mutation so that later operations see what is on disk.
func (bt *BTree) discardChanges() {
	opts := bt.Options
	bt.nodeCache.Clear()
	_ = bt.readMetadata()
	bt.Options.LockTimeout = opts.LockTimeout
	bt.Options.CacheSize = opts.CacheSize
}

// Count returns the number of entries in the tree.
func (bt *BTree) Count() uint64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.Size
}

// Version changes whenever the tree's content changes.
func (bt *BTree) Version() uint64 {
	return bt.version.Load()
}

// CacheStats reports page cache usage.
func (bt *BTree) CacheStats() cache.Stats {
	return bt.nodeCache.Stats()
}

// Clear removes every entry, page and blob and leaves an empty root.
func (bt *BTree) Clear(ctx context.Context) error {
	release, err := bt.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	bt.mu.Lock()
	defer bt.mu.Unlock()

	entries, err := os.ReadDir(bt.PageDir)
	if err != nil {
		return &StorageError{Op: "readdir", Path: bt.PageDir, Err: err}
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" || e.Name() == "metadata.json" {
			continue
		}
		p := filepath.Join(bt.PageDir, e.Name())
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			bt.discardChanges()
			return &StorageError{Op: "remove", Path: p, Err: err}
		}
	}
	if err := bt.blobs.clear(); err != nil {
		bt.discardChanges()
		return err
	}

	bt.nodeCache.Clear()
	bt.RootID = 1
	bt.NextID = 2
	bt.NextBlobID = 1
	bt.Size = 0
	bt.version.Add(1)

	if err := bt.saveNode(&Node{ID: 1, IsLeaf: true}); err != nil {
		bt.discardChanges()
		return fmt.Errorf("failed to save root node: %w", err)
	}
	if err := bt.saveMetadata(); err != nil {
		bt.discardChanges()
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

// Close flushes metadata and releases the handle. It is safe to call more
// than once; every other method fails with ErrClosed afterwards.
func (bt *BTree) Close() error {
	if !bt.closed.CompareAndSwap(false, true) {
		return nil
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()

	err := bt.saveMetadata()
	bt.nodeCache.Clear()
	bt.blobs.close()
	if err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

func (bt *BTree) allocateNodeID() int {
	id := bt.NextID
	bt.NextID++
	return id
}

// nodeCount returns the number of entries stored under n.
func nodeCount(n *Node) uint64 {
	if n.IsLeaf {
		return uint64(len(n.Entries))
	}
	var total uint64
	for _, c := range n.Counts {
		total += c
	}
	return total
}
