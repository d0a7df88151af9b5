package btree

import (
	"bytes"
	"context"
	"fmt"
)

// pathStep records which child was taken at an internal node.
type pathStep struct {
	nodeID int
	child  int
}

// BlockHeader describes the leaf a LeafLocation points into.
type BlockHeader struct {
	EntryCount int
	Prev       int
	Next       int
}

// LeafLocation is where a key belongs in the tree. It is only valid under
// the lock acquisition that produced it and only until the next mutation;
// passing it to InsertAtLeafLocked afterwards fails with ErrStaleLocation.
type LeafLocation struct {
	BlockIndex int
	Header     BlockHeader
	Block      []Entry
	Offset     int
	Last       bool
	Exists     bool

	key     []byte
	path    []pathStep
	epoch   uint64
	version uint64
}

type nodeLoader func(id int) (*Node, error)

// descend walks from the root to a leaf. With after set it takes the
// rightmost child that can hold key, which is where new keys go; otherwise
// the leftmost, which is where the first equal key lives.
func descend(load nodeLoader, rootID int, key []byte, after bool) ([]pathStep, *Node, error) {
	var path []pathStep
	node, err := load(rootID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load root node: %w", err)
	}

	for !node.IsLeaf {
		var i int
		if after {
			i = childAfter(node, key)
		} else {
			i = childBefore(node, key)
		}
		path = append(path, pathStep{nodeID: node.ID, child: i})
		node, err = load(node.Children[i])
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load child node: %w", err)
		}
	}
	return path, node, nil
}

// nextLeafPath moves path to the leaf after the current one. It returns a
// nil leaf at the end of the tree.
func nextLeafPath(load nodeLoader, path []pathStep) ([]pathStep, *Node, error) {
	for i := len(path) - 1; i >= 0; i-- {
		parent, err := load(path[i].nodeID)
		if err != nil {
			return nil, nil, err
		}
		if path[i].child+1 >= len(parent.Children) {
			continue
		}

		path = path[:i+1]
		path[i].child++
		node, err := load(parent.Children[path[i].child])
		if err != nil {
			return nil, nil, err
		}
		for !node.IsLeaf {
			path = append(path, pathStep{nodeID: node.ID, child: 0})
			node, err = load(node.Children[0])
			if err != nil {
				return nil, nil, err
			}
		}
		return path, node, nil
	}
	return path, nil, nil
}

// seek finds the first entry whose key is >= key.
func seek(load nodeLoader, rootID int, key []byte) ([]pathStep, *Node, int, error) {
	path, leaf, err := descend(load, rootID, key, false)
	if err != nil {
		return nil, nil, 0, err
	}

	pos := lowerBound(leaf.Entries, key)
	for pos == len(leaf.Entries) {
		var next *Node
		path, next, err = nextLeafPath(load, path)
		if err != nil {
			return nil, nil, 0, err
		}
		if next == nil {
			break
		}
		leaf, pos = next, 0
	}
	return path, leaf, pos, nil
}

// rankOf counts the entries left of the position described by path and pos.
func rankOf(load nodeLoader, path []pathStep, pos int) (uint64, error) {
	rank := uint64(pos)
	for _, step := range path {
		n, err := load(step.nodeID)
		if err != nil {
			return 0, err
		}
		for j := 0; j < step.child; j++ {
			rank += n.Counts[j]
		}
	}
	return rank, nil
}

// LocateLeafLocked finds the leaf where key would be inserted.
func (bt *BTree) LocateLeafLocked(key []byte) (LeafLocation, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	if err := bt.checkLocked(); err != nil {
		return LeafLocation{}, err
	}
	if err := bt.checkKey(key); err != nil {
		return LeafLocation{}, err
	}

	path, leaf, err := descend(bt.loadNode, bt.RootID, key, true)
	if err != nil {
		return LeafLocation{}, err
	}

	lb := lowerBound(leaf.Entries, key)
	exists := lb < len(leaf.Entries) && bytes.Equal(leaf.Entries[lb].Key, key)

	return LeafLocation{
		BlockIndex: leaf.ID,
		Header: BlockHeader{
			EntryCount: len(leaf.Entries),
			Prev:       leaf.Prev,
			Next:       leaf.Next,
		},
		Block:   cloneEntries(leaf.Entries),
		Offset:  upperBound(leaf.Entries, key),
		Last:    leaf.Next == 0,
		Exists:  exists,
		key:     cloneBytes(key),
		path:    append([]pathStep(nil), path...),
		epoch:   bt.epoch,
		version: bt.version.Load(),
	}, nil
}

// FindLocked returns the value stored under key.
func (bt *BTree) FindLocked(key []byte) ([]byte, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	if err := bt.checkLocked(); err != nil {
		return nil, err
	}
	return bt.find(key)
}

// Find returns the value stored under key without taking the exclusive
// lock. It observes either the state before or after any mutation.
func (bt *BTree) Find(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bt.mu.RLock()
	defer bt.mu.RUnlock()

	if bt.closed.Load() {
		return nil, ErrClosed
	}
	return bt.find(key)
}

func (bt *BTree) find(key []byte) ([]byte, error) {
	_, leaf, pos, err := seek(bt.loadNode, bt.RootID, key)
	if err != nil {
		return nil, err
	}
	if pos >= len(leaf.Entries) || !bytes.Equal(leaf.Entries[pos].Key, key) {
		return nil, ErrNotFound
	}
	return bt.entryValue(leaf.Entries[pos])
}

// RankLocked returns the zero-based position of key in ascending order.
func (bt *BTree) RankLocked(key []byte) (uint64, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	if err := bt.checkLocked(); err != nil {
		return 0, err
	}

	path, leaf, pos, err := seek(bt.loadNode, bt.RootID, key)
	if err != nil {
		return 0, err
	}
	if pos >= len(leaf.Entries) || !bytes.Equal(leaf.Entries[pos].Key, key) {
		return 0, ErrNotFound
	}
	return rankOf(bt.loadNode, path, pos)
}

func (bt *BTree) entryValue(e Entry) ([]byte, error) {
	if e.BlobID != 0 {
		return bt.blobs.read(e.BlobID)
	}
	return cloneBytes(e.Value), nil
}

func (bt *BTree) checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > bt.Options.InlineSizeLimit {
		return fmt.Errorf("%w: %d > %d bytes", ErrKeyTooLarge, len(key), bt.Options.InlineSizeLimit)
	}
	return nil
}
