package btree

import (
	"bytes"
	"fmt"
)

// InsertAtLeafLocked inserts key at a location returned by LocateLeafLocked
// under the same lock acquisition. Equal keys are kept in insertion order
// when allowDuplicates is set; otherwise an existing key fails with
// ErrKeyExists.
func (bt *BTree) InsertAtLeafLocked(loc LeafLocation, key, value []byte, allowDuplicates bool) error {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if err := bt.checkLocked(); err != nil {
		return err
	}
	if loc.epoch != bt.epoch || loc.version != bt.version.Load() {
		return ErrStaleLocation
	}
	if !bytes.Equal(loc.key, key) {
		return fmt.Errorf("%w: location was computed for a different key", ErrStaleLocation)
	}
	if err := bt.checkKey(key); err != nil {
		return err
	}
	if loc.Exists && !allowDuplicates {
		return ErrKeyExists
	}

	m := bt.begin()
	if err := bt.insertAt(m, loc, key, value); err != nil {
		m.rollback()
		return err
	}
	return m.commit()
}

// InsertLocked locates and inserts key in one step.
func (bt *BTree) InsertLocked(key, value []byte, allowDuplicates bool) error {
	loc, err := bt.LocateLeafLocked(key)
	if err != nil {
		return err
	}
	return bt.InsertAtLeafLocked(loc, key, value, allowDuplicates)
}

func (bt *BTree) insertAt(m *mutation, loc LeafLocation, key, value []byte) error {
	leaf, err := m.load(loc.BlockIndex)
	if err != nil {
		return fmt.Errorf("failed to load leaf node: %w", err)
	}

	entry := Entry{Key: cloneBytes(key)}
	if len(value) > bt.Options.BlobThreshold {
		if entry.BlobID, err = m.writeBlob(value); err != nil {
			return err
		}
	} else {
		entry.Value = cloneBytes(value)
	}

	leaf.Entries = insertAt(leaf.Entries, upperBound(leaf.Entries, key), entry)
	m.touch(leaf)

	for _, step := range loc.path {
		parent, err := m.load(step.nodeID)
		if err != nil {
			return fmt.Errorf("failed to load parent node: %w", err)
		}
		parent.Counts[step.child]++
		m.touch(parent)
	}
	bt.Size++

	return bt.splitUp(m, loc.path, leaf)
}

// splitUp splits node and then each overfull ancestor on path, growing a
// new root when the old one splits.
func (bt *BTree) splitUp(m *mutation, path []pathStep, node *Node) error {
	for level := len(path) - 1; ; level-- {
		if !bt.overfull(node) {
			return nil
		}

		right, sep, err := bt.splitNode(m, node)
		if err != nil {
			return err
		}

		if level < 0 {
			root := m.alloc(false)
			root.Keys = [][]byte{sep}
			root.Children = []int{node.ID, right.ID}
			root.Counts = []uint64{nodeCount(node), nodeCount(right)}
			bt.RootID = root.ID
			return nil
		}

		parent, err := m.load(path[level].nodeID)
		if err != nil {
			return fmt.Errorf("failed to load parent node: %w", err)
		}
		i := path[level].child
		parent.Keys = insertAt(parent.Keys, i, sep)
		parent.Children = insertAt(parent.Children, i+1, right.ID)
		parent.Counts[i] = nodeCount(node)
		parent.Counts = insertAt(parent.Counts, i+1, nodeCount(right))
		m.touch(parent)

		node = parent
	}
}

func (bt *BTree) overfull(n *Node) bool {
	if n.IsLeaf {
		return len(n.Entries) > bt.Options.maxEntries()
	}
	return len(n.Children) > bt.Options.maxChildren()
}

// splitNode moves the upper half of n into a new right sibling and returns
// it with the separator to insert into the parent.
func (bt *BTree) splitNode(m *mutation, n *Node) (*Node, []byte, error) {
	right := m.alloc(n.IsLeaf)
	m.touch(n)

	if n.IsLeaf {
		mid := len(n.Entries) / 2
		right.Entries = append([]Entry(nil), n.Entries[mid:]...)
		n.Entries = n.Entries[:mid:mid]

		right.Prev = n.ID
		right.Next = n.Next
		if n.Next != 0 {
			next, err := m.load(n.Next)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load sibling node: %w", err)
			}
			next.Prev = right.ID
			m.touch(next)
		}
		n.Next = right.ID

		return right, right.Entries[0].Key, nil
	}

	mid := len(n.Keys) / 2
	sep := n.Keys[mid]
	right.Keys = append([][]byte(nil), n.Keys[mid+1:]...)
	right.Children = append([]int(nil), n.Children[mid+1:]...)
	right.Counts = append([]uint64(nil), n.Counts[mid+1:]...)
	n.Keys = n.Keys[:mid:mid]
	n.Children = n.Children[: mid+1 : mid+1]
	n.Counts = n.Counts[: mid+1 : mid+1]

	return right, sep, nil
}
