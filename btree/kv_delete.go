package btree

import (
	"bytes"
	"fmt"
)

// DeleteLocked removes one entry matching key, or the first entry starting
// with key when byPrefix is set. It reports whether an entry was removed.
func (bt *BTree) DeleteLocked(key []byte, byPrefix bool) (bool, error) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if err := bt.checkLocked(); err != nil {
		return false, err
	}
	if len(key) == 0 && !byPrefix {
		return false, ErrEmptyKey
	}

	path, leaf, pos, err := seek(bt.loadNode, bt.RootID, key)
	if err != nil {
		return false, err
	}
	if pos >= len(leaf.Entries) {
		return false, nil
	}
	found := leaf.Entries[pos].Key
	if byPrefix && !bytes.HasPrefix(found, key) || !byPrefix && !bytes.Equal(found, key) {
		return false, nil
	}

	m := bt.begin()
	if err := bt.deleteAt(m, path, leaf, pos); err != nil {
		m.rollback()
		return false, err
	}
	if err := m.commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (bt *BTree) deleteAt(m *mutation, path []pathStep, leaf *Node, pos int) error {
	if id := leaf.Entries[pos].BlobID; id != 0 {
		m.freeBlob(id)
	}
	leaf.Entries = removeAt(leaf.Entries, pos)
	m.touch(leaf)

	for _, step := range path {
		parent, err := m.load(step.nodeID)
		if err != nil {
			return fmt.Errorf("failed to load parent node: %w", err)
		}
		parent.Counts[step.child]--
		m.touch(parent)
	}
	bt.Size--

	node := leaf
	for level := len(path) - 1; level >= 0; level-- {
		if !bt.underfull(node) {
			break
		}
		parent, err := m.load(path[level].nodeID)
		if err != nil {
			return fmt.Errorf("failed to load parent node: %w", err)
		}
		if err := bt.rebalance(m, parent, path[level].child, node); err != nil {
			return err
		}
		node = parent
	}

	root, err := m.load(bt.RootID)
	if err != nil {
		return fmt.Errorf("failed to load root node: %w", err)
	}
	for !root.IsLeaf && len(root.Children) == 1 {
		m.free(root.ID)
		bt.RootID = root.Children[0]
		if root, err = m.load(bt.RootID); err != nil {
			return fmt.Errorf("failed to load root node: %w", err)
		}
	}
	return nil
}

func (bt *BTree) underfull(n *Node) bool {
	if n.IsLeaf {
		return len(n.Entries) < bt.Options.minEntries()
	}
	return len(n.Children) < bt.Options.minChildren()
}

func (bt *BTree) canLend(n *Node) bool {
	if n.IsLeaf {
		return len(n.Entries) > bt.Options.minEntries()
	}
	return len(n.Children) > bt.Options.minChildren()
}

// rebalance fixes the underfull child at index i of parent by borrowing
// from a sibling, or merging with one when neither can lend.
func (bt *BTree) rebalance(m *mutation, parent *Node, i int, node *Node) error {
	var left, right *Node
	var err error

	if i > 0 {
		if left, err = m.load(parent.Children[i-1]); err != nil {
			return fmt.Errorf("failed to load sibling node: %w", err)
		}
		if bt.canLend(left) {
			borrowFromLeft(parent, i, left, node)
			m.touch(parent, left, node)
			return nil
		}
	}
	if i+1 < len(parent.Children) {
		if right, err = m.load(parent.Children[i+1]); err != nil {
			return fmt.Errorf("failed to load sibling node: %w", err)
		}
		if bt.canLend(right) {
			borrowFromRight(parent, i, node, right)
			m.touch(parent, node, right)
			return nil
		}
	}

	if left != nil {
		return bt.merge(m, parent, i-1, left, node)
	}
	if right != nil {
		return bt.merge(m, parent, i, node, right)
	}
	return nil
}

func borrowFromLeft(parent *Node, i int, left, node *Node) {
	if node.IsLeaf {
		last := len(left.Entries) - 1
		node.Entries = insertAt(node.Entries, 0, left.Entries[last])
		left.Entries = removeAt(left.Entries, last)
		parent.Keys[i-1] = node.Entries[0].Key
		parent.Counts[i-1]--
		parent.Counts[i]++
		return
	}

	last := len(left.Children) - 1
	moved := left.Counts[last]
	node.Keys = insertAt(node.Keys, 0, parent.Keys[i-1])
	node.Children = insertAt(node.Children, 0, left.Children[last])
	node.Counts = insertAt(node.Counts, 0, moved)
	parent.Keys[i-1] = left.Keys[last-1]
	left.Keys = removeAt(left.Keys, last-1)
	left.Children = removeAt(left.Children, last)
	left.Counts = removeAt(left.Counts, last)
	parent.Counts[i-1] -= moved
	parent.Counts[i] += moved
}

func borrowFromRight(parent *Node, i int, node, right *Node) {
	if node.IsLeaf {
		node.Entries = append(node.Entries, right.Entries[0])
		right.Entries = removeAt(right.Entries, 0)
		parent.Keys[i] = right.Entries[0].Key
		parent.Counts[i]++
		parent.Counts[i+1]--
		return
	}

	moved := right.Counts[0]
	node.Keys = append(node.Keys, parent.Keys[i])
	node.Children = append(node.Children, right.Children[0])
	node.Counts = append(node.Counts, moved)
	parent.Keys[i] = right.Keys[0]
	right.Keys = removeAt(right.Keys, 0)
	right.Children = removeAt(right.Children, 0)
	right.Counts = removeAt(right.Counts, 0)
	parent.Counts[i] += moved
	parent.Counts[i+1] -= moved
}

// merge folds right into left; sep is the index of their separator in
// parent.
func (bt *BTree) merge(m *mutation, parent *Node, sep int, left, right *Node) error {
	if left.IsLeaf {
		left.Entries = append(left.Entries, right.Entries...)
		left.Next = right.Next
		if right.Next != 0 {
			next, err := m.load(right.Next)
			if err != nil {
				return fmt.Errorf("failed to load sibling node: %w", err)
			}
			next.Prev = left.ID
			m.touch(next)
		}
	} else {
		left.Keys = append(left.Keys, parent.Keys[sep])
		left.Keys = append(left.Keys, right.Keys...)
		left.Children = append(left.Children, right.Children...)
		left.Counts = append(left.Counts, right.Counts...)
	}

	parent.Keys = removeAt(parent.Keys, sep)
	parent.Children = removeAt(parent.Children, sep+1)
	parent.Counts = removeAt(parent.Counts, sep+1)
	parent.Counts[sep] = nodeCount(left)

	m.touch(parent, left)
	m.free(right.ID)
	return nil
}
