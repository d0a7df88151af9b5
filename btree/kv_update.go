package btree

import (
	"bytes"
	"fmt"
)

// UpdateLocked replaces the value of the first entry stored under key.
func (bt *BTree) UpdateLocked(key, value []byte) error {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if err := bt.checkLocked(); err != nil {
		return err
	}

	_, leaf, pos, err := seek(bt.loadNode, bt.RootID, key)
	if err != nil {
		return err
	}
	if pos >= len(leaf.Entries) || !bytes.Equal(leaf.Entries[pos].Key, key) {
		return ErrNotFound
	}

	m := bt.begin()
	old := leaf.Entries[pos]
	entry := Entry{Key: old.Key}
	if len(value) > bt.Options.BlobThreshold {
		if entry.BlobID, err = m.writeBlob(value); err != nil {
			m.rollback()
			return fmt.Errorf("failed to update key: %w", err)
		}
	} else {
		entry.Value = cloneBytes(value)
	}
	if old.BlobID != 0 {
		m.freeBlob(old.BlobID)
	}

	leaf.Entries[pos] = entry
	m.touch(leaf)
	return m.commit()
}
