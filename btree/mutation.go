package btree

import "sort"

// mutation collects the pages touched by one mutating primitive so they can
// be written together. It must only be used with mu write-held.
type mutation struct {
	bt         *BTree
	dirty      map[int]*Node
	freed      []int
	newBlobs   []int
	freedBlobs []int
}

func (bt *BTree) begin() *mutation {
	bt.version.Add(1)
	return &mutation{bt: bt, dirty: make(map[int]*Node)}
}

func (m *mutation) load(id int) (*Node, error) {
	if n, ok := m.dirty[id]; ok {
		return n, nil
	}
	return m.bt.loadNode(id)
}

func (m *mutation) touch(nodes ...*Node) {
	for _, n := range nodes {
		m.dirty[n.ID] = n
	}
}

func (m *mutation) alloc(isLeaf bool) *Node {
	n := &Node{ID: m.bt.allocateNodeID(), IsLeaf: isLeaf}
	m.dirty[n.ID] = n
	return n
}

func (m *mutation) free(id int) {
	delete(m.dirty, id)
	m.freed = append(m.freed, id)
}

func (m *mutation) writeBlob(value []byte) (int, error) {
	id := m.bt.NextBlobID
	m.bt.NextBlobID++
	if err := m.bt.blobs.write(id, value); err != nil {
		return 0, err
	}
	m.newBlobs = append(m.newBlobs, id)
	return id, nil
}

func (m *mutation) freeBlob(id int) {
	m.freedBlobs = append(m.freedBlobs, id)
}

func (m *mutation) commit() error {
	ids := make([]int, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		if err := m.bt.saveNode(m.dirty[id]); err != nil {
			m.rollback()
			return err
		}
	}
	for _, id := range m.freed {
		if err := m.bt.deleteNode(id); err != nil {
			m.rollback()
			return err
		}
	}
	if err := m.bt.saveMetadata(); err != nil {
		m.rollback()
		return err
	}

	for _, id := range m.freedBlobs {
		// An orphaned blob is harmless; the entry referencing it is gone.
		_ = m.bt.blobs.remove(id)
	}
	return nil
}

func (m *mutation) rollback() {
	for _, id := range m.newBlobs {
		_ = m.bt.blobs.remove(id)
	}
	m.bt.discardChanges()
}
