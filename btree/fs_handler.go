package btree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

func (bt *BTree) nodePath(id int) string {
	return filepath.Join(bt.PageDir, fmt.Sprintf("page_%d.json", id))
}

func (bt *BTree) saveNode(node *Node) error {
	nodePath := bt.nodePath(node.ID)
	data, err := json.MarshalIndent(node, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal node %d", node.ID)
	}

	if err := writeFileAtomic(nodePath, data); err != nil {
		return &StorageError{Op: "write", Path: nodePath, Err: err}
	}

	bt.nodeCache.Insert(node.ID, node)
	return nil
}

func (bt *BTree) loadNode(id int) (*Node, error) {
	if node, ok := bt.nodeCache.Find(id); ok {
		return node, nil
	}

	nodePath := bt.nodePath(id)
	data, err := os.ReadFile(nodePath)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: nodePath, Err: err}
	}

	node := &Node{}
	if err := json.Unmarshal(data, node); err != nil {
		return nil, &StorageError{Op: "parse", Path: nodePath, Err: errors.Wrapf(err, "page %d", id)}
	}
	if node.ID != id {
		return nil, &StorageError{Op: "parse", Path: nodePath, Err: errors.Errorf("page holds node %d", node.ID)}
	}

	bt.nodeCache.Insert(id, node)
	return node, nil
}

func (bt *BTree) deleteNode(id int) error {
	bt.nodeCache.Delete(id)

	nodePath := bt.nodePath(id)
	if err := os.Remove(nodePath); err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "remove", Path: nodePath, Err: err}
	}
	return nil
}

// writeFileAtomic replaces path with data through a rename so that a crash
// never leaves a half-written page behind.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
