package btree

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

var blobMagic = [4]byte{'N', 'B', 'L', 'B'}

const blobHeaderSize = 12

// blobStore keeps values too large for a leaf, one zstd-compressed file per
// value, prefixed with a checksum of the uncompressed bytes.
type blobStore struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newBlobStore(dir string) (*blobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create blob encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, errors.Wrap(err, "failed to create blob decoder")
	}

	return &blobStore{dir: dir, enc: enc, dec: dec}, nil
}

func (s *blobStore) path(id int) string {
	return filepath.Join(s.dir, fmt.Sprintf("blob_%d.bin", id))
}

func (s *blobStore) write(id int, value []byte) error {
	buf := make([]byte, blobHeaderSize, blobHeaderSize+len(value)/2)
	copy(buf, blobMagic[:])
	binary.BigEndian.PutUint64(buf[4:], xxhash.Sum64(value))
	buf = s.enc.EncodeAll(value, buf)

	p := s.path(id)
	if err := writeFileAtomic(p, buf); err != nil {
		return &StorageError{Op: "write", Path: p, Err: err}
	}
	return nil
}

func (s *blobStore) read(id int) ([]byte, error) {
	p := s.path(id)
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: p, Err: err}
	}
	if len(data) < blobHeaderSize || [4]byte(data[:4]) != blobMagic {
		return nil, &StorageError{Op: "read", Path: p, Err: errors.New("bad blob header")}
	}

	value, err := s.dec.DecodeAll(data[blobHeaderSize:], nil)
	if err != nil {
		return nil, &StorageError{Op: "decompress", Path: p, Err: err}
	}
	if sum := binary.BigEndian.Uint64(data[4:]); sum != xxhash.Sum64(value) {
		return nil, &StorageError{Op: "read", Path: p, Err: errors.Errorf("checksum mismatch for blob %d", id)}
	}
	return value, nil
}

func (s *blobStore) remove(id int) error {
	p := s.path(id)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "remove", Path: p, Err: err}
	}
	return nil
}

func (s *blobStore) clear() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return &StorageError{Op: "remove", Path: s.dir, Err: err}
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return &StorageError{Op: "mkdir", Path: s.dir, Err: err}
	}
	return nil
}

func (s *blobStore) close() {
	s.enc.Close()
	s.dec.Close()
}
