package btree

import "time"

const (
	DefaultOrder           = 16
	DefaultBlobThreshold   = 4096
	DefaultInlineSizeLimit = 512
	DefaultLockTimeout     = 30 * time.Second
	DefaultCacheSize       = 256
)

// Options configures a tree. Order, BlobThreshold and InlineSizeLimit are
// physical properties and are fixed once the tree exists on disk;
// LockTimeout and CacheSize apply to the open handle only.
type Options struct {
	// Order is the minimum degree: nodes hold at most 2*Order-1 entries
	// (leaves) or 2*Order children (internal nodes).
	Order int `json:"order"`

	// Values larger than BlobThreshold bytes are stored in the blob area
	// instead of inline in their leaf.
	BlobThreshold int `json:"blob_threshold"`

	// Keys longer than InlineSizeLimit bytes are rejected.
	InlineSizeLimit int `json:"inline_size_limit"`

	LockTimeout time.Duration `json:"lock_timeout"`
	CacheSize   int           `json:"cache_size"`

	// Encrypted is carried for compatibility with stores that request it;
	// opening a tree with it set fails with ErrEncryptionUnsupported.
	Encrypted bool `json:"encrypted,omitempty"`
}

// DefaultOptions returns the options used for zero-valued fields.
func DefaultOptions() Options {
	return Options{
		Order:           DefaultOrder,
		BlobThreshold:   DefaultBlobThreshold,
		InlineSizeLimit: DefaultInlineSizeLimit,
		LockTimeout:     DefaultLockTimeout,
		CacheSize:       DefaultCacheSize,
	}
}

// WithDefaults fills zero-valued fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.Order <= 0 {
		o.Order = d.Order
	}
	if o.BlobThreshold <= 0 {
		o.BlobThreshold = d.BlobThreshold
	}
	if o.InlineSizeLimit <= 0 {
		o.InlineSizeLimit = d.InlineSizeLimit
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = d.LockTimeout
	}
	if o.CacheSize <= 0 {
		o.CacheSize = d.CacheSize
	}
	return o
}

func (o Options) maxEntries() int {
	return 2*o.Order - 1
}

func (o Options) minEntries() int {
	return o.Order - 1
}

func (o Options) maxChildren() int {
	return 2 * o.Order
}

func (o Options) minChildren() int {
	return o.Order
}
