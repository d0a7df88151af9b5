package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"nutelladb/btree"
	"nutelladb/collection"
	"nutelladb/logging"
	"nutelladb/serialization"
)

var (
	ErrCollectionExists   = errors.New("database: collection already exists")
	ErrCollectionNotFound = errors.New("database: collection not found")
)

// CollectionManifest records where a collection lives, the options its
// trees were created with and the fields of each of its indexes.
type CollectionManifest struct {
	Dir     string              `json:"dir"`
	Options btree.Options       `json:"options"`
	Indexes map[string][]string `json:"indexes,omitempty"`
}

// DBManifest tracks the DB ID plus the collections stored under it.
type DBManifest struct {
	DBID        string                        `json:"db_id"`
	Collections map[string]CollectionManifest `json:"collections"`
}

// Database wraps the manifest plus loaded collection objects
type Database struct {
	manifestPath string
	manifest     DBManifest
	collections  *xsync.MapOf[string, *collection.Collection]
	serializer   serialization.ObjectSerializer
	log          logging.Logger
	lock         sync.RWMutex
}

// NewDatabase creates the database directory and manifest, or opens them
// if they already exist.
func NewDatabase(dbPath string, dbID string, log logging.Logger) (*Database, error) {
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	manifestPath := filepath.Join(dbPath, "manifest.json")
	db := newDatabase(manifestPath, DBManifest{
		DBID:        dbID,
		Collections: make(map[string]CollectionManifest),
	}, log)

	if _, err := os.Stat(manifestPath); err == nil {
		if _, err := db.LoadManifest(); err != nil {
			return nil, fmt.Errorf("failed to load manifest: %w", err)
		}
	} else {
		if err := db.SaveManifest(); err != nil {
			return nil, fmt.Errorf("failed to create new manifest: %w", err)
		}
	}

	return db, nil
}

// LoadDatabase opens an existing database. Collections are opened lazily.
func LoadDatabase(dbPath string, log logging.Logger) (*Database, error) {
	db := newDatabase(filepath.Join(dbPath, "manifest.json"), DBManifest{}, log)
	if _, err := db.LoadManifest(); err != nil {
		return nil, err
	}
	return db, nil
}

func newDatabase(manifestPath string, m DBManifest, log logging.Logger) *Database {
	if log == nil {
		log = logging.Discard()
	}
	return &Database{
		manifestPath: manifestPath,
		manifest:     m,
		collections:  xsync.NewMapOf[string, *collection.Collection](),
		serializer:   serialization.NewDocumentSerializer(),
		log:          log,
	}
}

func (db *Database) ID() string {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return db.manifest.DBID
}

func (db *Database) baseDir() string {
	return filepath.Dir(db.manifestPath)
}

// CreateCollection creates a subdir for this collection's trees
func (db *Database) CreateCollection(name string, opts btree.Options) error {
	if err := collection.ValidateName(name); err != nil {
		return err
	}

	db.lock.Lock()
	defer db.lock.Unlock()

	if _, exists := db.manifest.Collections[name]; exists {
		return fmt.Errorf("%w: %q", ErrCollectionExists, name)
	}

	subDir := filepath.Join(db.baseDir(), name)
	coll, err := collection.Open(name, subDir, opts, db.serializer, db.log, 0)
	if err != nil {
		return fmt.Errorf("failed to create collection %q: %w", name, err)
	}
	db.collections.Store(name, coll)

	db.manifest.Collections[name] = CollectionManifest{
		Dir:     name,
		Options: coll.TreeOptions(),
	}
	if err := db.SaveManifest(); err != nil {
		return fmt.Errorf("failed to save manifest after creating collection: %w", err)
	}

	db.log.Info("collection created", "db", db.manifest.DBID, "collection", name)
	return nil
}

// GetCollection loads (if not already loaded) or returns a handle to the
// named collection, reattaching the indexes recorded in the manifest.
func (db *Database) GetCollection(name string) (*collection.Collection, error) {
	if coll, ok := db.collections.Load(name); ok {
		return coll, nil
	}

	db.lock.Lock()
	defer db.lock.Unlock()

	if coll, ok := db.collections.Load(name); ok {
		return coll, nil
	}

	cm, exists := db.manifest.Collections[name]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}

	coll, err := collection.Open(name, filepath.Join(db.baseDir(), cm.Dir), cm.Options, db.serializer, db.log, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %q: %w", name, err)
	}
	for idxName, fields := range cm.Indexes {
		if _, err := coll.OpenIndex(idxName, fields...); err != nil {
			_ = coll.Close()
			return nil, fmt.Errorf("failed to open index %q of collection %q: %w", idxName, name, err)
		}
	}

	db.collections.Store(name, coll)
	return coll, nil
}

// DropCollection closes the collection and removes it with its files.
func (db *Database) DropCollection(name string) error {
	coll, err := db.GetCollection(name)
	if err != nil {
		return err
	}

	db.lock.Lock()
	defer db.lock.Unlock()

	db.collections.Delete(name)
	delete(db.manifest.Collections, name)
	if err := db.SaveManifest(); err != nil {
		return err
	}
	return coll.Drop()
}

// CreateIndex builds an index on the collection and records it in the
// manifest so it is reopened with the collection.
func (db *Database) CreateIndex(ctx context.Context, collName, name string, fields ...string) error {
	coll, err := db.GetCollection(collName)
	if err != nil {
		return err
	}
	if _, err := coll.CreateIndex(ctx, name, fields...); err != nil {
		return err
	}

	db.lock.Lock()
	defer db.lock.Unlock()

	cm := db.manifest.Collections[collName]
	if cm.Indexes == nil {
		cm.Indexes = make(map[string][]string)
	}
	cm.Indexes[name] = append([]string(nil), fields...)
	db.manifest.Collections[collName] = cm
	return db.SaveManifest()
}

// DropIndex removes an index from the collection and the manifest.
func (db *Database) DropIndex(collName, name string) error {
	coll, err := db.GetCollection(collName)
	if err != nil {
		return err
	}
	if err := coll.DropIndex(name); err != nil {
		return err
	}

	db.lock.Lock()
	defer db.lock.Unlock()

	cm := db.manifest.Collections[collName]
	delete(cm.Indexes, name)
	db.manifest.Collections[collName] = cm
	return db.SaveManifest()
}

// GetAllCollections returns the collection names in ascending order.
func (db *Database) GetAllCollections() ([]string, error) {
	db.lock.Lock()
	defer db.lock.Unlock()

	manifest, err := db.LoadManifest()
	if err != nil {
		return nil, err
	}

	collections := make([]string, 0, len(manifest.Collections))
	for name := range manifest.Collections {
		collections = append(collections, name)
	}
	sort.Strings(collections)
	return collections, nil
}

func (db *Database) SaveManifest() error {
	data, err := json.MarshalIndent(db.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	tmp := db.manifestPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return os.Rename(tmp, db.manifestPath)
}

func (db *Database) LoadManifest() (DBManifest, error) {
	data, err := os.ReadFile(db.manifestPath)
	if err != nil {
		return DBManifest{}, fmt.Errorf("failed to read manifest file: %w", err)
	}
	var m DBManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return DBManifest{}, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	if m.Collections == nil {
		m.Collections = make(map[string]CollectionManifest)
	}
	db.manifest = m
	return m, nil
}

// Close closes all loaded collections
func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	var errs []error
	db.collections.Range(func(name string, coll *collection.Collection) bool {
		if err := coll.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed closing collection %q: %w", name, err))
		}
		db.collections.Delete(name)
		return true
	})
	if err := db.SaveManifest(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ListDatabases returns the ids of the databases under root.
func ListDatabases(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var dbIDs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		manifest := filepath.Join(root, e.Name(), "manifest.json")
		if _, err := os.Stat(manifest); err == nil {
			dbIDs = append(dbIDs, e.Name())
		}
	}
	return dbIDs, nil
}
