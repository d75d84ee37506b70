package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/types"
)

var (
	// Bucket names
	bucketApps       = []byte("apps")
	bucketTaskLog    = []byte("tasklog")
	bucketProxyPlans = []byte("proxy_plans")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// type check: BoltStore implements Store
var _ Store = &BoltStore{}

// NewBoltStore opens <dataDir>/<name>.db, creating the directory and buckets
// as needed. Each tier uses its own file name.
func NewBoltStore(dataDir, name string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, name+".db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketApps, bucketTaskLog, bucketProxyPlans} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return errdefs.Wrap(errdefs.ErrNotFound, "%s %s", bucket, key)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// list decodes every value of bucket with decode
func (s *BoltStore) list(bucket []byte, decode func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			return decode(v)
		})
	})
}

// App operations
func (s *BoltStore) PutApp(spec *types.AppSpec) error {
	return s.put(bucketApps, spec.Name, spec)
}

func (s *BoltStore) GetApp(name string) (*types.AppSpec, error) {
	var spec types.AppSpec
	if err := s.get(bucketApps, name, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *BoltStore) ListApps() ([]*types.AppSpec, error) {
	var apps []*types.AppSpec
	err := s.list(bucketApps, func(v []byte) error {
		var spec types.AppSpec
		if err := json.Unmarshal(v, &spec); err != nil {
			return err
		}
		apps = append(apps, &spec)
		return nil
	})
	return apps, err
}

func (s *BoltStore) DeleteApp(name string) error {
	return s.delete(bucketApps, name)
}

// Task log operations
func (s *BoltStore) PutTask(entry *types.TaskLogEntry) error {
	return s.put(bucketTaskLog, entry.PlanUID, entry)
}

func (s *BoltStore) GetTask(planUID string) (*types.TaskLogEntry, error) {
	var entry types.TaskLogEntry
	if err := s.get(bucketTaskLog, planUID, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListTasks() ([]*types.TaskLogEntry, error) {
	var entries []*types.TaskLogEntry
	err := s.list(bucketTaskLog, func(v []byte) error {
		var entry types.TaskLogEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		entries = append(entries, &entry)
		return nil
	})
	return entries, err
}

func (s *BoltStore) DeleteTask(planUID string) error {
	return s.delete(bucketTaskLog, planUID)
}

// Proxy plan operations
func (s *BoltStore) PutProxy(entry *types.ProxyEntry) error {
	return s.put(bucketProxyPlans, entry.PlanUID, entry)
}

func (s *BoltStore) GetProxy(planUID string) (*types.ProxyEntry, error) {
	var entry types.ProxyEntry
	if err := s.get(bucketProxyPlans, planUID, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListProxies() ([]*types.ProxyEntry, error) {
	var entries []*types.ProxyEntry
	err := s.list(bucketProxyPlans, func(v []byte) error {
		var entry types.ProxyEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		entries = append(entries, &entry)
		return nil
	})
	return entries, err
}

func (s *BoltStore) DeleteProxy(planUID string) error {
	return s.delete(bucketProxyPlans, planUID)
}
