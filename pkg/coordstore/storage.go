package coordstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketNodes = []byte("coordstore_nodes")

// boltMirror durably mirrors the committed tree into go.etcd.io/bbolt: Raft's
// own log/snapshot stores (raft-boltdb, raft.FileSnapshotStore) are enough
// for correctness, but a flat key/path index lets a freshly started node
// answer GetData/Exists before Raft has finished replaying, and gives
// operators a bolt file they can inspect directly.
type boltMirror struct {
	db *bolt.DB
}

func newBoltMirror(dataDir string) (*boltMirror, error) {
	dbPath := filepath.Join(dataDir, "coordstore.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("coordstore: open bolt mirror: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNodes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltMirror{db: db}, nil
}

func (m *boltMirror) put(n *Node) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(n.Path), data)
	})
}

func (m *boltMirror) delete(path string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(path))
	})
}

func (m *boltMirror) loadAll() (map[string]*Node, error) {
	out := make(map[string]*Node)
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out[n.Path] = &n
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("coordstore: load bolt mirror: %w", err)
	}
	return out, nil
}

func (m *boltMirror) close() error {
	return m.db.Close()
}
