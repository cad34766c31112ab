// Package journal provides the append-only audit record of node and
// session events, kept in a local BoltDB file separate from the
// relational store. Entries are written once and never mutated.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/pureboot/pureboot/pkg/types"
)

var (
	bucketNodes = []byte("node_events") // sub-bucket per node, key = seq
	bucketTail  = []byte("tail")        // global ordering, key = seq
)

// Journal is a bbolt-backed append-only event log.
type Journal struct {
	db *bolt.DB
}

// Open opens (or creates) the journal database under dataDir.
func Open(dataDir string) (*Journal, error) {
	dbPath := filepath.Join(dataDir, "journal.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketTail} {
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

	return &Journal{db: db}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append writes one event to the node's log and the global tail.
func (j *Journal) Append(event *types.NodeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		nb, err := nodes.CreateBucketIfNotExists([]byte(event.NodeID))
		if err != nil {
			return err
		}
		seq, err := nb.NextSequence()
		if err != nil {
			return err
		}
		if err := nb.Put(seqKey(seq), data); err != nil {
			return err
		}

		tail := tx.Bucket(bucketTail)
		gseq, err := tail.NextSequence()
		if err != nil {
			return err
		}
		return tail.Put(seqKey(gseq), data)
	})
}

// ListByNode returns the node's events oldest-first. A limit of 0 means
// no limit.
func (j *Journal) ListByNode(nodeID string, limit int) ([]*types.NodeEvent, error) {
	var events []*types.NodeEvent
	err := j.db.View(func(tx *bolt.Tx) error {
		nb := tx.Bucket(bucketNodes).Bucket([]byte(nodeID))
		if nb == nil {
			return nil
		}
		return nb.ForEach(func(k, v []byte) error {
			if limit > 0 && len(events) >= limit {
				return nil
			}
			var event types.NodeEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
			return nil
		})
	})
	return events, err
}

// Tail returns the most recent events across all nodes, newest-first.
func (j *Journal) Tail(limit int) ([]*types.NodeEvent, error) {
	var events []*types.NodeEvent
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTail).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var event types.NodeEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
		}
		return nil
	})
	return events, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
