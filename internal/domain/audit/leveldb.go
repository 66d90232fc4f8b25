package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	headKey     = []byte("head")
	entryPrefix = []byte("entry/")
)

type chainHead struct {
	Sequence int64  `json:"sequence"`
	Hash     string `json:"hash"`
}

// LevelDBSink is a local append-only log for single-node deployments. Each
// append writes the entry and the new chain head in one synced batch.
type LevelDBSink struct {
	mu   sync.Mutex
	db   *leveldb.DB
	head chainHead
}

func OpenLevelDB(path string) (*LevelDBSink, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	s := &LevelDBSink{db: db, head: chainHead{Hash: GenesisHash}}
	raw, err := db.Get(headKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("read audit chain head: %w", err)
	default:
		if err := json.Unmarshal(raw, &s.head); err != nil {
			db.Close()
			return nil, fmt.Errorf("decode audit chain head: %w", err)
		}
	}
	return s, nil
}

func entryKey(seq int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", entryPrefix, seq))
}

func (s *LevelDBSink) Append(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := e.seal(s.head.Sequence, s.head.Hash); err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	next := chainHead{Sequence: e.Sequence, Hash: e.Hash}
	head, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode audit chain head: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(e.Sequence), body)
	batch.Put(headKey, head)
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	s.head = next
	return nil
}

func (s *LevelDBSink) List(ctx context.Context, f Filter) ([]Entry, error) {
	iter := s.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer iter.Release()

	var out []Entry
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry %s: %w", iter.Key(), err)
		}
		if f.match(&e) {
			out = append(out, e)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return page(out, f), nil
}

func (s *LevelDBSink) Close() error {
	return s.db.Close()
}
