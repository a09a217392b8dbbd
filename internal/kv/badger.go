package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
)

// BadgerStore is the production Store implementation, backed by an embedded
// Badger database. Grounded on the teacher's internal/queue/badger_manager.go
// use of Badger as the sole durable local store.
type BadgerStore struct {
	db     *badger.DB
	logger arbor.ILogger
}

// NewBadgerStore opens (creating if absent) a Badger database at path.
func NewBadgerStore(path string, logger arbor.ILogger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv store: %w", err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	return value, err
}

func (s *BadgerStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Incr treats a missing or non-numeric value as 0. It does not alter any
// existing TTL on the key; callers that need "INCR then EXPIRE on first
// increment" (the re-verify rate counter) should call Expire themselves.
func (s *BadgerStore) Incr(ctx context.Context, key string) (int64, error) {
	var result int64
	err := s.db.Update(func(txn *badger.Txn) error {
		var current int64
		var expiresAt uint64
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			expiresAt = item.ExpiresAt()
			if verr := item.Value(func(val []byte) error {
				n, perr := strconv.ParseInt(string(val), 10, 64)
				if perr != nil {
					return nil // treat corrupt/non-numeric value as 0
				}
				current = n
				return nil
			}); verr != nil {
				return verr
			}
		case err == badger.ErrKeyNotFound:
			current = 0
		default:
			return err
		}

		result = current + 1
		entry := badger.NewEntry([]byte(key), []byte(strconv.FormatInt(result, 10)))
		entry.ExpiresAt = expiresAt
		return txn.SetEntry(entry)
	})
	return result, err
}

func (s *BadgerStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}

		var value []byte
		if verr := item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		}); verr != nil {
			return verr
		}

		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) readList(txn *badger.Txn, key string) ([]string, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}

	var list []string
	err = item.Value(func(val []byte) error {
		if len(val) == 0 {
			return nil
		}
		return json.Unmarshal(val, &list)
	})
	return list, err
}

// LPush prepends value to the list stored at key. Lists never expire on
// their own; callers manage their lifetime via LTrim/Del.
func (s *BadgerStore) LPush(ctx context.Context, key string, value string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		list, err := s.readList(txn, key)
		if err != nil {
			return err
		}
		list = append([]string{value}, list...)

		encoded, err := json.Marshal(list)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry([]byte(key), encoded))
	})
}

func (s *BadgerStore) LTrim(ctx context.Context, key string, start, stop int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		list, err := s.readList(txn, key)
		if err != nil {
			return err
		}
		trimmed := sliceRange(list, start, stop)

		encoded, err := json.Marshal(trimmed)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry([]byte(key), encoded))
	})
}

func (s *BadgerStore) LRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	var result []string
	err := s.db.View(func(txn *badger.Txn) error {
		list, err := s.readList(txn, key)
		if err != nil {
			return err
		}
		result = sliceRange(list, start, stop)
		return nil
	})
	return result, err
}

func sliceRange(list []string, start, stop int) []string {
	if len(list) == 0 {
		return nil
	}
	if start < 0 {
		start = 0
	}
	if stop >= len(list) {
		stop = len(list) - 1
	}
	if start > stop {
		return []string{}
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out
}

func (s *BadgerStore) Exists(ctx context.Context, key string) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (s *BadgerStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var matches []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if wildcard.Match(pattern, key) {
				matches = append(matches, key)
			}
		}
		return nil
	})
	return matches, err
}

func (s *BadgerStore) Del(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
