package localblob

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/dgraph-io/badger/v3"

	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/platform/blob"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Values are stored as a big-endian CRC32C of the content followed by the
// content itself.
const sumLen = 4

// Store keeps blobs in a local badger database. It backs local development
// and tests where no bucket is available.
type Store struct {
	db   *badger.DB
	log  *logger.Logger
	path string
}

var _ blob.Store = (*Store)(nil)

// Open opens the database at path, or an in-memory one when path is empty.
func Open(path string, log *logger.Logger) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	s := &Store{db: db, log: log.With("service", "LocalBlobStore"), path: path}
	s.log.Info("Local object storage opened", "path", path, "in_memory", path == "")
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val := make([]byte, sumLen+len(data))
	binary.BigEndian.PutUint32(val, crc32.Checksum(data, crc32cTable))
	copy(val[sumLen:], data)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
	if err != nil {
		return apperr.Transient("badger put "+key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("local object %q: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Transient("badger get "+key, err)
	}
	return unframe(key, data)
}

func unframe(key string, val []byte) ([]byte, error) {
	if len(val) < sumLen {
		return nil, fmt.Errorf("local object %q: truncated value: %w", key, apperr.ErrInvariant)
	}
	want := binary.BigEndian.Uint32(val)
	data := val[sumLen:]
	if got := crc32.Checksum(data, crc32cTable); got != want {
		return nil, fmt.Errorf("local object %q: crc32c %08x != stored %08x: %w", key, got, want, apperr.ErrInvariant)
	}
	return data, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Transient("badger exists "+key, err)
	}
	return true, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	out := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Transient("badger list "+prefix, err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return apperr.Transient("badger delete "+key, err)
	}
	return nil
}
