// Package badger persists session fields in a badger database, one key per
// field under a common prefix.
package badger

import (
	"errors"
	"os"
	"strings"

	"github.com/Hubmakerlabs/signet/pkg/slog"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

var log, chk = slog.New(os.Stderr)

const Prefix = "signet/session/"

var ErrNotFound = errors.New("store: field not set")

type Backend struct {
	Path string
	// InMemory keeps everything in memory, Path is ignored.
	InMemory bool
	// LogLevel is passed through to badger's own logging.
	LogLevel int
	*badger.DB
}

// New returns an unopened backend at path. An empty path means in memory.
func New(path string) *Backend {
	return &Backend{Path: path, InMemory: path == "", LogLevel: slog.Warn}
}

func (b *Backend) Init() (err error) {
	var opts badger.Options
	if b.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err = os.MkdirAll(b.Path, 0700); chk.E(err) {
			return
		}
		opts = badger.DefaultOptions(b.Path)
		log.D.Ln("opening session store at", b.Path)
	}
	opts.Compression = options.None
	opts.Logger = logger{b.LogLevel, "session store"}
	if b.DB, err = badger.Open(opts); chk.E(err) {
		return
	}
	return
}

func (b *Backend) Close() (err error) {
	if b.DB == nil {
		return
	}
	err = b.DB.Close()
	b.DB = nil
	return
}

func key(field string) []byte { return []byte(Prefix + field) }

// Put writes fields in one transaction. Empty values delete the field.
func (b *Backend) Put(fields map[string]string) (err error) {
	return b.Update(func(txn *badger.Txn) (err error) {
		for f, v := range fields {
			if v == "" {
				if err = txn.Delete(key(f)); err != nil {
					return
				}
				continue
			}
			if err = txn.Set(key(f), []byte(v)); err != nil {
				return
			}
		}
		return
	})
}

func (b *Backend) Get(field string) (v string, err error) {
	err = b.View(func(txn *badger.Txn) (err error) {
		var item *badger.Item
		if item, err = txn.Get(key(field)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				err = ErrNotFound
			}
			return
		}
		var val []byte
		if val, err = item.ValueCopy(nil); err != nil {
			return
		}
		v = string(val)
		return
	})
	return
}

// All returns every stored field.
func (b *Backend) All() (fields map[string]string, err error) {
	fields = make(map[string]string)
	err = b.View(func(txn *badger.Txn) (err error) {
		prefix := []byte(Prefix)
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   16,
			Prefix:         prefix,
		})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var val []byte
			if val, err = item.ValueCopy(nil); err != nil {
				return
			}
			fields[strings.TrimPrefix(string(item.Key()), Prefix)] = string(val)
		}
		return
	})
	return
}

// Clear removes every stored field.
func (b *Backend) Clear() (err error) {
	if err = b.DropPrefix([]byte(Prefix)); chk.E(err) {
		return
	}
	log.D.Ln("session store cleared")
	return
}
