// Package store persists mining events in a local bolt database so that archives
// fetched once can be analysed repeatedly over arbitrary windows.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/qj0r9j0vc2/selfish-mining-detector/pkg/types"
)

var (
	// eventBucket holds every event keyed by time then ingest sequence, so a cursor
	// walk yields events in time order with ties in ingest order.
	eventBucket = []byte("events")

	// hashBucket indexes stored block hashes for deduplication.
	hashBucket = []byte("hashes")

	// ErrNotFound is returned when the database holds no events at all.
	ErrNotFound = errors.New("no events stored")

	byteOrder = binary.BigEndian
)

// Store is a bolt backed event store
type Store struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens or creates the database at path
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{eventBucket, hashBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialise store: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database
func (s *Store) Close() error { return s.db.Close() }

// Put stores events and returns how many were new. Events whose hash is already
// stored are skipped; events without a hash are always stored.
func (s *Store) Put(ctx context.Context, events []types.MiningEvent) (int, error) {
	added := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		evs := tx.Bucket(eventBucket)
		hashes := tx.Bucket(hashBucket)

		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return err
			}

			var hk []byte
			if ev.Hash != "" {
				hk = hashKey(ev.Hash)
				if hashes.Get(hk) != nil {
					continue
				}
			}

			seq, err := evs.NextSequence()
			if err != nil {
				return err
			}
			key := eventKey(ev.Time, seq)

			var b bytes.Buffer
			if err := encodeEvent(&b, ev); err != nil {
				return err
			}
			if err := evs.Put(key, b.Bytes()); err != nil {
				return err
			}
			if hk != nil {
				if err := hashes.Put(hk, key); err != nil {
					return err
				}
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store events: %w", err)
	}

	s.logger.Debug("stored events",
		zap.Int("received", len(events)),
		zap.Int("added", added))
	return added, nil
}

// Events returns the stored events with from <= time < to in time order. A zero from
// or to leaves that side of the window open.
func (s *Store) Events(ctx context.Context, from, to time.Time) ([]types.MiningEvent, error) {
	var events []types.MiningEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventBucket).Cursor()

		var k, v []byte
		if from.IsZero() {
			k, v = c.First()
		} else {
			k, v = c.Seek(eventKey(from, 0))
		}

		var end []byte
		if !to.IsZero() {
			end = eventKey(to, 0)
		}

		for ; k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			ev, err := decodeEvent(bytes.NewReader(v))
			if err != nil {
				return fmt.Errorf("corrupt event %x: %w", k, err)
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Count returns the number of stored events
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(eventBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Source adapts a store window to an event source
type Source struct {
	store    *Store
	from, to time.Time
	name     string
}

// NewSource returns a source reading events in [from, to) from store
func NewSource(store *Store, from, to time.Time) *Source {
	name := "store"
	if !from.IsZero() || !to.IsZero() {
		name = fmt.Sprintf("store %s..%s", formatBound(from), formatBound(to))
	}
	return &Source{store: store, from: from, to: to, name: name}
}

// Events loads the window
func (s *Source) Events(ctx context.Context) (types.EventSeries, error) {
	events, err := s.store.Events(ctx, s.from, s.to)
	if err != nil {
		return types.EventSeries{}, err
	}
	if len(events) == 0 {
		if n, err := s.store.Count(); err == nil && n == 0 {
			return types.EventSeries{}, ErrNotFound
		}
	}
	return types.EventSeries{Name: s.name, Events: events}, nil
}

// Close closes the store
func (s *Source) Close() error { return s.store.Close() }

func formatBound(t time.Time) string {
	if t.IsZero() {
		return "*"
	}
	return t.UTC().Format(time.DateOnly)
}

// eventKey orders keys by time. The sign bit of the nanosecond timestamp is flipped
// so negative times sort before positive ones.
func eventKey(t time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	byteOrder.PutUint64(key[:8], uint64(unixNano(t))^(1<<63))
	byteOrder.PutUint64(key[8:], seq)
	return key
}

// unixNano clamps times outside the int64 nanosecond range
func unixNano(t time.Time) int64 {
	switch {
	case t.Before(time.Unix(0, math.MinInt64)):
		return math.MinInt64
	case t.After(time.Unix(0, math.MaxInt64)):
		return math.MaxInt64
	}
	return t.UnixNano()
}

// hashKey uses the raw digest for block hashes and the literal string otherwise
func hashKey(hash string) []byte {
	if h, err := chainhash.NewHashFromStr(hash); err == nil && len(hash) == 2*chainhash.HashSize {
		return h[:]
	}
	return []byte(hash)
}

func encodeEvent(w io.Writer, ev types.MiningEvent) error {
	if err := binary.Write(w, byteOrder, ev.Height); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, ev.Time.UnixNano()); err != nil {
		return err
	}
	if err := writeString(w, ev.Hash); err != nil {
		return err
	}
	return writeString(w, ev.Miner)
}

func decodeEvent(r io.Reader) (types.MiningEvent, error) {
	var (
		ev    types.MiningEvent
		nanos int64
		err   error
	)
	if err = binary.Read(r, byteOrder, &ev.Height); err != nil {
		return ev, err
	}
	if err = binary.Read(r, byteOrder, &nanos); err != nil {
		return ev, err
	}
	ev.Time = time.Unix(0, nanos).UTC()
	if ev.Hash, err = readString(r); err != nil {
		return ev, err
	}
	ev.Miner, err = readString(r)
	return ev, err
}

func writeString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string of %d bytes too long", len(s))
	}
	if err := binary.Write(w, byteOrder, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, byteOrder, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
