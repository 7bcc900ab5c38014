package writebehind

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/atmx/matching-engine/internal/protocol"
)

// PebbleQueue is a durable local FIFO. Entries are keyed by
// "<name>/<8-byte big-endian sequence>" so an ordered scan yields push order.
// Several queues can share one database under different names.
type PebbleQueue struct {
	db     *pebble.DB
	prefix []byte

	mu     sync.Mutex
	seq    uint64
	notify chan struct{}
}

// OpenPebble opens the database backing one or more queues.
func OpenPebble(path string) (*pebble.DB, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return db, nil
}

// NewPebbleQueue resumes the queue called name in db.
func NewPebbleQueue(db *pebble.DB, name string) (*PebbleQueue, error) {
	q := &PebbleQueue{
		db:     db,
		prefix: []byte(name + "/"),
		notify: make(chan struct{}, 1),
	}

	iter, err := q.iter()
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	if iter.Last() {
		q.seq = binary.BigEndian.Uint64(iter.Key()[len(q.prefix):])
	}
	return q, iter.Error()
}

func (q *PebbleQueue) key(seq uint64) []byte {
	k := make([]byte, len(q.prefix)+8)
	copy(k, q.prefix)
	binary.BigEndian.PutUint64(k[len(q.prefix):], seq)
	return k
}

func (q *PebbleQueue) iter() (*pebble.Iterator, error) {
	upper := make([]byte, len(q.prefix))
	copy(upper, q.prefix)
	upper[len(upper)-1]++
	return q.db.NewIter(&pebble.IterOptions{
		LowerBound: q.prefix,
		UpperBound: upper,
	})
}

func (q *PebbleQueue) Push(_ context.Context, e protocol.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.seq++
	err = q.db.Set(q.key(q.seq), data, pebble.Sync)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// head returns the first key and value, or nil when the queue is empty.
func (q *PebbleQueue) head() ([]byte, []byte, error) {
	iter, err := q.iter()
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()

	if !iter.First() {
		return nil, nil, iter.Error()
	}
	key := append([]byte(nil), iter.Key()...)
	val := append([]byte(nil), iter.Value()...)
	return key, val, nil
}

func (q *PebbleQueue) Next(ctx context.Context) (protocol.Entry, error) {
	for {
		_, val, err := q.head()
		if err != nil {
			return protocol.Entry{}, err
		}
		if val != nil {
			var e protocol.Entry
			if err := json.Unmarshal(val, &e); err != nil {
				return protocol.Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			return e, nil
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return protocol.Entry{}, ctx.Err()
		}
	}
}

func (q *PebbleQueue) Ack(_ context.Context) error {
	key, _, err := q.head()
	if err != nil {
		return err
	}
	if key == nil {
		return ErrEmpty
	}
	return q.db.Delete(key, pebble.Sync)
}

func (q *PebbleQueue) Len(_ context.Context) (int64, error) {
	iter, err := q.iter()
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var n int64
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}
