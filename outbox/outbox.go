// Package outbox durably queues auction and settlement events for
// publication to Kafka. Events are written to a pebble store before they
// are sent and stay there until the broker acknowledges them, so a crash
// between the event log and the broker never loses a message.
package outbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// State of an outbox entry.
type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

// Entry is one queued event.
type Entry struct {
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt time.Time
	Kind        eventlog.Kind
	Subject     string
	Payload     []byte
}

const headerLen = 1 + 4 + 8 + 2 + 2

// binary encoding: [state:1][retries:4][lastAttempt:8][kindLen:2][subjectLen:2][kind][subject][payload]
func encodeEntry(e *Entry) []byte {
	buf := make([]byte, headerLen, headerLen+len(e.Kind)+len(e.Subject)+len(e.Payload))
	buf[0] = byte(e.State)
	binary.BigEndian.PutUint32(buf[1:5], e.Retries)
	var last int64
	if !e.LastAttempt.IsZero() {
		last = e.LastAttempt.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[5:13], uint64(last))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(e.Kind)))
	binary.BigEndian.PutUint16(buf[15:17], uint16(len(e.Subject)))
	buf = append(buf, e.Kind...)
	buf = append(buf, e.Subject...)
	return append(buf, e.Payload...)
}

func decodeEntry(seq uint64, b []byte) (Entry, error) {
	if len(b) < headerLen {
		return Entry{}, errors.New("invalid outbox entry length")
	}
	kindLen := int(binary.BigEndian.Uint16(b[13:15]))
	subjectLen := int(binary.BigEndian.Uint16(b[15:17]))
	if len(b) < headerLen+kindLen+subjectLen {
		return Entry{}, errors.New("truncated outbox entry")
	}
	e := Entry{
		Seq:     seq,
		State:   State(b[0]),
		Retries: binary.BigEndian.Uint32(b[1:5]),
	}
	if last := int64(binary.BigEndian.Uint64(b[5:13])); last != 0 {
		e.LastAttempt = time.Unix(0, last).UTC()
	}
	rest := b[headerLen:]
	e.Kind = eventlog.Kind(rest[:kindLen])
	e.Subject = string(rest[kindLen : kindLen+subjectLen])
	e.Payload = append([]byte(nil), rest[kindLen+subjectLen:]...)
	return e, nil
}

const keyPrefix = "event/"

var cursorKey = []byte("meta/cursor")

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(b []byte) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(string(b), keyPrefix), 10, 64)
}

// Outbox is a pebble-backed queue of events keyed by log sequence.
type Outbox struct {
	db  *pebble.DB
	now func() time.Time
}

// Open opens or creates the outbox in dir.
func Open(dir string) (*Outbox, error) {
	return open(dir, &pebble.Options{})
}

// OpenInMemory opens an outbox that lives in memory only.
func OpenInMemory() (*Outbox, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*Outbox, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("opening outbox: %w", err)
	}
	return &Outbox{db: db, now: time.Now}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Put queues ev as NEW unless it was queued before. The cursor advances to
// ev.Seq so capture resumes after it.
func (o *Outbox) Put(ev eventlog.Event) error {
	key := keyFor(ev.Seq)
	_, closer, err := o.db.Get(key)
	switch {
	case err == nil:
		closer.Close()
		return nil
	case !errors.Is(err, pebble.ErrNotFound):
		return err
	}

	batch := o.db.NewBatch()
	defer batch.Close()
	entry := &Entry{State: StateNew, Kind: ev.Kind, Subject: ev.Subject, Payload: ev.Payload}
	if err := batch.Set(key, encodeEntry(entry), nil); err != nil {
		return err
	}
	if cursor, err := o.Cursor(); err != nil {
		return err
	} else if ev.Seq > cursor {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], ev.Seq)
		if err := batch.Set(cursorKey, buf[:], nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// Cursor returns the highest sequence ever queued.
func (o *Outbox) Cursor() (uint64, error) {
	val, closer, err := o.db.Get(cursorKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, errors.New("invalid outbox cursor")
	}
	return binary.BigEndian.Uint64(val), nil
}

// Get returns the entry for seq.
func (o *Outbox) Get(seq uint64) (Entry, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if err != nil {
		return Entry{}, err
	}
	defer closer.Close()
	return decodeEntry(seq, val)
}

func (o *Outbox) update(seq uint64, mutate func(e *Entry)) error {
	e, err := o.Get(seq)
	if err != nil {
		return err
	}
	mutate(&e)
	return o.db.Set(keyFor(seq), encodeEntry(&e), pebble.Sync)
}

// MarkSent records a publication attempt.
func (o *Outbox) MarkSent(seq uint64) error {
	return o.update(seq, func(e *Entry) {
		e.State = StateSent
		e.Retries++
		e.LastAttempt = o.now()
	})
}

// MarkAcked records the broker's acknowledgement.
func (o *Outbox) MarkAcked(seq uint64) error {
	return o.update(seq, func(e *Entry) {
		e.State = StateAcked
	})
}

// Prune deletes acknowledged entries.
func (o *Outbox) Prune() (int, error) {
	var acked [][]byte
	err := o.scan(func(e Entry) error {
		if e.State == StateAcked {
			acked = append(acked, keyFor(e.Seq))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	batch := o.db.NewBatch()
	defer batch.Close()
	for _, key := range acked {
		if err := batch.Delete(key, nil); err != nil {
			return 0, err
		}
	}
	return len(acked), batch.Commit(pebble.Sync)
}

// ScanPending calls fn for every entry not yet acknowledged, in sequence
// order. SENT entries are included: a send that crashed before its ack is
// retried.
func (o *Outbox) ScanPending(fn func(e Entry) error) error {
	return o.scan(func(e Entry) error {
		if e.State == StateAcked {
			return nil
		}
		return fn(e)
	})
}

// Pending counts entries not yet acknowledged.
func (o *Outbox) Pending() (int, error) {
	n := 0
	err := o.ScanPending(func(Entry) error {
		n++
		return nil
	})
	return n, err
}

func (o *Outbox) scan(fn func(e Entry) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		e, err := decodeEntry(seq, iter.Value())
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}
