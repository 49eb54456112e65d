// Package logstore implements the Log Store Family and Log Store
// (spec.md §4.5): many logical streams multiplexed over one Log
// Device, each with its own independent LSN space, high-water mark,
// and truncation point.
//
// Grounded on the original implementation's log_store_family.cpp /
// log_store.cpp for the create/open/remove lifecycle and the
// device_truncate "minimum over all live stores" rule; the
// callback-on-open replay contract is carried over unchanged from
// spec.md §4.5.
package logstore

import (
	"sync"

	"github.com/blockvault/storeengine/errs"
	"github.com/blockvault/storeengine/logdevice"
	"github.com/blockvault/storeengine/logrecord"
)

// AppendMode selects whether a store's own per-stream LSN is assigned
// by the store in strict issue order (default) or supplied by the
// caller (out-of-band replication scenarios); only the default is
// implemented, matching spec.md's Non-goals around replication.
type AppendMode int

const (
	AppendModeSequential AppendMode = iota
)

// Record is one record read back from a Store, with its per-stream LSN.
type Record struct {
	LSN     uint64
	Payload []byte
}

// OnOpenCallback is invoked once per recovered record of its store, in
// ascending LSN order, while OpenFamily replays the family's Log Device
// (spec.md §4.5 open_log_store).
type OnOpenCallback func(Record)

// Store is one logical stream multiplexed over a family's Log Device.
type Store struct {
	mu sync.Mutex

	id         uint32
	family     *Family
	mode       AppendMode
	nextLSN    uint64
	truncateTo uint64 // exclusive of this point: highest truncated LSN + 1, 0 if nothing truncated
	removed    bool
}

// ID returns this store's stable id.
func (s *Store) ID() uint32 { return s.id }

// Append writes payload as a new record in this store's stream,
// assigning it the next per-stream LSN, and returns that LSN; cb fires
// with the same LSN once the record is durable (spec.md §4.5, §4.4
// append contract).
func (s *Store) Append(payload []byte, cb logdevice.Callback) (uint64, error) {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return 0, errs.New(errs.InvalidArgument, "logstore: append to removed store %d", s.id)
	}
	lsn := s.nextLSN
	s.nextLSN++
	s.mu.Unlock()

	rec := logrecord.Record{
		Key:     encodeLSN(lsn),
		Payload: payload,
	}
	_, err := s.family.device.Append(s.id, rec, func(_ uint64, err error) {
		if cb != nil {
			cb(lsn, err)
		}
	})
	return lsn, err
}

// Truncate marks every record in this store with LSN < uptoLSNExclusive
// as reclaimable. Idempotent and monotonic.
func (s *Store) Truncate(uptoLSNExclusive uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uptoLSNExclusive > s.truncateTo {
		s.truncateTo = uptoLSNExclusive
	}
}

// TruncatedLSN returns this store's current truncation point (the
// lowest LSN not yet truncated).
func (s *Store) TruncatedLSN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncateTo
}

func encodeLSN(lsn uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(lsn >> (8 * i))
	}
	return b
}

func decodeLSN(b []byte) uint64 {
	var lsn uint64
	for i := 0; i < 8 && i < len(b); i++ {
		lsn |= uint64(b[i]) << (8 * i)
	}
	return lsn
}
