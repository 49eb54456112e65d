package logstore

import (
	"sync"

	"github.com/blockvault/storeengine/errs"
	"github.com/blockvault/storeengine/logdevice"
)

// Family names the two well-known families spec.md §4.5 calls out.
type FamilyName string

const (
	DataFamily FamilyName = "data_log"
	CtrlFamily FamilyName = "ctrl_log"
)

// Family owns one Log Device and multiplexes many Log Stores over it
// (spec.md §4.5).
type Family struct {
	mu sync.Mutex

	name   FamilyName
	device *logdevice.Device
	stores map[uint32]*Store
	nextID uint32
}

// NewFamily creates a Family with no stores, backed by a freshly
// created (empty) Log Device.
func NewFamily(name FamilyName, device *logdevice.Device) *Family {
	return &Family{name: name, device: device, stores: make(map[uint32]*Store)}
}

// OpenFamily reconstructs a Family's stores from a Log Device recovery
// pass: recovered records are demultiplexed by the store id they were
// tagged with (spec.md §4.5 "recovery can demultiplex"), fed to each
// store's OnOpenCallback in ascending LSN order, and each store's
// nextLSN/truncation state is reconstructed from what was replayed.
func OpenFamily(name FamilyName, device *logdevice.Device, recovered []logdevice.RecoveredRecord, callbacks map[uint32]OnOpenCallback) *Family {
	f := &Family{name: name, device: device, stores: make(map[uint32]*Store)}
	byStore := make(map[uint32][]logdevice.RecoveredRecord)
	for _, r := range recovered {
		byStore[r.StoreID] = append(byStore[r.StoreID], r)
		if r.StoreID >= f.nextID {
			f.nextID = r.StoreID + 1
		}
	}
	for id, recs := range byStore {
		s := &Store{id: id, family: f}
		for _, r := range recs {
			lsn := decodeLSN(r.Record.Key)
			if lsn >= s.nextLSN {
				s.nextLSN = lsn + 1
			}
			if cb, ok := callbacks[id]; ok && cb != nil {
				cb(Record{LSN: lsn, Payload: r.Record.Payload})
			}
		}
		f.stores[id] = s
	}
	return f
}

// CreateNewLogStore allocates a new store id and returns its handle
// (spec.md §4.5 create_new_log_store).
func (f *Family) CreateNewLogStore(mode AppendMode) *Store {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	s := &Store{id: id, family: f, mode: mode}
	f.stores[id] = s
	return s
}

// OpenLogStore returns the handle for an already-created store id
// (spec.md §4.5 open_log_store). Unlike OpenFamily, this does not
// replay anything new; it is for looking up a store whose state was
// already reconstructed by OpenFamily.
func (f *Family) OpenLogStore(id uint32) (*Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stores[id]
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "logstore: unknown store id %d in family %s", id, f.name)
	}
	return s, nil
}

// RemoveLogStore deletes store id; its records become reclaimable at
// the next truncation (spec.md §4.5 remove_log_store).
func (f *Family) RemoveLogStore(id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stores[id]
	if !ok {
		return errs.New(errs.InvalidArgument, "logstore: unknown store id %d in family %s", id, f.name)
	}
	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()
	delete(f.stores, id)
	return nil
}

// DeviceTruncate computes the per-family truncation point as the
// minimum over all live stores' truncation points and submits it to the
// underlying Log Device (spec.md §4.5 device_truncate). waitTillDone is
// accepted for interface symmetry with the original's synchronous-wait
// option; this implementation's Truncate always completes synchronously
// so there is no asynchronous variant to wait on. dryRun computes and
// returns the point without submitting it.
func (f *Family) DeviceTruncate(waitTillDone, dryRun bool) uint64 {
	f.mu.Lock()
	var min uint64
	first := true
	for _, s := range f.stores {
		t := s.TruncatedLSN()
		if first || t < min {
			min = t
			first = false
		}
	}
	f.mu.Unlock()

	if !dryRun {
		f.device.Truncate(min)
	}
	return min
}

// Name returns the family's well-known name.
func (f *Family) Name() FamilyName { return f.name }

// Flush forces the family's underlying Log Device to drain any
// buffered records, used by the Checkpoint Manager's cp_flush step
// (spec.md §4.6).
func (f *Family) Flush() { f.device.Flush() }

// NextLSN returns the LSN the family's underlying Log Device will
// assign to its next appended record.
func (f *Family) NextLSN() uint64 { return f.device.NextLSN() }
