package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/opendata-ingest/internal/ingest"
)

// ErrUnknownStore is returned when writing to a store that was never created.
var ErrUnknownStore = errors.New("store does not exist")

type storedRecord struct {
	record ingest.Record
	size   int64
}

type collection struct {
	records []storedRecord
	bytes   int64
	ids     map[string]int
}

// RecordStore keeps capped collections in-memory, evicting the oldest records first.
type RecordStore struct {
	mu     sync.Mutex
	caps   ingest.Caps
	stores map[string]*collection
}

// NewRecordStore builds an empty store. Non-positive caps fall back to the defaults.
func NewRecordStore(caps ingest.Caps) *RecordStore {
	defaults := ingest.DefaultCaps()
	if caps.MaxBytes <= 0 {
		caps.MaxBytes = defaults.MaxBytes
	}
	if caps.MaxRecords <= 0 {
		caps.MaxRecords = defaults.MaxRecords
	}
	return &RecordStore{
		caps:   caps,
		stores: make(map[string]*collection),
	}
}

// EnsureCreated creates the named collection if it does not exist yet.
func (s *RecordStore) EnsureCreated(_ context.Context, store string) error {
	if err := ingest.ValidateStoreName(store); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[store]; !ok {
		s.stores[store] = &collection{ids: make(map[string]int)}
	}
	return nil
}

// Exists reports whether any record in store carries uniqueID.
func (s *RecordStore) Exists(_ context.Context, store, uniqueID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.stores[store]
	if !ok {
		return false, nil
	}
	return c.ids[uniqueID] > 0, nil
}

// InsertMany appends records to store and trims it to the configured caps.
func (s *RecordStore) InsertMany(_ context.Context, store string, records []ingest.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	encoded, err := encodeRecords(records)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.stores[store]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownStore, store)
	}
	s.appendLocked(c, encoded)
	return len(encoded), nil
}

// InsertIfAbsent inserts records only when uniqueID is not yet present in store.
func (s *RecordStore) InsertIfAbsent(_ context.Context, store, uniqueID string, records []ingest.Record) (bool, error) {
	encoded, err := encodeRecords(records)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.stores[store]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownStore, store)
	}
	if c.ids[uniqueID] > 0 {
		return false, nil
	}
	s.appendLocked(c, encoded)
	return true, nil
}

// Records returns a snapshot of the records held in store, oldest first.
func (s *RecordStore) Records(store string) []ingest.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.stores[store]
	if !ok {
		return nil
	}
	out := make([]ingest.Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.record)
	}
	return out
}

// Stores lists the created collections.
func (s *RecordStore) Stores() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	return names
}

// Close is a no-op.
func (s *RecordStore) Close() {}

func (s *RecordStore) appendLocked(c *collection, records []storedRecord) {
	for _, r := range records {
		c.records = append(c.records, r)
		c.bytes += r.size
		c.ids[r.record.UniqueID()]++
	}
	evict := 0
	for len(c.records)-evict > s.caps.MaxRecords || (c.bytes > s.caps.MaxBytes && evict < len(c.records)) {
		old := c.records[evict]
		c.bytes -= old.size
		id := old.record.UniqueID()
		if c.ids[id]--; c.ids[id] <= 0 {
			delete(c.ids, id)
		}
		evict++
	}
	if evict > 0 {
		c.records = append([]storedRecord(nil), c.records[evict:]...)
	}
}

func encodeRecords(records []ingest.Record) ([]storedRecord, error) {
	out := make([]storedRecord, 0, len(records))
	for _, r := range records {
		doc, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		out = append(out, storedRecord{record: r, size: int64(len(doc))})
	}
	return out, nil
}
