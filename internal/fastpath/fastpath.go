// Package fastpath exports destination entries to the data plane's BPF hash map.
package fastpath

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/cilium/ebpf"

	"firestige.xyz/srte/internal/pathtable"
)

// MapStore writes destination entries into a BPF hash map keyed by the
// 16-byte destination address.
type MapStore struct {
	m *ebpf.Map
}

// Open attaches to the destination map, by pinned path when pin is set,
// otherwise by map id.
func Open(pin string, id uint32) (*MapStore, error) {
	var (
		m   *ebpf.Map
		err error
	)
	if pin != "" {
		m, err = ebpf.LoadPinnedMap(pin, nil)
	} else {
		m, err = ebpf.NewMapFromID(ebpf.MapID(id))
	}
	if err != nil {
		return nil, fmt.Errorf("open destination map (pin=%q id=%d): %w", pin, id, err)
	}
	if err := checkMap(m); err != nil {
		m.Close()
		return nil, err
	}
	return &MapStore{m: m}, nil
}

// NewMapStore wraps an already opened map.
func NewMapStore(m *ebpf.Map) (*MapStore, error) {
	if err := checkMap(m); err != nil {
		return nil, err
	}
	return &MapStore{m: m}, nil
}

func checkMap(m *ebpf.Map) error {
	if m.KeySize() != 16 || m.ValueSize() != pathtable.EntrySize {
		return fmt.Errorf("destination map has key/value size %d/%d, want 16/%d",
			m.KeySize(), m.ValueSize(), pathtable.EntrySize)
	}
	return nil
}

// Put replaces the entry for dst.
func (s *MapStore) Put(dst netip.Addr, entry []byte) error {
	key := dst.As16()
	return s.m.Update(key, entry, ebpf.UpdateAny)
}

// Get returns the entry stored for dst.
func (s *MapStore) Get(dst netip.Addr) ([]byte, bool, error) {
	key := dst.As16()
	value := make([]byte, pathtable.EntrySize)
	if err := s.m.Lookup(key, value); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

// Dump decodes every entry in the map.
func (s *MapStore) Dump() ([]*pathtable.DestinationEntry, error) {
	var (
		key   [16]byte
		value = make([]byte, pathtable.EntrySize)
		out   []*pathtable.DestinationEntry
	)
	it := s.m.Iterate()
	for it.Next(&key, value) {
		e, err := pathtable.UnmarshalEntry(value)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", netip.AddrFrom16(key), err)
		}
		out = append(out, e)
	}
	return out, it.Err()
}

// Close releases the map handle.
func (s *MapStore) Close() error {
	return s.m.Close()
}
