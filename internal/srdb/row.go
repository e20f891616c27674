// Package srdb consumes the Paths table of the segment routing database,
// either from an OVSDB monitor or from a watched YAML file,
// and turns row changes into path table operations.
package srdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/srte/internal/core"
)

// Action is the kind of change a row event carries.
type Action int

const (
	ActionInsert Action = iota
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// PathRow is one row of the Paths table. Prefixes[0] are announced behind
// Addr1, Prefixes[1] behind Addr2. Segment lists are authored from Addr1
// toward Addr2.
type PathRow struct {
	UUID      string
	Addr1     netip.Addr
	Addr2     netip.Addr
	Prefixes  [2][]netip.Prefix
	Segments  [][]string
	Bandwidth uint64
	Delay     uint64
}

// RowEvent is a change of one row. Delete events only carry the UUID.
type RowEvent struct {
	Action Action
	Row    PathRow
}

// Feed streams row events until ctx is done or the source fails.
type Feed interface {
	Run(ctx context.Context, emit func(RowEvent)) error
}

// rawRow is the column layout shared by both feeds. Prefixes and segments
// arrive either as nested lists or, as stored in OVSDB, as JSON documents in
// a string column.
type rawRow struct {
	UUID      string         `mapstructure:"uuid"`
	Addr1     string         `mapstructure:"addr1"`
	Addr2     string         `mapstructure:"addr2"`
	Prefixes  [][]jsonPrefix `mapstructure:"prefixes"`
	Segments  [][]string     `mapstructure:"segments"`
	Bandwidth uint64         `mapstructure:"bw"`
	Delay     uint64         `mapstructure:"delay"`
}

type jsonPrefix struct {
	Address   string `json:"address" mapstructure:"address"`
	PrefixLen int    `json:"prefixlen" mapstructure:"prefixlen"`
}

// DecodeRow converts column values into a PathRow.
func DecodeRow(columns map[string]interface{}) (PathRow, error) {
	var raw rawRow
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       jsonColumnHook,
		WeaklyTypedInput: true,
		Result:           &raw,
	})
	if err != nil {
		return PathRow{}, err
	}
	if err := dec.Decode(columns); err != nil {
		return PathRow{}, fmt.Errorf("%w: paths row: %v", core.ErrParse, err)
	}
	return buildRow(raw.UUID, raw.Addr1, raw.Addr2, raw.Prefixes, raw.Segments, raw.Bandwidth, raw.Delay)
}

// jsonColumnHook decodes a string holding a JSON document into a slice
// field. An empty string is an empty slice.
func jsonColumnHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	s, ok := data.(string)
	if !ok || to.Kind() != reflect.Slice || to.Elem().Kind() == reflect.Uint8 {
		return data, nil
	}
	if s == "" {
		return reflect.MakeSlice(to, 0, 0).Interface(), nil
	}
	out := reflect.New(to)
	if err := json.Unmarshal([]byte(s), out.Interface()); err != nil {
		return nil, fmt.Errorf("json column: %v", err)
	}
	return out.Elem().Interface(), nil
}

func buildRow(uuid, addr1, addr2 string, prefixes [][]jsonPrefix, segments [][]string, bw, delay uint64) (PathRow, error) {
	row := PathRow{
		UUID:      uuid,
		Segments:  segments,
		Bandwidth: bw,
		Delay:     delay,
	}
	var err error
	if row.Addr1, err = parseOptionalAddr(addr1); err != nil {
		return PathRow{}, err
	}
	if row.Addr2, err = parseOptionalAddr(addr2); err != nil {
		return PathRow{}, err
	}
	if len(prefixes) > 2 {
		return PathRow{}, fmt.Errorf("%w: %d prefix lists, want at most 2", core.ErrParse, len(prefixes))
	}
	for side, list := range prefixes {
		for _, p := range list {
			a, err := netip.ParseAddr(p.Address)
			if err != nil {
				return PathRow{}, fmt.Errorf("%w: prefix address %q", core.ErrParse, p.Address)
			}
			pfx, err := a.Prefix(p.PrefixLen)
			if err != nil {
				return PathRow{}, fmt.Errorf("%w: prefix %s/%d: %v", core.ErrParse, p.Address, p.PrefixLen, err)
			}
			row.Prefixes[side] = append(row.Prefixes[side], pfx)
		}
	}
	return row, nil
}

func parseOptionalAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: router address %q", core.ErrParse, s)
	}
	return a, nil
}
