package schema

import (
	"fmt"
	"sort"

	"netstate.dev/internal/replication/replerr"
)

// MaxTables bounds a registry; table IDs travel in 10 bits.
const MaxTables = 1024

// Registry owns every table of one runtime. Tables are registered during
// startup, then Finalize flattens all of them and fixes the CRC. A finalized
// registry is read-only and safe for concurrent use.
type Registry struct {
	tables []*Table
	byName map[string]int

	flats     []*Flat
	crc       uint32
	finalized bool
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]int{}}
}

func (r *Registry) Register(tables ...*Table) error {
	if r.finalized {
		return fmt.Errorf("schema registry: register after finalize")
	}
	for _, t := range tables {
		if t == nil || t.Name == "" {
			return replerr.Schemaf("", "", "table without a name")
		}
		if _, dup := r.byName[t.Name]; dup {
			return replerr.Schemaf(t.Name, "", "table registered twice")
		}
		if len(r.tables) >= MaxTables {
			return replerr.Schemaf(t.Name, "", "more than %d tables", MaxTables)
		}
		r.byName[t.Name] = len(r.tables)
		r.tables = append(r.tables, t)
	}
	return nil
}

// Finalize flattens every registered table in registration order. The first
// error aborts; the registry stays unfinalized.
func (r *Registry) Finalize() error {
	if r.finalized {
		return nil
	}
	flats := make([]*Flat, 0, len(r.tables))
	for i, t := range r.tables {
		f, err := Flatten(t)
		if err != nil {
			return err
		}
		f.ID = i
		flats = append(flats, f)
	}
	r.flats = flats
	r.crc = CombinedCRC(flats)
	r.finalized = true
	return nil
}

func (r *Registry) Finalized() bool { return r.finalized }

// CRC is the registry-wide schema checksum exchanged at handshake.
func (r *Registry) CRC() uint32 { return r.crc }

func (r *Registry) Flat(name string) (*Flat, bool) {
	i, ok := r.byName[name]
	if !ok || !r.finalized {
		return nil, false
	}
	return r.flats[i], true
}

func (r *Registry) FlatByID(id int) (*Flat, bool) {
	if !r.finalized || id < 0 || id >= len(r.flats) {
		return nil, false
	}
	return r.flats[id], true
}

func (r *Registry) Flats() []*Flat { return r.flats }

func (r *Registry) Table(name string) (*Table, bool) {
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.tables[i], true
}

// Summary is the catalog entry of one table, as exchanged at handshake.
type Summary struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Leaves int    `json:"leaves"`
	CRC    uint32 `json:"crc"`
}

func (r *Registry) Summaries() []Summary {
	out := make([]Summary, 0, len(r.flats))
	for _, f := range r.flats {
		out = append(out, Summary{ID: f.ID, Name: f.Name(), Leaves: f.Len(), CRC: f.CRC})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
