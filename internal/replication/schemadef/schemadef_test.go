package schemadef

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"netstate.dev/internal/replication/replerr"
	"netstate.dev/internal/replication/schema"
	"netstate.dev/internal/replication/snapshot"
)

const sampleDoc = `
tables:
  - name: Weapon
    props:
      - {name: clip, kind: int, bits: 8, flags: [unsigned]}
      - name: ammo
        kind: array
        max: 4
        element: {name: count, kind: int, bits: 8, flags: [unsigned]}
  - name: Entity
    props:
      - {name: origin, kind: vector, bits: 20, low: -4096, high: 4096}
      - {name: think, kind: int, bits: 16, flags: [tick_relative]}
  - name: Player
    props:
      - {name: base, kind: table, table: Entity, inline: true}
      - {exclude: {table: Entity, prop: think}}
      - {name: health, kind: int, bits: 8}
      - {name: name, kind: string}
      - {name: weapon, kind: table, table: Weapon, flags: [proxied]}
roots: [Player]
`

func TestParse_BuildsAndFlattens(t *testing.T) {
	d, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	reg := schema.NewRegistry()
	if err := d.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	f, ok := reg.Flat("Player")
	if !ok {
		t.Fatalf("Player not registered")
	}
	var paths []string
	for _, l := range f.Leaves {
		paths = append(paths, l.Path)
	}
	want := []string{"base.origin", "health", "name", "weapon.clip", "weapon.ammo"}
	if len(paths) != len(want) {
		t.Fatalf("paths=%v want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths=%v want %v", paths, want)
		}
	}
	if f.NumNodes() != 2 {
		t.Fatalf("nodes=%d want 2", f.NumNodes())
	}
}

func TestObject_EncodeDecode(t *testing.T) {
	d, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	roots, err := d.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	f, err := schema.Flatten(roots[0])
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	obj := Object{
		"origin": []any{1.0, 2.0, 3.0},
		"health": 77,
		"name":   "Ann",
		"weapon": Object{"clip": 5, "ammo": []any{1, 2}},
	}
	snap, err := (&snapshot.Encoder{Verify: true}).Encode(obj, f, 0, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	defer snap.Release()
	st, err := snapshot.Decode(snap)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v, _ := st.Lookup("health"); v.Int != 77 {
		t.Fatalf("health=%v", v)
	}
	if v, _ := st.Lookup("name"); v.Str != "Ann" {
		t.Fatalf("name=%v", v)
	}
	if v, _ := st.Lookup("weapon.ammo"); len(v.Elems) != 2 || v.Elems[1].Int != 2 {
		t.Fatalf("ammo=%v", v)
	}
	if v, _ := st.Lookup("weapon.clip"); v.Int != 5 {
		t.Fatalf("clip=%v", v)
	}
}

func TestObject_MissingSubTableIsAbsent(t *testing.T) {
	if got := SubObject("weapon")(Object{"health": 1}); got != nil {
		t.Fatalf("missing sub object resolved to %v", got)
	}
	if n := Length("ammo")(Object{}); n != 0 {
		t.Fatalf("length of missing array=%d", n)
	}
}

func TestParse_RejectsInvalidDocuments(t *testing.T) {
	bad := map[string]string{
		"unknown kind":  "tables: [{name: T, props: [{name: a, kind: matrix}]}]",
		"unknown flag":  "tables: [{name: T, props: [{name: a, kind: int, bits: 4, flags: [loud]}]}]",
		"no tables":     "roots: [T]",
		"bad bits":      "tables: [{name: T, props: [{name: a, kind: int, bits: 99}]}]",
		"exclude+kind":  "tables: [{name: T, props: [{kind: int, exclude: {table: A, prop: b}}]}]",
		"extra field":   "tables: [{name: T, props: [], colour: red}]",
		"not yaml list": "tables: 7",
	}
	for name, doc := range bad {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestBuild_SchemaErrorsSurface(t *testing.T) {
	d, err := Parse([]byte(`
tables:
  - name: Item
    props: [{name: id, kind: int, bits: 8}]
  - name: Bag
    props:
      - {name: items, kind: array, max: 4, element: {name: item, kind: table, table: Item}}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	reg := schema.NewRegistry()
	if err := d.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Finalize(); !errors.Is(err, replerr.ErrSchema) {
		t.Fatalf("array of tables: want schema error, got %v", err)
	}

	d, err = Parse([]byte("tables: [{name: A, props: [{name: b, kind: table, table: Missing}]}]"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := d.Build(); err == nil {
		t.Fatalf("dangling table reference accepted")
	}
}

func TestLoad_File(t *testing.T) {
	p := filepath.Join(t.TempDir(), "schema.yaml")
	if err := os.WriteFile(p, []byte(sampleDoc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(d.Tables) != 3 || d.Roots[0] != "Player" {
		t.Fatalf("doc=%+v", d)
	}
}
