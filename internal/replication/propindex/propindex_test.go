package propindex

import (
	"errors"
	"testing"

	"netstate.dev/internal/bitbuf"
	"netstate.dev/internal/replication/propcodec"
	"netstate.dev/internal/replication/replerr"
	"netstate.dev/internal/replication/schema"
)

func wideFlat(t *testing.T, n int) *schema.Flat {
	t.Helper()
	props := make([]*schema.Prop, 0, n)
	for i := 0; i < n; i++ {
		props = append(props, schema.IntProp("p"+itoa(i), 6, schema.FlagUnsigned, nil))
	}
	f, err := schema.Flatten(schema.NewTable("Wide", props...))
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	return f
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	s := ""
	for ; i > 0; i /= 10 {
		s = string(rune('0'+i%10)) + s
	}
	return s
}

func TestWriter_EmptyListIsOneZeroBit(t *testing.T) {
	w := bitbuf.NewWriter(0)
	NewWriter(w).Finish()
	if w.Bits() != 1 || w.Bytes()[0] != 0 {
		t.Fatalf("empty list: bits=%d bytes=%v", w.Bits(), w.Bytes())
	}
}

func TestWriter_RejectsNonIncreasing(t *testing.T) {
	iw := NewWriter(bitbuf.NewWriter(0))
	if err := iw.WriteIndex(5); err != nil {
		t.Fatalf("WriteIndex(5): %v", err)
	}
	for _, bad := range []int{5, 4, 0, -1} {
		err := iw.WriteIndex(bad)
		if !errors.Is(err, replerr.ErrProtocolOrdering) {
			t.Fatalf("WriteIndex(%d) after 5: want ErrProtocolOrdering, got %v", bad, err)
		}
	}
	if err := iw.WriteIndex(Sentinel); !errors.Is(err, replerr.ErrProtocolOrdering) {
		t.Fatalf("WriteIndex(Sentinel): want ErrProtocolOrdering, got %v", err)
	}
	if err := iw.WriteIndex(6); err != nil {
		t.Fatalf("WriteIndex(6) after rejects: %v", err)
	}
}

func TestReader_RoundTripWithPayloads(t *testing.T) {
	f := wideFlat(t, 300)
	indices := []int{0, 1, 17, 18, 250, 299}

	w := bitbuf.NewWriter(0)
	iw := NewWriter(w)
	for _, i := range indices {
		if err := iw.WriteIndex(i); err != nil {
			t.Fatalf("WriteIndex(%d): %v", i, err)
		}
		propcodec.Encode(w, f.Prop(i), schema.Int(int64(i%64)), 0)
	}
	iw.Finish()

	ir := NewReader(bitbuf.NewReader(w.Bytes(), w.Bits()), f)
	for n, want := range indices {
		got := ir.Next()
		if got != want {
			t.Fatalf("entry %d: index %d want %d", n, got, want)
		}
		if n%2 == 0 {
			if v := ir.Decode(); v.Int != int64(want%64) {
				t.Fatalf("index %d: value %d", want, v.Int)
			}
		}
		// odd entries are skipped implicitly by Next
	}
	if got := ir.Next(); got != Sentinel {
		t.Fatalf("end: got %d want Sentinel", got)
	}
	if got := ir.Next(); got != Sentinel {
		t.Fatalf("sentinel should latch, got %d", got)
	}
	if err := ir.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
}

func TestReader_CompareAndCopy(t *testing.T) {
	f := wideFlat(t, 4)
	enc := func(vals ...int64) *bitbuf.Writer {
		w := bitbuf.NewWriter(0)
		iw := NewWriter(w)
		for i, v := range vals {
			_ = iw.WriteIndex(i)
			propcodec.Encode(w, f.Prop(i), schema.Int(v), 0)
		}
		iw.Finish()
		return w
	}
	a := enc(1, 2, 3)
	b := enc(1, 9, 3)
	ra := NewReader(bitbuf.NewReader(a.Bytes(), a.Bits()), f)
	rb := NewReader(bitbuf.NewReader(b.Bytes(), b.Bits()), f)

	var changed []int
	for ia, ib := ra.Next(), rb.Next(); ia != Sentinel; ia, ib = ra.Next(), rb.Next() {
		if ia != ib {
			t.Fatalf("index mismatch %d/%d", ia, ib)
		}
		if ra.Compare(rb) {
			changed = append(changed, ia)
		}
	}
	if len(changed) != 1 || changed[0] != 1 {
		t.Fatalf("changed=%v want [1]", changed)
	}

	rb = NewReader(bitbuf.NewReader(b.Bytes(), b.Bits()), f)
	rb.Next()
	rb.Next()
	out := bitbuf.NewWriter(0)
	rb.CopyPayload(out)
	if v := propcodec.Decode(bitbuf.NewReader(out.Bytes(), out.Bits()), f.Prop(1)); v.Int != 9 {
		t.Fatalf("copied payload decodes to %d", v.Int)
	}
	if rb.Next() != 2 {
		t.Fatalf("cursor misaligned after CopyPayload")
	}
}

func TestReader_OutOfRangeIndexStops(t *testing.T) {
	f := wideFlat(t, 2)
	w := bitbuf.NewWriter(0)
	iw := NewWriter(w)
	_ = iw.WriteIndex(7)
	iw.Finish()
	ir := NewReader(bitbuf.NewReader(w.Bytes(), w.Bits()), f)
	if got := ir.Next(); got != Sentinel {
		t.Fatalf("got %d want Sentinel", got)
	}
	if !errors.Is(ir.Err(), replerr.ErrIntegrityMismatch) {
		t.Fatalf("want integrity error, got %v", ir.Err())
	}
}
