// Package integrity replays encoded property records and checks that every
// decode path consumes the same bits.
package integrity

import (
	"netstate.dev/internal/bitbuf"
	"netstate.dev/internal/replication/propcodec"
	"netstate.dev/internal/replication/propindex"
	"netstate.dev/internal/replication/replerr"
	"netstate.dev/internal/replication/schema"
)

// Check walks one record (index list plus payloads) from r's position. For
// every index it runs Skip and IsEncodedZero from the same bit and fails with
// an IntegrityError if they end at different positions, or if the indices are
// not strictly increasing within the table. It returns the entry count.
func Check(r *bitbuf.Reader, flat *schema.Flat) (int, error) {
	ir := propindex.NewReader(r, flat)
	last := -1
	n := 0
	for idx := ir.Next(); idx != propindex.Sentinel; idx = ir.Next() {
		p := flat.Prop(idx)
		if idx <= last {
			return n, &replerr.IntegrityError{Table: flat.Name(), Index: idx, Prop: p.Name, BitPos: r.Pos(), Reason: "index not increasing"}
		}
		last = idx

		start := r.Pos()
		zr := r.Clone()
		propcodec.IsEncodedZero(zr, p)
		ir.Skip()
		if zr.Pos() != r.Pos() {
			return n, &replerr.IntegrityError{
				Table:  flat.Name(),
				Index:  idx,
				Prop:   p.Name,
				BitPos: start,
				Reason: "skip and zero-check disagree on payload width",
			}
		}
		if err := r.Err(); err != nil {
			return n, &replerr.IntegrityError{Table: flat.Name(), Index: idx, Prop: p.Name, BitPos: start, Reason: err.Error()}
		}
		n++
	}
	if err := ir.Err(); err != nil {
		if _, ok := err.(*replerr.IntegrityError); ok {
			return n, err
		}
		return n, &replerr.IntegrityError{Table: flat.Name(), Index: last, BitPos: r.Pos(), Reason: err.Error()}
	}
	return n, nil
}

// CheckBuffer checks a whole buffer holding exactly one record.
func CheckBuffer(data []byte, nbits int, flat *schema.Flat) (int, error) {
	r := bitbuf.NewReader(data, nbits)
	n, err := Check(r, flat)
	if err != nil {
		return n, err
	}
	if r.Remaining() != 0 {
		return n, &replerr.IntegrityError{Table: flat.Name(), Index: -1, BitPos: r.Pos(), Reason: "trailing bits after terminator"}
	}
	return n, nil
}
