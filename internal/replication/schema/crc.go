package schema

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"math"
)

type crcWriter struct {
	h   hash.Hash32
	tmp [4]byte
}

func newCRCWriter() *crcWriter { return &crcWriter{h: crc32.NewIEEE()} }

func (c *crcWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(c.tmp[:], v)
	_, _ = c.h.Write(c.tmp[:])
}

func (c *crcWriter) str(s string) {
	_, _ = c.h.Write([]byte(s))
	_, _ = c.h.Write([]byte{0})
}

func (c *crcWriter) prop(p *Prop) {
	c.u32(uint32(p.Kind))
	c.str(p.Name)
	c.u32(uint32(p.Flags))
	c.u32(uint32(p.Bits))
	c.u32(uint32(p.Elements))
	if p.Bounded() {
		c.u32(math.Float32bits(p.Low))
		c.u32(math.Float32bits(p.High))
	}
	if p.Kind == KindArray && p.Element != nil {
		c.prop(p.Element)
	}
}

// writeFlat feeds one flattened table: name, every embedded table instance
// with the property it hangs off, then every leaf in index order with its
// owner and path.
func (c *crcWriter) writeFlat(f *Flat) {
	c.str(f.Table.Name)
	c.u32(uint32(len(f.Tables)))
	for i := range f.Tables {
		ti := &f.Tables[i]
		c.str(ti.Table.Name)
		c.u32(uint32(int32(ti.Parent)))
		if ti.Via != nil {
			c.str(ti.Via.Name)
			c.u32(uint32(ti.Via.Flags))
		} else {
			c.str("")
			c.u32(0)
		}
	}
	c.u32(uint32(len(f.Leaves)))
	for i := range f.Leaves {
		l := &f.Leaves[i]
		c.u32(uint32(l.Owner))
		c.str(l.Path)
		c.prop(l.Prop)
	}
}

func tableCRC(f *Flat) uint32 {
	c := newCRCWriter()
	c.writeFlat(f)
	return c.h.Sum32()
}

// CombinedCRC checksums a set of flattened tables in the given order.
func CombinedCRC(flats []*Flat) uint32 {
	c := newCRCWriter()
	c.u32(uint32(len(flats)))
	for _, f := range flats {
		c.writeFlat(f)
	}
	return c.h.Sum32()
}
