package main

import (
	"math"
	"math/rand"

	"netstate.dev/internal/replication/schemadef"
	"netstate.dev/internal/replicator"
)

const (
	crateFirstID = 1000
	crateLastID  = 60000
)

// demoWorld is the built-in object source: players walking in circles and
// crates that spawn and break. It drives the pipeline when no game is attached.
type demoWorld struct {
	rng       *rand.Rand
	players   []schemadef.Object
	crates    map[uint32]schemadef.Object
	order     []uint32
	next      uint32
	maxCrates int
}

func newDemoWorld(seed int64, players, crates int) *demoWorld {
	d := &demoWorld{
		rng:       rand.New(rand.NewSource(seed)),
		crates:    map[uint32]schemadef.Object{},
		next:      crateFirstID,
		maxCrates: crates,
	}
	for i := 0; i < players; i++ {
		d.players = append(d.players, schemadef.Object{
			"name":   "npc-" + string(rune('a'+i%26)),
			"health": 100,
			"owner":  i,
			"inventory": schemadef.Object{
				"gold":  d.rng.Intn(500),
				"slots": []int{1 + d.rng.Intn(100), 1 + d.rng.Intn(100)},
			},
		})
	}
	return d
}

// Objects advances the world to tick and lists every live object.
func (d *demoWorld) Objects(tick uint32) []replicator.Object {
	out := make([]replicator.Object, 0, len(d.players)+len(d.crates))
	for i, p := range d.players {
		angle := float64(tick)*0.05 + float64(i)*2*math.Pi/float64(len(d.players))
		radius := 100 + 20*float64(i)
		p["origin"] = [3]float32{float32(radius * math.Cos(angle)), float32(radius * math.Sin(angle)), 0}
		p["yaw"] = float32(math.Mod(angle*180/math.Pi+90, 360))
		p["think"] = tick + 10
		if d.rng.Intn(40) == 0 {
			h := p["health"].(int) - d.rng.Intn(15)
			if h <= 0 {
				h = 100
			}
			p["health"] = h
		}
		if d.rng.Intn(100) == 0 {
			inv := p["inventory"].(schemadef.Object)
			inv["gold"] = inv["gold"].(int) + d.rng.Intn(20)
		}
		out = append(out, replicator.Object{ID: uint32(i + 1), Table: "Player", Value: p})
	}

	if len(d.crates) < d.maxCrates && d.rng.Intn(10) == 0 {
		id := d.next
		d.next++
		if d.next > crateLastID {
			d.next = crateFirstID
		}
		if _, taken := d.crates[id]; !taken {
			d.crates[id] = schemadef.Object{
				"origin": [3]float32{float32(d.rng.Intn(800) - 400), float32(d.rng.Intn(800) - 400), 0},
				"hp":     50 + d.rng.Intn(50),
			}
			d.order = append(d.order, id)
		}
	}
	kept := d.order[:0]
	for _, id := range d.order {
		c := d.crates[id]
		if d.rng.Intn(20) == 0 {
			c["hp"] = c["hp"].(int) - 10
		}
		if c["hp"].(int) <= 0 {
			delete(d.crates, id)
			continue
		}
		kept = append(kept, id)
		out = append(out, replicator.Object{ID: id, Table: "Crate", Value: c})
	}
	d.order = kept
	return out
}

// demoProxy shows a player's inventory only to the client in the player's
// owner slot.
func demoProxy(obj any, _ int, client int) bool {
	o, ok := obj.(schemadef.Object)
	if !ok {
		return false
	}
	owner, ok := o["owner"].(int)
	return ok && owner == client
}
