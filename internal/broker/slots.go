package broker

// slotTable is a fixed-capacity set of clients. Slots are allocated once and
// recycled through a free list; each reuse bumps the slot generation.
// Callers hold the endpoint lock.
type slotTable struct {
	slots []slot
	free  []uint32
	count int
}

type slot struct {
	c   *client
	gen uint32
}

func newSlotTable(capacity int) *slotTable {
	t := &slotTable{
		slots: make([]slot, capacity),
		free:  make([]uint32, 0, capacity),
	}
	// Hand out low slots first.
	for i := capacity - 1; i >= 0; i-- {
		t.free = append(t.free, uint32(i))
	}
	return t
}

// insert stores c and assigns its ID. It fails when the table is full.
func (t *slotTable) insert(c *client) (ClientID, bool) {
	if len(t.free) == 0 {
		return ClientID{}, false
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	s := &t.slots[idx]
	s.gen++
	s.c = c
	c.id = lanID(idx, s.gen)
	t.count++
	return c.id, true
}

// get returns the client for id, or nil when id is stale or unknown.
func (t *slotTable) get(id ClientID) *client {
	if !id.IsLAN() || int(id.slot) >= len(t.slots) {
		return nil
	}
	s := t.slots[id.slot]
	if s.c == nil || s.gen != id.gen {
		return nil
	}
	return s.c
}

// remove clears the slot for id and returns the client that held it.
func (t *slotTable) remove(id ClientID) *client {
	c := t.get(id)
	if c == nil {
		return nil
	}
	t.slots[id.slot].c = nil
	t.free = append(t.free, id.slot)
	t.count--
	return c
}

// first returns any tracked client, or nil.
func (t *slotTable) first() *client {
	for _, s := range t.slots {
		if s.c != nil {
			return s.c
		}
	}
	return nil
}

// snapshot copies the tracked clients.
func (t *slotTable) snapshot() []*client {
	out := make([]*client, 0, t.count)
	for _, s := range t.slots {
		if s.c != nil {
			out = append(out, s.c)
		}
	}
	return out
}
