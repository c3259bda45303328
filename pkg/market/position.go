package market

import (
	"github.com/ethereum/go-ethereum/common"
)

// allocateID hands out the owner's next position id. Ids are never reused.
func (m *Market) allocateID(owner common.Address) uint64 {
	id, _ := m.nextID.Get(owner)
	m.nextID.Set(owner, id+1)
	return id
}

// store records p and appends its id to the owner's list
func (m *Market) store(p Position) {
	key := positionKey{Owner: p.Owner, ID: p.ID}
	m.positions.Set(key, p)

	n, _ := m.counts.Get(p.Owner)
	m.slots.Set(slotKey{Owner: p.Owner, Slot: n}, p.ID)
	m.slotOf.Set(key, n)
	m.counts.Set(p.Owner, n+1)
}

// remove deletes the position and swap-removes its id from the owner's list
func (m *Market) remove(owner common.Address, id uint64) {
	key := positionKey{Owner: owner, ID: id}
	m.positions.Delete(key)

	slot, ok := m.slotOf.Get(key)
	if !ok {
		return
	}
	n, _ := m.counts.Get(owner)
	last := n - 1
	if slot != last {
		movedID, _ := m.slots.Get(slotKey{Owner: owner, Slot: last})
		m.slots.Set(slotKey{Owner: owner, Slot: slot}, movedID)
		m.slotOf.Set(positionKey{Owner: owner, ID: movedID}, slot)
	}
	m.slots.Delete(slotKey{Owner: owner, Slot: last})
	m.slotOf.Delete(key)
	if last == 0 {
		m.counts.Delete(owner)
	} else {
		m.counts.Set(owner, last)
	}
}

func (m *Market) lookup(owner common.Address, id uint64) (Position, bool) {
	p, ok := m.positions.Get(positionKey{Owner: owner, ID: id})
	if !ok {
		return Position{}, false
	}
	return p.clone(), true
}

// PositionIDs returns the owner's open position ids. Order is not stable
// across closes.
func (m *Market) PositionIDs(owner common.Address) []uint64 {
	n, _ := m.counts.Get(owner)
	ids := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		id, _ := m.slots.Get(slotKey{Owner: owner, Slot: i})
		ids = append(ids, id)
	}
	return ids
}

// PositionCount returns the number of open positions held by owner
func (m *Market) PositionCount(owner common.Address) int {
	n, _ := m.counts.Get(owner)
	return int(n)
}

// OpenPositions returns the total number of open positions in the market
func (m *Market) OpenPositions() int {
	return m.positions.Len()
}

// NextID returns the id the owner's next position will get
func (m *Market) NextID(owner common.Address) uint64 {
	id, _ := m.nextID.Get(owner)
	return id
}
