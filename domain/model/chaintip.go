package model

import (
	"math/big"
	"sync"
	"time"
)

// ChainTip tracks the accumulated work of the best known chain tip and the
// time it last advanced. It is safe for concurrent use.
type ChainTip struct {
	mutex       sync.RWMutex
	work        *big.Int
	lastChanged time.Time
}

// NewChainTip returns a ChainTip with zero work, last changed at the given
// time.
func NewChainTip(now time.Time) *ChainTip {
	return &ChainTip{
		work:        new(big.Int),
		lastChanged: now,
	}
}

// Advance updates the tip work if the given work is greater than the current
// one, and records the time of the change. Lower or equal work is ignored.
func (ct *ChainTip) Advance(work *big.Int, now time.Time) {
	ct.mutex.Lock()
	defer ct.mutex.Unlock()

	if work.Cmp(ct.work) <= 0 {
		return
	}
	ct.work = new(big.Int).Set(work)
	ct.lastChanged = now
}

// TipWork returns the accumulated work of the current tip.
func (ct *ChainTip) TipWork() *big.Int {
	ct.mutex.RLock()
	defer ct.mutex.RUnlock()
	return new(big.Int).Set(ct.work)
}

// TipLastChanged returns the time the tip last advanced.
func (ct *ChainTip) TipLastChanged() time.Time {
	ct.mutex.RLock()
	defer ct.mutex.RUnlock()
	return ct.lastChanged
}
