package orphanpool

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"github.com/embernet/emberd/domain/model"
	"github.com/embernet/emberd/infrastructure/network/peers"
)

func newTestPool(maxCount, maxInputs int) *Pool {
	return New(&Config{
		MaximumOrphanTransactionCount:  maxCount,
		MaximumOrphanTransactionInputs: maxInputs,
	}, rand.New(rand.NewSource(0)))
}

var transactionCounter uint64

// newOrphanTransaction builds a unique transaction with the given number of
// inputs, each spending a made-up previous output.
func newOrphanTransaction(inputCount int) *model.Transaction {
	transactionCounter++

	var previousID model.TransactionID
	binary.LittleEndian.PutUint64(previousID[:], transactionCounter)

	inputs := make([]*model.TransactionInput, inputCount)
	for i := range inputs {
		inputs[i] = &model.TransactionInput{
			PreviousOutpoint: model.Outpoint{
				TransactionID: previousID,
				Index:         uint32(i),
			},
			SignatureScript: []byte{0x01},
		}
	}

	return &model.Transaction{
		Version: 1,
		Inputs:  inputs,
		Outputs: []*model.TransactionOutput{{
			Value:        transactionCounter,
			ScriptPubKey: []byte{0x51},
		}},
	}
}

// newDependentTransaction builds a transaction spending the first output of
// the given parent.
func newDependentTransaction(parent *model.Transaction) *model.Transaction {
	transactionCounter++

	return &model.Transaction{
		Version: 1,
		Inputs: []*model.TransactionInput{{
			PreviousOutpoint: model.Outpoint{
				TransactionID: *parent.ID(),
				Index:         0,
			},
			SignatureScript: []byte{0x01},
		}},
		Outputs: []*model.TransactionOutput{{
			Value:        transactionCounter,
			ScriptPubKey: []byte{0x51},
		}},
	}
}

func TestAddWithZeroCapacity(t *testing.T) {
	pool := newTestPool(0, 100)

	if pool.Add(newOrphanTransaction(1), 1) {
		t.Fatalf("Add accepted a transaction into a zero-capacity pool")
	}
	if pool.Len() != 0 {
		t.Fatalf("Add into a zero-capacity pool mutated it: length %d, want 0", pool.Len())
	}
}

func TestAddRejectsOversizedTransaction(t *testing.T) {
	pool := newTestPool(100, 100)

	if pool.Add(newOrphanTransaction(101), 1) {
		t.Fatalf("Add accepted a transaction with more inputs than the maximum")
	}
	if pool.Len() != 0 {
		t.Fatalf("Add of an oversized transaction mutated the pool: length %d, want 0", pool.Len())
	}

	if !pool.Add(newOrphanTransaction(100), 1) {
		t.Fatalf("Add rejected a transaction with exactly the maximum number of inputs")
	}
}

func TestAddRejectsDuplicate(t *testing.T) {
	pool := newTestPool(100, 100)
	transaction := newOrphanTransaction(1)

	if !pool.Add(transaction, 1) {
		t.Fatalf("Add rejected a fresh transaction")
	}
	if pool.Add(transaction, 2) {
		t.Fatalf("Add accepted a duplicate transaction ID")
	}
	if pool.Len() != 1 {
		t.Fatalf("Pool length is %d after duplicate Add, want 1", pool.Len())
	}
	if pool.CountForPeer(1) != 1 || pool.CountForPeer(2) != 0 {
		t.Fatalf("Duplicate Add changed peer attribution: peer 1 has %d, peer 2 has %d",
			pool.CountForPeer(1), pool.CountForPeer(2))
	}
}

func TestAddEvictsAtCapacity(t *testing.T) {
	const capacity = 5
	pool := newTestPool(capacity, 100)

	for i := 0; i < capacity*3; i++ {
		if !pool.Add(newOrphanTransaction(1), peers.ID(i)) {
			t.Fatalf("Add rejected transaction %d", i)
		}
		if pool.Len() > capacity {
			t.Fatalf("Pool grew to %d orphans, capacity is %d", pool.Len(), capacity)
		}
	}
	if pool.Len() != capacity {
		t.Fatalf("Pool length is %d, want %d", pool.Len(), capacity)
	}
}

func TestRemove(t *testing.T) {
	pool := newTestPool(100, 100)
	transaction := newOrphanTransaction(1)
	pool.Add(transaction, 7)

	if !pool.Remove(*transaction.ID()) {
		t.Fatalf("Remove did not find a stored orphan")
	}
	if pool.Remove(*transaction.ID()) {
		t.Fatalf("Remove reported success for an already removed orphan")
	}
	if pool.Len() != 0 || pool.CountForPeer(7) != 0 {
		t.Fatalf("Remove left state behind: length %d, peer count %d", pool.Len(), pool.CountForPeer(7))
	}
}

func TestEraseForPeer(t *testing.T) {
	pool := newTestPool(100, 100)

	for i := 0; i < 6; i++ {
		pool.Add(newOrphanTransaction(1), peers.ID(i%2))
	}

	erased := pool.EraseForPeer(0)
	if erased != 3 {
		t.Fatalf("EraseForPeer(0) erased %d orphans, want 3", erased)
	}
	if pool.CountForPeer(0) != 0 {
		t.Fatalf("Peer 0 still has %d orphans after EraseForPeer", pool.CountForPeer(0))
	}
	if pool.CountForPeer(1) != 3 {
		t.Fatalf("EraseForPeer(0) touched peer 1's orphans: %d left, want 3", pool.CountForPeer(1))
	}
	if pool.Len() != 3 {
		t.Fatalf("Pool length is %d after EraseForPeer, want 3", pool.Len())
	}

	if pool.EraseForPeer(42) != 0 {
		t.Fatalf("EraseForPeer of an unknown peer erased orphans")
	}
}

func TestRandomOrphanFromEmptyPool(t *testing.T) {
	pool := newTestPool(100, 100)

	_, err := pool.RandomOrphan()
	if !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("RandomOrphan on an empty pool returned %v, want ErrEmptyPool", err)
	}
}

// TestOrphanTraffic drives the pool the way a flood of unresolvable
// transactions would: a layer of independent orphans, a layer of orphans
// depending on random existing ones, and a burst of oversized transactions
// that must not consume any memory at all. It then disconnects the peers one
// by one and shrinks the pool down to empty.
func TestOrphanTraffic(t *testing.T) {
	const orphanPeers = 4
	pool := newTestPool(100, 100)

	// 50 independent orphans.
	for i := 0; i < 50; i++ {
		if !pool.Add(newOrphanTransaction(1), peers.ID(i%orphanPeers)) {
			t.Fatalf("Add rejected independent orphan %d", i)
		}
	}

	// 50 orphans that depend on a random existing orphan.
	for i := 0; i < 50; i++ {
		parent, err := pool.RandomOrphan()
		if err != nil {
			t.Fatalf("RandomOrphan failed on a non-empty pool: %v", err)
		}
		if !pool.Add(newDependentTransaction(parent), peers.ID(i%orphanPeers)) {
			t.Fatalf("Add rejected dependent orphan %d", i)
		}
	}

	// A burst of oversized transactions changes nothing.
	for i := 0; i < 10; i++ {
		if pool.Add(newOrphanTransaction(2777), peers.ID(i%orphanPeers)) {
			t.Fatalf("Add accepted oversized transaction %d", i)
		}
	}
	if pool.Len() != 100 {
		t.Fatalf("Pool length is %d after the flood, want 100", pool.Len())
	}

	// Peers disconnect one by one; each erasure removes exactly that
	// peer's orphans.
	remaining := pool.Len()
	for peerID := peers.ID(0); peerID < orphanPeers; peerID++ {
		count := pool.CountForPeer(peerID)
		if count == 0 {
			t.Fatalf("Peer %d has no orphans attributed to it", peerID)
		}
		erased := pool.EraseForPeer(peerID)
		if erased != count {
			t.Fatalf("EraseForPeer(%d) erased %d orphans, want %d", peerID, erased, count)
		}
		remaining -= erased
		if pool.Len() != remaining {
			t.Fatalf("Pool length is %d after erasing peer %d, want %d", pool.Len(), peerID, remaining)
		}
	}
	if pool.Len() != 0 {
		t.Fatalf("Pool still holds %d orphans after all peers were erased", pool.Len())
	}
}

func TestLimit(t *testing.T) {
	pool := newTestPool(100, 100)
	for i := 0; i < 100; i++ {
		pool.Add(newOrphanTransaction(1), peers.ID(i%3))
	}

	pool.Limit(200)
	if pool.Len() != 100 {
		t.Fatalf("Limit above the current size changed the pool: length %d, want 100", pool.Len())
	}

	for _, maxCount := range []int{40, 10, 0} {
		pool.Limit(maxCount)
		if pool.Len() != maxCount {
			t.Fatalf("Pool length is %d after Limit(%d)", pool.Len(), maxCount)
		}
	}

	totalByPeer := pool.CountForPeer(0) + pool.CountForPeer(1) + pool.CountForPeer(2)
	if totalByPeer != 0 {
		t.Fatalf("Peer index still attributes %d orphans to peers after Limit(0)", totalByPeer)
	}
}
