package orphanpool

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/embernet/emberd/domain/model"
	"github.com/embernet/emberd/infrastructure/network/peers"
)

// ErrEmptyPool is returned by RandomOrphan when the pool holds no orphans.
// Callers are expected to check emptiness first; hitting this error indicates
// a bug in the calling code.
var ErrEmptyPool = errors.New("orphan pool is empty")

// orphanTransaction is one stored orphan together with its bookkeeping.
type orphanTransaction struct {
	transaction *model.Transaction
	peerID      peers.ID
}

type idToOrphan map[model.TransactionID]*orphanTransaction
type transactionIDSet map[model.TransactionID]struct{}

// Pool buffers transactions whose inputs cannot yet be resolved against
// known outputs, bounded by count to prevent memory exhaustion from floods
// of unverifiable transactions.
//
// Orphans are indexed by transaction ID and, secondarily, by originating
// peer so that a disconnecting peer's orphans can be erased in time
// proportional to their number. Both indices are mutated together under one
// lock and are never observable out of step.
type Pool struct {
	mutex sync.Mutex

	cfg    *Config
	random *rand.Rand

	allOrphans    idToOrphan
	orphansByPeer map[peers.ID]transactionIDSet
}

// New returns an empty orphan pool. The randomness source drives capacity
// eviction; passing it in explicitly keeps eviction independently seedable.
func New(cfg *Config, random *rand.Rand) *Pool {
	return &Pool{
		cfg:           cfg,
		random:        random,
		allOrphans:    idToOrphan{},
		orphansByPeer: make(map[peers.ID]transactionIDSet),
	}
}

// Add inserts the given transaction as an orphan originating from the given
// peer. It returns false, mutating nothing, if the pool capacity is
// non-positive, if the transaction carries more inputs than the configured
// bound, or if its ID is already stored. When the pool is at capacity a
// random orphan is evicted to make room.
func (p *Pool) Add(transaction *model.Transaction, peerID peers.ID) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.cfg.MaximumOrphanTransactionCount <= 0 {
		return false
	}

	if len(transaction.Inputs) > p.cfg.MaximumOrphanTransactionInputs {
		log.Debugf("Rejecting orphan transaction %s with %d inputs: more than the maximum of %d",
			transaction.ID(), len(transaction.Inputs), p.cfg.MaximumOrphanTransactionInputs)
		return false
	}

	transactionID := *transaction.ID()
	if _, ok := p.allOrphans[transactionID]; ok {
		return false
	}

	for len(p.allOrphans) >= p.cfg.MaximumOrphanTransactionCount {
		p.removeOrphan(p.randomOrphanID())
	}

	p.allOrphans[transactionID] = &orphanTransaction{
		transaction: transaction,
		peerID:      peerID,
	}
	peerSet, ok := p.orphansByPeer[peerID]
	if !ok {
		peerSet = transactionIDSet{}
		p.orphansByPeer[peerID] = peerSet
	}
	peerSet[transactionID] = struct{}{}

	log.Debugf("Stored orphan transaction %s from peer %d (total: %d)",
		transactionID, peerID, len(p.allOrphans))
	return true
}

// Remove deletes the orphan with the given ID, if present, and reports
// whether it was stored. This is the entry point for the external relay
// path, which removes an orphan once its missing inputs become available.
func (p *Pool) Remove(transactionID model.TransactionID) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.allOrphans[transactionID]; !ok {
		return false
	}
	p.removeOrphan(transactionID)
	return true
}

// EraseForPeer removes every orphan originating from the given peer and
// returns how many were removed.
func (p *Pool) EraseForPeer(peerID peers.ID) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	peerSet, ok := p.orphansByPeer[peerID]
	if !ok {
		return 0
	}

	count := len(peerSet)
	for transactionID := range peerSet {
		p.removeOrphan(transactionID)
	}

	if count > 0 {
		log.Debugf("Erased %d orphan transactions of peer %d", count, peerID)
	}
	return count
}

// Limit evicts orphans chosen uniformly at random until the pool holds at
// most maxCount entries. Limit(0) empties the pool.
func (p *Pool) Limit(maxCount int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	evictCount := len(p.allOrphans) - maxCount
	if evictCount <= 0 {
		return
	}

	transactionIDs := p.transactionIDs()
	p.random.Shuffle(len(transactionIDs), func(i, j int) {
		transactionIDs[i], transactionIDs[j] = transactionIDs[j], transactionIDs[i]
	})
	for _, transactionID := range transactionIDs[:evictCount] {
		p.removeOrphan(transactionID)
	}

	log.Debugf("Evicted %d orphan transactions to keep the pool at %d", evictCount, maxCount)
}

// RandomOrphan returns an arbitrary stored orphan transaction. It returns
// ErrEmptyPool if the pool is empty; callers must check emptiness first.
func (p *Pool) RandomOrphan() (*model.Transaction, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.allOrphans) == 0 {
		return nil, errors.WithStack(ErrEmptyPool)
	}
	return p.allOrphans[p.randomOrphanID()].transaction, nil
}

// Len returns the number of orphans currently stored.
func (p *Pool) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.allOrphans)
}

// CountForPeer returns the number of stored orphans originating from the
// given peer.
func (p *Pool) CountForPeer(peerID peers.ID) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.orphansByPeer[peerID])
}

// removeOrphan deletes one orphan from both indices. Must be called with the
// pool lock held and with a transaction ID known to be stored.
func (p *Pool) removeOrphan(transactionID model.TransactionID) {
	orphan := p.allOrphans[transactionID]
	delete(p.allOrphans, transactionID)

	peerSet := p.orphansByPeer[orphan.peerID]
	delete(peerSet, transactionID)
	if len(peerSet) == 0 {
		delete(p.orphansByPeer, orphan.peerID)
	}
}

// randomOrphanID picks a stored transaction ID uniformly at random. Must be
// called with the pool lock held and a non-empty pool.
func (p *Pool) randomOrphanID() model.TransactionID {
	transactionIDs := p.transactionIDs()
	return transactionIDs[p.random.Intn(len(transactionIDs))]
}

func (p *Pool) transactionIDs() []model.TransactionID {
	transactionIDs := make([]model.TransactionID, 0, len(p.allOrphans))
	for transactionID := range p.allOrphans {
		transactionIDs = append(transactionIDs, transactionID)
	}
	return transactionIDs
}
