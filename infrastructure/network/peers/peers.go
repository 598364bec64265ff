package peers

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/embernet/emberd/infrastructure/network/netaddress"
)

// ID identifies a connection for its lifetime. IDs are assigned sequentially
// and are never reused while the process lives.
type ID uint64

// ErrPeerNotFound is returned when an operation references a peer ID that is
// not registered. Reaching it indicates a bug in the calling code: every
// caller should hold a live peer ID.
var ErrPeerNotFound = errors.New("peer not found")

// peer is the registry's record of one live connection. All fields are
// guarded by the registry's lock.
type peer struct {
	id                    ID
	address               *netaddress.Address
	connectionType        ConnectionType
	timeConnected         time.Time
	lastBlockAnnounceTime time.Time
	lastBlockTime         time.Time
	announcedWork         *big.Int
	misbehaviorScore      uint32
	disconnectRequested   bool
}

// Info is an immutable snapshot of a peer record, safe to use without
// holding the registry's lock.
type Info struct {
	ID                    ID
	Address               *netaddress.Address
	ConnectionType        ConnectionType
	TimeConnected         time.Time
	LastBlockAnnounceTime time.Time
	LastBlockTime         time.Time
	AnnouncedWork         *big.Int
	MisbehaviorScore      uint32
	DisconnectRequested   bool
}

// Registry holds the records of all live connections. A single coarse lock
// guards the whole set, so cross-peer scans always observe a consistent
// state.
type Registry struct {
	mutex  sync.Mutex
	peers  map[ID]*peer
	nextID ID
}

// NewRegistry returns an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[ID]*peer),
	}
}

// AddPeer registers a new connection established at the given time and
// returns its freshly assigned ID.
func (r *Registry) AddPeer(address *netaddress.Address, connectionType ConnectionType, now time.Time) ID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.nextID++
	id := r.nextID
	r.peers[id] = &peer{
		id:             id,
		address:        address,
		connectionType: connectionType,
		timeConnected:  now,
		announcedWork:  new(big.Int),
	}

	log.Debugf("Registered %s peer %d (%s)", connectionType, id, address)
	return id
}

// RemovePeer unregisters the peer with the given ID and returns its final
// record, so that callers can cascade cleanup of any state indexed by it.
func (r *Registry) RemovePeer(id ID) (Info, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return Info{}, errors.Wrapf(ErrPeerNotFound, "cannot remove peer %d", id)
	}
	delete(r.peers, id)

	log.Debugf("Unregistered %s peer %d (%s)", p.connectionType, id, p.address)
	return p.info(), nil
}

// Peer returns a snapshot of the peer with the given ID.
func (r *Registry) Peer(id ID) (Info, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return Info{}, errors.Wrapf(ErrPeerNotFound, "no peer with ID %d", id)
	}
	return p.info(), nil
}

// Peers returns a consistent snapshot of all live peer records.
func (r *Registry) Peers() []Info {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	infos := make([]Info, 0, len(r.peers))
	for _, p := range r.peers {
		infos = append(infos, p.info())
	}
	return infos
}

// Count returns the number of live peers of the given connection type that
// are not already marked for disconnection.
func (r *Registry) Count(connectionType ConnectionType) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	count := 0
	for _, p := range r.peers {
		if p.connectionType == connectionType && !p.disconnectRequested {
			count++
		}
	}
	return count
}

// UpdateLastBlockAnnounceTime records that the peer announced a block header
// at the given time.
func (r *Registry) UpdateLastBlockAnnounceTime(id ID, now time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return errors.Wrapf(ErrPeerNotFound, "no peer with ID %d", id)
	}
	p.lastBlockAnnounceTime = now
	return nil
}

// UpdateLastBlockTime records that a full block was received from the peer at
// the given time.
func (r *Registry) UpdateLastBlockTime(id ID, now time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return errors.Wrapf(ErrPeerNotFound, "no peer with ID %d", id)
	}
	p.lastBlockTime = now
	return nil
}

// SetAnnouncedWork updates the cumulative chain work claimed by the peer's
// announced headers. The stored value never decreases; stale or lying
// announcements of lower work are ignored.
func (r *Registry) SetAnnouncedWork(id ID, work *big.Int) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return errors.Wrapf(ErrPeerNotFound, "no peer with ID %d", id)
	}
	if work.Cmp(p.announcedWork) > 0 {
		p.announcedWork.Set(work)
	}
	return nil
}

// AddMisbehaviorScore increases the peer's misbehavior score by amount and
// returns the totals before and after the increase. Scores only ever grow;
// they are discarded with the record when the peer disconnects.
func (r *Registry) AddMisbehaviorScore(id ID, amount uint32) (previousScore, newScore uint32, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return 0, 0, errors.Wrapf(ErrPeerNotFound, "no peer with ID %d", id)
	}
	previousScore = p.misbehaviorScore
	// Saturate instead of wrapping, so a huge penalty cannot lower the score.
	if amount > math.MaxUint32-previousScore {
		p.misbehaviorScore = math.MaxUint32
	} else {
		p.misbehaviorScore += amount
	}
	return previousScore, p.misbehaviorScore, nil
}

// MarkForDisconnect flags the peer for disconnection. The actual connection
// teardown is performed asynchronously by the connection manager once it
// observes the flag; marking is idempotent.
func (r *Registry) MarkForDisconnect(id ID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return errors.Wrapf(ErrPeerNotFound, "no peer with ID %d", id)
	}
	if !p.disconnectRequested {
		p.disconnectRequested = true
		log.Debugf("Peer %d (%s) marked for disconnection", id, p.address)
	}
	return nil
}

// IsMarkedForDisconnect returns whether the peer is flagged for
// disconnection.
func (r *Registry) IsMarkedForDisconnect(id ID) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return false, errors.Wrapf(ErrPeerNotFound, "no peer with ID %d", id)
	}
	return p.disconnectRequested, nil
}

func (p *peer) info() Info {
	return Info{
		ID:                    p.id,
		Address:               p.address,
		ConnectionType:        p.connectionType,
		TimeConnected:         p.timeConnected,
		LastBlockAnnounceTime: p.lastBlockAnnounceTime,
		LastBlockTime:         p.lastBlockTime,
		AnnouncedWork:         new(big.Int).Set(p.announcedWork),
		MisbehaviorScore:      p.misbehaviorScore,
		DisconnectRequested:   p.disconnectRequested,
	}
}
