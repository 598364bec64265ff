package defense

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/embernet/emberd/domain/mempool/orphanpool"
	"github.com/embernet/emberd/infrastructure/network/discouragement"
	"github.com/embernet/emberd/infrastructure/network/eviction"
	"github.com/embernet/emberd/infrastructure/network/misbehavior"
	"github.com/embernet/emberd/infrastructure/network/netaddress"
	"github.com/embernet/emberd/infrastructure/network/peers"
	"github.com/embernet/emberd/util/mstime"
)

// evaluationLoopInterval is the cadence on which the eviction policy is
// driven.
const evaluationLoopInterval = 30 * time.Second

// ErrAddressDiscouraged is returned by AcceptConnection when the dialing
// address is currently discouraged.
var ErrAddressDiscouraged = errors.New("address is discouraged")

// Manager ties the DoS defense components to the peer lifecycle: it admits
// connections against the discouragement store, drives the eviction policy
// on a fixed cadence, routes misbehavior reports, and cascades cleanup when
// a peer disconnects.
type Manager struct {
	registry   *peers.Registry
	tracker    *misbehavior.Tracker
	policy     *eviction.Policy
	orphanPool *orphanpool.Pool
	store      *discouragement.Store

	stop          uint32
	quit          chan struct{}
	resetLoopChan chan struct{}
	loopTicker    *time.Ticker
}

// NewManager assembles a defense manager from its components.
func NewManager(registry *peers.Registry, tracker *misbehavior.Tracker, policy *eviction.Policy,
	orphanPool *orphanpool.Pool, store *discouragement.Store) *Manager {

	return &Manager{
		registry:      registry,
		tracker:       tracker,
		policy:        policy,
		orphanPool:    orphanPool,
		store:         store,
		quit:          make(chan struct{}),
		resetLoopChan: make(chan struct{}),
		loopTicker:    time.NewTicker(evaluationLoopInterval),
	}
}

// Start begins the periodic evaluation loop.
func (m *Manager) Start() {
	spawn("Manager.evaluationLoop", m.evaluationLoop)
}

// Stop halts the periodic evaluation loop. It is idempotent.
func (m *Manager) Stop() {
	if !atomic.CompareAndSwapUint32(&m.stop, 0, 1) {
		return
	}
	close(m.quit)
	m.loopTicker.Stop()
}

// RunNow makes the evaluation loop run immediately instead of waiting for
// the next tick. After Stop it returns without effect.
func (m *Manager) RunNow() {
	select {
	case m.resetLoopChan <- struct{}{}:
	case <-m.quit:
	}
}

func (m *Manager) evaluationLoop() {
	for atomic.LoadUint32(&m.stop) == 0 {
		m.policy.Evaluate(mstime.Now())
		m.waitTillNextIteration()
	}
}

func (m *Manager) waitTillNextIteration() {
	select {
	case <-m.resetLoopChan:
		m.loopTicker.Reset(evaluationLoopInterval)
	case <-m.loopTicker.C:
	case <-m.quit:
	}
}

// AcceptConnection checks the dialing address against the discouragement
// store and, if it passes, registers the connection and returns its peer ID.
// Discouraged addresses get ErrAddressDiscouraged; the caller should drop the
// connection without a handshake.
func (m *Manager) AcceptConnection(address *netaddress.Address, connectionType peers.ConnectionType,
	now time.Time) (peers.ID, error) {

	isDiscouraged, err := m.store.IsDiscouraged(address, now)
	if err != nil {
		return 0, err
	}
	if isDiscouraged {
		log.Infof("Rejecting connection from discouraged address %s", address)
		return 0, errors.WithStack(ErrAddressDiscouraged)
	}

	return m.registry.AddPeer(address, connectionType, now), nil
}

// HandleDisconnect removes the peer's record and erases every orphan it
// originated, so that no index keeps a dangling reference to the connection.
// The misbehavior score dies with the record; any discouragement entry the
// peer earned stays.
func (m *Manager) HandleDisconnect(id peers.ID) error {
	info, err := m.registry.RemovePeer(id)
	if err != nil {
		return err
	}

	erased := m.orphanPool.EraseForPeer(id)
	log.Debugf("Peer %d (%s) disconnected; erased %d of its orphan transactions",
		id, info.Address, erased)
	return nil
}

// Penalize reports a protocol violation by the given peer.
func (m *Manager) Penalize(id peers.ID, amount uint32, reason string) error {
	return m.tracker.Penalize(id, amount, reason, mstime.Now())
}
