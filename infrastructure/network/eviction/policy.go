package eviction

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/embernet/emberd/infrastructure/logger"
	"github.com/embernet/emberd/infrastructure/network/peers"
)

// ChainState is the policy's view of the local best chain. It is implemented
// by the node's chain machinery; the policy never computes chain state
// itself.
type ChainState interface {
	// TipWork returns the cumulative work of the current tip. It is
	// monotonically non-decreasing.
	TipWork() *big.Int

	// TipLastChanged returns the last time the tip's work advanced.
	TipLastChanged() time.Time
}

// Config holds the eviction policy knobs.
type Config struct {
	// MaxOutboundFullRelay is the outbound full-relay connection budget.
	MaxOutboundFullRelay int

	// MaxOutboundBlockRelay is the outbound block-relay-only connection
	// budget.
	MaxOutboundBlockRelay int

	// MaxOutboundFeelers is the outbound feeler connection budget. Feelers
	// are short-lived probes; one that outlives the budget is overdue.
	MaxOutboundFeelers int

	// ProtectedOutboundPeers is how many outbound full-relay peers, ranked by
	// the chain work their announced headers contributed, are protected from
	// eviction.
	ProtectedOutboundPeers int

	// TargetBlockInterval is the expected time between blocks.
	TargetBlockInterval time.Duration

	// StaleTipFactor is the multiple of TargetBlockInterval after which the
	// tip is considered stale.
	StaleTipFactor int

	// MinimumConnectTime is how long a peer must be connected before it is
	// eligible for eviction.
	MinimumConnectTime time.Duration

	// ChainSyncTimeout is how long an outbound full-relay peer may stay below
	// the local tip work before it is disconnected for stalling.
	ChainSyncTimeout time.Duration
}

// Policy periodically inspects the outbound peer set and the local chain tip,
// requesting an extra outbound connection when the tip goes stale and marking
// at most one peer per category for disconnection when outbound slots are
// over-subscribed or a peer stalls.
//
// The policy only sets intent: it flags peers in the registry and fires the
// extra-outbound signal. Connection teardown and dialing are the connection
// manager's job.
type Policy struct {
	cfg                  *Config
	registry             *peers.Registry
	chainState           ChainState
	requestExtraOutbound func()

	mutex              sync.Mutex
	staleSignaled      bool
	lastObservedWork   *big.Int
	chainSyncDeadlines map[peers.ID]time.Time
}

// New returns an eviction policy over the given registry and chain state.
// requestExtraOutbound is a fire-and-forget hint to the connection manager;
// it may be ignored if the node is already at connection capacity.
func New(cfg *Config, registry *peers.Registry, chainState ChainState, requestExtraOutbound func()) *Policy {
	return &Policy{
		cfg:                  cfg,
		registry:             registry,
		chainState:           chainState,
		requestExtraOutbound: requestExtraOutbound,
		chainSyncDeadlines:   make(map[peers.ID]time.Time),
	}
}

// Evaluate runs one policy cycle at the given time. It never blocks: it is a
// pure function of the current peer records and the clock, plus the one-shot
// stale-tip signal.
func (p *Policy) Evaluate(now time.Time) {
	defer logger.LogAndMeasureExecutionTime(log, "Policy.Evaluate")()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.checkStaleTip(now)

	infos := p.registry.Peers()
	p.checkChainSyncStall(infos, now)
	p.evictExtraFullRelayPeer(infos, now)
	p.evictExtraBlockRelayPeer(infos, now)
	p.evictExtraFeelerPeer(infos)
}

// checkStaleTip requests one extra outbound connection attempt when the tip
// has not advanced for StaleTipFactor target block intervals. The signal
// fires at most once per stale period and is re-armed when the tip work
// advances.
func (p *Policy) checkStaleTip(now time.Time) {
	tipWork := p.chainState.TipWork()
	if p.lastObservedWork == nil || tipWork.Cmp(p.lastObservedWork) > 0 {
		p.lastObservedWork = new(big.Int).Set(tipWork)
		p.staleSignaled = false
	}

	staleAfter := time.Duration(p.cfg.StaleTipFactor) * p.cfg.TargetBlockInterval
	if now.Sub(p.chainState.TipLastChanged()) <= staleAfter {
		return
	}
	if p.staleSignaled {
		return
	}

	log.Warnf("Chain tip has not advanced for more than %s. Requesting an extra outbound connection", staleAfter)
	p.staleSignaled = true
	p.requestExtraOutbound()
}

// checkChainSyncStall marks outbound full-relay peers whose announced chain
// work stays below the local tip work for longer than ChainSyncTimeout.
func (p *Policy) checkChainSyncStall(infos []peers.Info, now time.Time) {
	tipWork := p.chainState.TipWork()

	live := make(map[peers.ID]struct{}, len(infos))
	for _, info := range infos {
		live[info.ID] = struct{}{}
		if info.ConnectionType != peers.ConnectionTypeOutboundFullRelay || info.DisconnectRequested {
			delete(p.chainSyncDeadlines, info.ID)
			continue
		}

		if info.AnnouncedWork.Cmp(tipWork) >= 0 {
			delete(p.chainSyncDeadlines, info.ID)
			continue
		}

		deadline, ok := p.chainSyncDeadlines[info.ID]
		if !ok {
			p.chainSyncDeadlines[info.ID] = now.Add(p.cfg.ChainSyncTimeout)
			continue
		}
		if now.Before(deadline) {
			continue
		}

		log.Infof("Outbound peer %d has not caught up to the local chain work for over %s, disconnecting",
			info.ID, p.cfg.ChainSyncTimeout)
		p.markForDisconnect(info.ID)
		delete(p.chainSyncDeadlines, info.ID)
	}

	// Drop deadlines of peers that disconnected since the last cycle.
	for id := range p.chainSyncDeadlines {
		if _, ok := live[id]; !ok {
			delete(p.chainSyncDeadlines, id)
		}
	}
}

// evictExtraFullRelayPeer selects at most one outbound full-relay peer for
// disconnection when the category is over budget.
//
// The top ProtectedOutboundPeers peers by announced chain work are never
// selected, provided their contributed work is nonzero: a peer that has
// recently proven useful keeps its slot regardless of connection age.
func (p *Policy) evictExtraFullRelayPeer(infos []peers.Info, now time.Time) {
	candidates := filterCandidates(infos, peers.ConnectionTypeOutboundFullRelay)
	if len(candidates) <= p.cfg.MaxOutboundFullRelay {
		return
	}

	protected := protectedSet(candidates, p.cfg.ProtectedOutboundPeers)

	var victim *peers.Info
	for i := range candidates {
		candidate := &candidates[i]
		if _, ok := protected[candidate.ID]; ok {
			continue
		}
		if now.Sub(candidate.TimeConnected) < p.cfg.MinimumConnectTime {
			continue
		}
		if victim == nil || fullRelayRanksBefore(candidate, victim) {
			victim = candidate
		}
	}
	if victim == nil {
		log.Debugf("%d outbound full-relay peers over a budget of %d, but no peer is eligible for eviction",
			len(candidates), p.cfg.MaxOutboundFullRelay)
		return
	}

	log.Infof("Evicting outbound full-relay peer %d (%s): %d connections over a budget of %d",
		victim.ID, victim.Address, len(candidates), p.cfg.MaxOutboundFullRelay)
	p.markForDisconnect(victim.ID)
}

// evictExtraBlockRelayPeer is the block-relay-only analogue of
// evictExtraFullRelayPeer. Block-relay-only peers carry no transaction
// traffic, so they are ranked purely by how recently they delivered a block.
func (p *Policy) evictExtraBlockRelayPeer(infos []peers.Info, now time.Time) {
	candidates := filterCandidates(infos, peers.ConnectionTypeOutboundBlockRelay)
	if len(candidates) <= p.cfg.MaxOutboundBlockRelay {
		return
	}

	var victim *peers.Info
	for i := range candidates {
		candidate := &candidates[i]
		if now.Sub(candidate.TimeConnected) < p.cfg.MinimumConnectTime {
			continue
		}
		if victim == nil || blockRelayRanksBefore(candidate, victim) {
			victim = candidate
		}
	}
	if victim == nil {
		log.Debugf("%d outbound block-relay peers over a budget of %d, but no peer is eligible for eviction",
			len(candidates), p.cfg.MaxOutboundBlockRelay)
		return
	}

	log.Infof("Evicting outbound block-relay peer %d (%s): %d connections over a budget of %d",
		victim.ID, victim.Address, len(candidates), p.cfg.MaxOutboundBlockRelay)
	p.markForDisconnect(victim.ID)
}

// evictExtraFeelerPeer disconnects the longest-connected feeler when the
// feeler category is over budget. Feelers are torn down by the connection
// manager right after the probe completes, so an over-budget feeler set means
// some probe is stuck; the minimum connect time grace does not apply.
func (p *Policy) evictExtraFeelerPeer(infos []peers.Info) {
	candidates := filterCandidates(infos, peers.ConnectionTypeOutboundFeeler)
	if len(candidates) <= p.cfg.MaxOutboundFeelers {
		return
	}

	var victim *peers.Info
	for i := range candidates {
		candidate := &candidates[i]
		if victim == nil || feelerRanksBefore(candidate, victim) {
			victim = candidate
		}
	}

	log.Infof("Evicting feeler peer %d (%s): %d connections over a budget of %d",
		victim.ID, victim.Address, len(candidates), p.cfg.MaxOutboundFeelers)
	p.markForDisconnect(victim.ID)
}

func (p *Policy) markForDisconnect(id peers.ID) {
	err := p.registry.MarkForDisconnect(id)
	if err != nil {
		// The peer disconnected between the snapshot and here.
		log.Debugf("Could not mark peer %d for disconnection: %s", id, err)
	}
}

func filterCandidates(infos []peers.Info, connectionType peers.ConnectionType) []peers.Info {
	candidates := make([]peers.Info, 0, len(infos))
	for _, info := range infos {
		if info.ConnectionType == connectionType && !info.DisconnectRequested {
			candidates = append(candidates, info)
		}
	}
	return candidates
}

// protectedSet returns the IDs of the top `count` candidates by announced
// chain work. Peers that never contributed headers with nonzero work are not
// protected no matter how few contributors there are. Equal work is resolved
// in favor of the earlier connection.
func protectedSet(candidates []peers.Info, count int) map[peers.ID]struct{} {
	byWork := make([]peers.Info, len(candidates))
	copy(byWork, candidates)
	sort.Slice(byWork, func(i, j int) bool {
		cmp := byWork[i].AnnouncedWork.Cmp(byWork[j].AnnouncedWork)
		if cmp != 0 {
			return cmp > 0
		}
		return byWork[i].ID < byWork[j].ID
	})

	protected := make(map[peers.ID]struct{}, count)
	for _, info := range byWork {
		if len(protected) == count {
			break
		}
		if info.AnnouncedWork.Sign() <= 0 {
			break
		}
		protected[info.ID] = struct{}{}
	}
	return protected
}

// fullRelayRanksBefore returns whether a should be evicted before b.
//
// The order is total: oldest last-block-announcement time first, then oldest
// last-full-block time, then earliest connection time, then lowest ID. Peers
// that never announced a block carry the zero time and therefore sort ahead
// of any peer that did; among such peers the earliest-connected one goes
// first.
func fullRelayRanksBefore(a, b *peers.Info) bool {
	if !a.LastBlockAnnounceTime.Equal(b.LastBlockAnnounceTime) {
		return a.LastBlockAnnounceTime.Before(b.LastBlockAnnounceTime)
	}
	if !a.LastBlockTime.Equal(b.LastBlockTime) {
		return a.LastBlockTime.Before(b.LastBlockTime)
	}
	if !a.TimeConnected.Equal(b.TimeConnected) {
		return a.TimeConnected.Before(b.TimeConnected)
	}
	return a.ID < b.ID
}

// feelerRanksBefore ranks feelers by connection age: the longest-connected
// one goes first, then lowest ID.
func feelerRanksBefore(a, b *peers.Info) bool {
	if !a.TimeConnected.Equal(b.TimeConnected) {
		return a.TimeConnected.Before(b.TimeConnected)
	}
	return a.ID < b.ID
}

// blockRelayRanksBefore is the ranking used for block-relay-only peers:
// oldest last-full-block time first, then earliest connection time, then
// lowest ID.
func blockRelayRanksBefore(a, b *peers.Info) bool {
	if !a.LastBlockTime.Equal(b.LastBlockTime) {
		return a.LastBlockTime.Before(b.LastBlockTime)
	}
	if !a.TimeConnected.Equal(b.TimeConnected) {
		return a.TimeConnected.Before(b.TimeConnected)
	}
	return a.ID < b.ID
}
