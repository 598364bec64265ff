package misbehavior

import (
	"time"

	"github.com/embernet/emberd/infrastructure/network/discouragement"
	"github.com/embernet/emberd/infrastructure/network/peers"
)

// Config holds the tracker's policy knobs.
type Config struct {
	// DiscouragementThreshold is the misbehavior score at or above which a
	// peer is discouraged and disconnected.
	DiscouragementThreshold uint32

	// DisableDiscouragement disables inserting addresses into the
	// discouragement store. Offending peers are still disconnected.
	DisableDiscouragement bool
}

// Tracker accumulates misbehavior scores per peer and, when a peer crosses
// the discouragement threshold, discourages its address and flags the
// connection for disconnection.
//
// The score is connection-scoped state and dies with the peer record; the
// durable artifact of misbehavior is the address-scoped discouragement entry.
type Tracker struct {
	cfg      *Config
	registry *peers.Registry
	store    *discouragement.Store
}

// NewTracker returns a misbehavior tracker operating on the given registry
// and discouragement store.
func NewTracker(cfg *Config, registry *peers.Registry, store *discouragement.Store) *Tracker {
	return &Tracker{
		cfg:      cfg,
		registry: registry,
		store:    store,
	}
}

// Penalize increases the peer's misbehavior score by amount. The reason is
// not interpreted; it is only logged. If the resulting score reaches the
// discouragement threshold, the peer's address is discouraged and the peer is
// marked for disconnection.
//
// Penalizing a peer that already crossed the threshold only re-confirms the
// disconnect flag. Penalizing an unknown peer ID returns ErrPeerNotFound;
// correct callers never reach that state.
func (t *Tracker) Penalize(id peers.ID, amount uint32, reason string, now time.Time) error {
	previousScore, score, err := t.registry.AddMisbehaviorScore(id, amount)
	if err != nil {
		return err
	}

	threshold := t.cfg.DiscouragementThreshold
	if previousScore >= threshold {
		// Already discouraged on an earlier crossing.
		return t.registry.MarkForDisconnect(id)
	}

	warnThreshold := threshold >> 1
	if score < threshold {
		if score > warnThreshold {
			log.Warnf("Misbehaving peer %d: %s -- misbehavior score increased to %d", id, reason, score)
		}
		return nil
	}

	// This call observed the threshold crossing.
	log.Warnf("Misbehaving peer %d: %s -- score %d reached the discouragement "+
		"threshold, disconnecting", id, reason, score)

	if !t.cfg.DisableDiscouragement {
		info, err := t.registry.Peer(id)
		if err != nil {
			return err
		}
		err = t.store.Discourage(info.Address, now)
		if err != nil {
			return err
		}
	}

	return t.registry.MarkForDisconnect(id)
}
