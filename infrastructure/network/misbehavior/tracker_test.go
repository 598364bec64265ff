package misbehavior

import (
	"math"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/embernet/emberd/infrastructure/db/database/ldb"
	"github.com/embernet/emberd/infrastructure/network/discouragement"
	"github.com/embernet/emberd/infrastructure/network/netaddress"
	"github.com/embernet/emberd/infrastructure/network/peers"
	"github.com/embernet/emberd/util/mstime"
)

const testThreshold = 100

func setupTracker(t *testing.T, cfg *Config) (*Tracker, *peers.Registry, *discouragement.Store) {
	db, err := ldb.NewLevelDB(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("NewLevelDB failed: %v", err)
	}
	t.Cleanup(func() {
		err := db.Close()
		if err != nil {
			t.Errorf("Closing the database failed: %v", err)
		}
	})

	store, err := discouragement.New(db, 24*time.Hour)
	if err != nil {
		t.Fatalf("discouragement.New failed: %v", err)
	}
	registry := peers.NewRegistry()
	return NewTracker(cfg, registry, store), registry, store
}

func defaultTestConfig() *Config {
	return &Config{DiscouragementThreshold: testThreshold}
}

func addTestPeer(t *testing.T, registry *peers.Registry, lastByte byte) peers.ID {
	address := netaddress.FromIP(net.IPv4(10, 0, 0, lastByte), 16111)
	return registry.AddPeer(address, peers.ConnectionTypeInbound, mstime.Now())
}

func checkDisconnectAndDiscouragement(t *testing.T, registry *peers.Registry, store *discouragement.Store,
	id peers.ID, lastByte byte, wantMarked, wantDiscouraged bool) {

	t.Helper()

	marked, err := registry.IsMarkedForDisconnect(id)
	if err != nil {
		t.Fatalf("IsMarkedForDisconnect failed: %v", err)
	}
	if marked != wantMarked {
		t.Fatalf("Peer %d marked for disconnect: %t, want %t", id, marked, wantMarked)
	}

	address := netaddress.FromIP(net.IPv4(10, 0, 0, lastByte), 16111)
	isDiscouraged, err := store.IsDiscouraged(address, mstime.Now())
	if err != nil {
		t.Fatalf("IsDiscouraged failed: %v", err)
	}
	if isDiscouraged != wantDiscouraged {
		t.Fatalf("Address %s discouraged: %t, want %t", address, isDiscouraged, wantDiscouraged)
	}
}

func TestPenalizeBelowThreshold(t *testing.T) {
	tracker, registry, store := setupTracker(t, defaultTestConfig())
	id := addTestPeer(t, registry, 1)

	err := tracker.Penalize(id, testThreshold-1, "test misbehavior", mstime.Now())
	if err != nil {
		t.Fatalf("Penalize failed: %v", err)
	}
	checkDisconnectAndDiscouragement(t, registry, store, id, 1, false, false)
}

func TestPenalizeCrossingThreshold(t *testing.T) {
	tests := []struct {
		name      string
		penalties []uint32
	}{
		{"single penalty at the threshold", []uint32{testThreshold}},
		{"accumulated penalties", []uint32{testThreshold - 1, 1}},
		{"overshooting penalty", []uint32{10, testThreshold}},
		{"maximal penalty", []uint32{10, math.MaxUint32}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tracker, registry, store := setupTracker(t, defaultTestConfig())
			id := addTestPeer(t, registry, 1)

			for _, amount := range test.penalties {
				err := tracker.Penalize(id, amount, "test misbehavior", mstime.Now())
				if err != nil {
					t.Fatalf("Penalize failed: %v", err)
				}
			}
			checkDisconnectAndDiscouragement(t, registry, store, id, 1, true, true)
		})
	}
}

func TestPenalizeAfterCrossingOnlyReconfirms(t *testing.T) {
	tracker, registry, store := setupTracker(t, defaultTestConfig())
	id := addTestPeer(t, registry, 1)

	now := mstime.Now()
	err := tracker.Penalize(id, testThreshold, "test misbehavior", now)
	if err != nil {
		t.Fatalf("Penalize failed: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("Store holds %d entries after the crossing, want 1", store.Len())
	}

	err = tracker.Penalize(id, testThreshold, "test misbehavior", now)
	if err != nil {
		t.Fatalf("Penalize failed: %v", err)
	}
	checkDisconnectAndDiscouragement(t, registry, store, id, 1, true, true)
	if store.Len() != 1 {
		t.Fatalf("A repeat penalty duplicated the discouragement: store holds %d entries", store.Len())
	}
}

func TestPenaltiesAreIsolatedBetweenPeers(t *testing.T) {
	tracker, registry, store := setupTracker(t, defaultTestConfig())
	first := addTestPeer(t, registry, 1)
	second := addTestPeer(t, registry, 2)

	now := mstime.Now()
	err := tracker.Penalize(first, testThreshold-1, "test misbehavior", now)
	if err != nil {
		t.Fatalf("Penalize failed: %v", err)
	}
	err = tracker.Penalize(second, testThreshold-1, "test misbehavior", now)
	if err != nil {
		t.Fatalf("Penalize failed: %v", err)
	}

	// Neither peer crossed on its own, even though the sum is over the
	// threshold.
	checkDisconnectAndDiscouragement(t, registry, store, first, 1, false, false)
	checkDisconnectAndDiscouragement(t, registry, store, second, 2, false, false)

	err = tracker.Penalize(second, 1, "test misbehavior", now)
	if err != nil {
		t.Fatalf("Penalize failed: %v", err)
	}
	checkDisconnectAndDiscouragement(t, registry, store, first, 1, false, false)
	checkDisconnectAndDiscouragement(t, registry, store, second, 2, true, true)
}

func TestPenalizeOnionPeer(t *testing.T) {
	tracker, registry, store := setupTracker(t, defaultTestConfig())

	onionAddress, err := netaddress.FromOnion(
		"pg6mmjiyjmcrsslvykfwnntlaru7p5svn6y2ymmju6nubxndf4pscryd.onion", 16111)
	if err != nil {
		t.Fatalf("FromOnion failed: %v", err)
	}
	id := registry.AddPeer(onionAddress, peers.ConnectionTypeInbound, mstime.Now())

	err = tracker.Penalize(id, testThreshold, "test misbehavior", mstime.Now())
	if err != nil {
		t.Fatalf("Penalize failed: %v", err)
	}

	isDiscouraged, err := store.IsDiscouraged(onionAddress, mstime.Now())
	if err != nil {
		t.Fatalf("IsDiscouraged failed: %v", err)
	}
	if !isDiscouraged {
		t.Fatalf("Onion address %s is not discouraged after crossing the threshold", onionAddress)
	}
}

func TestDisableDiscouragement(t *testing.T) {
	tracker, registry, store := setupTracker(t, &Config{
		DiscouragementThreshold: testThreshold,
		DisableDiscouragement:   true,
	})
	id := addTestPeer(t, registry, 1)

	err := tracker.Penalize(id, testThreshold, "test misbehavior", mstime.Now())
	if err != nil {
		t.Fatalf("Penalize failed: %v", err)
	}

	// The peer is still disconnected, but its address stays clean.
	checkDisconnectAndDiscouragement(t, registry, store, id, 1, true, false)
	if store.Len() != 0 {
		t.Fatalf("Store holds %d entries with discouragement disabled", store.Len())
	}
}

func TestPenalizeUnknownPeer(t *testing.T) {
	tracker, _, _ := setupTracker(t, defaultTestConfig())

	err := tracker.Penalize(42, 10, "test misbehavior", mstime.Now())
	if !errors.Is(err, peers.ErrPeerNotFound) {
		t.Fatalf("Penalize of an unknown peer returned %v, want ErrPeerNotFound", err)
	}
}
