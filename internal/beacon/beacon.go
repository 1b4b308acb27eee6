// Package beacon implements the Secure Network Beacon: a periodic
// broadcaster, an on-demand generator, and a receive-authenticate path
// that forwards IV-update / key-refresh state to a network-management
// collaborator. Grounded on mesh_network_beacon.c for the frame and
// broadcast/receive flow, and on the teacher's bfd.Session periodic
// timer loop for the broadcast cycle.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/packetcraft-inc/stacks-sub006/internal/bearer"
	"github.com/packetcraft-inc/stacks-sub006/internal/wire"
)

// DefaultBroadcastInterval is the beacon broadcast cycle's default
// period (Section 4.6); the daemon config may override it.
const DefaultBroadcastInterval = 10 * time.Second

// AuthQueueDepth is the hard cap on beacons awaiting authentication.
// Above this, incoming beacons are silently dropped per the source's
// own behavior (Section 9 Open Question decision): a metric counts the
// drops, but no application event is surfaced.
const AuthQueueDepth = 8

// ErrAuthQueueFull is returned internally when the RX auth queue is at
// capacity; callers only observe the drop via the metrics hook.
var ErrAuthQueueFull = errors.New("beacon: auth queue full")

// SubNet describes one NetKey index's current beacon material.
type SubNet struct {
	NetKeyIndex     uint16
	NetworkID       [8]byte
	IVIndex         uint32
	KeyRefreshPhase2 bool
}

// Crypto is the external collaborator computing beacon auth values.
type Crypto interface {
	// ComputeAuth returns the 8-byte auth value for the given sub-net,
	// using the new key if useNewKey is set (Key Refresh Phase 2).
	ComputeAuth(sub SubNet, flags uint8, useNewKey bool, cb func(auth [8]byte, err error))
	// Authenticate verifies a received beacon's auth against the known
	// sub-net(s), reporting which NetKeyIndex (if any) it matched and
	// whether the new key was used.
	Authenticate(raw []byte, cb func(netKeyIndex uint16, newKeyUsed bool, matched bool))
}

// Management receives authenticated beacon reports and owns IV-update /
// key-refresh state transitions.
type Management interface {
	OnBeaconAuthenticated(netKeyIndex uint16, newKeyUsed bool, rxIV uint32, keyRefresh, ivUpdate bool)
	LocalIVIndex() uint32
	SubNets() []SubNet
	BeaconEnabled() bool
	IsProxyClient() bool
}

// DropCounter observes beacon-auth-queue drops for the
// bearer_beacon_auth_queue_drops_total metric (Section 9 decision).
type DropCounter interface {
	IncBeaconAuthQueueDrops()
}

// Beacon owns the broadcast cycle and the RX authentication queue.
type Beacon struct {
	crypto   Crypto
	mgmt     Management
	dispatch *bearer.Dispatch
	drops    DropCounter
	logger   *slog.Logger

	rxMu    sync.Mutex
	rxBusy  bool
	rxQueue [][]byte
}

// New creates a Beacon module.
func New(crypto Crypto, mgmt Management, dispatch *bearer.Dispatch, drops DropCounter, logger *slog.Logger) *Beacon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Beacon{
		crypto:   crypto,
		mgmt:     mgmt,
		dispatch: dispatch,
		drops:    drops,
		logger:   logger.With(slog.String("component", "beacon")),
	}
}

// RunBroadcast drives the periodic broadcast cycle until ctx is
// cancelled. interval <= 0 falls back to DefaultBroadcastInterval.
func (b *Beacon) RunBroadcast(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.broadcastOnce()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.broadcastOnce()
		}
	}
}

// broadcastOnce emits one beacon per sub-net over all ADV interfaces,
// when enabled (Section 4.6).
func (b *Beacon) broadcastOnce() {
	if !b.mgmt.BeaconEnabled() || b.mgmt.IsProxyClient() {
		return
	}

	for _, sub := range b.mgmt.SubNets() {
		b.GenerateOnDemand(sub, func(frame []byte, err error) {
			if err != nil {
				b.logger.Warn("generate beacon failed", slog.String("error", err.Error()))
				return
			}
			b.sendOverADV(frame)
		})
	}
}

// GenerateOnDemand produces a single beacon for sub and invokes cb on
// completion (Section 4.6, "On-demand").
func (b *Beacon) GenerateOnDemand(sub SubNet, cb func(frame []byte, err error)) {
	var flags uint8
	if sub.KeyRefreshPhase2 {
		flags |= wire.FlagKeyRefreshPhase2
	}

	b.crypto.ComputeAuth(sub, flags, sub.KeyRefreshPhase2, func(auth [8]byte, err error) {
		if err != nil {
			cb(nil, fmt.Errorf("beacon: compute auth: %w", err))
			return
		}

		sb := wire.SecureBeacon{
			Flags:     flags,
			NetworkID: sub.NetworkID,
			IVIndex:   sub.IVIndex,
			Auth:      auth,
		}
		buf := make([]byte, wire.SecureBeaconLen)
		if err := wire.PackSecureBeacon(sb, buf); err != nil {
			cb(nil, fmt.Errorf("beacon: pack: %w", err))
			return
		}
		cb(buf, nil)
	})
}

// sendOverADV sends frame on every ADV interface, never GATT.
func (b *Beacon) sendOverADV(frame []byte) {
	for _, id := range b.dispatch.ListInterfaces() {
		if id.Kind() != bearer.KindADV {
			continue
		}
		if err := b.dispatch.Send(id, bearer.ADTypeBeacon, frame); err != nil {
			b.logger.Debug("beacon send failed", slog.Any("interface", id), slog.String("error", err.Error()))
		}
	}
}

// InboundFrame implements bearer.Consumer for ADTypeBeacon frames,
// dispatching secure-network beacons into the RX authentication path.
// Unprovisioned beacons (type 0x00) are not this module's concern.
func (b *Beacon) InboundFrame(id bearer.InterfaceID, adType uint8, payload []byte) {
	if len(payload) == 0 || payload[0] != wire.BeaconTypeSecureNetwork {
		return
	}
	b.EnqueueRX(payload)
}

// EnqueueRX filters by IV delta, then queues the raw beacon for
// single-in-flight authentication, dropping (and counting) when the
// queue is at AuthQueueDepth.
func (b *Beacon) EnqueueRX(raw []byte) {
	sb, err := wire.UnpackSecureBeacon(raw)
	if err != nil {
		return
	}
	if !wire.IVAccepted(b.mgmt.LocalIVIndex(), sb.IVIndex) {
		return
	}

	b.rxMu.Lock()
	defer b.rxMu.Unlock()

	if len(b.rxQueue) >= AuthQueueDepth {
		if b.drops != nil {
			b.drops.IncBeaconAuthQueueDrops()
		}
		return
	}

	b.rxQueue = append(b.rxQueue, raw)
	if !b.rxBusy {
		b.drainRXLocked()
	}
}

// drainRXLocked pops the next queued beacon and hands it to the crypto
// collaborator. Caller must hold rxMu on entry; drainRXLocked releases
// it for the (possibly synchronous) Authenticate call and re-acquires
// it before returning, so a same-goroutine synchronous callback does
// not deadlock on its own re-entrant lock.
func (b *Beacon) drainRXLocked() {
	if len(b.rxQueue) == 0 {
		b.rxBusy = false
		return
	}

	raw := b.rxQueue[0]
	b.rxQueue = b.rxQueue[1:]
	b.rxBusy = true

	sb, err := wire.UnpackSecureBeacon(raw)
	if err != nil {
		b.drainRXLocked()
		return
	}

	b.rxMu.Unlock()
	b.crypto.Authenticate(raw, func(netKeyIndex uint16, newKeyUsed bool, matched bool) {
		if matched {
			b.mgmt.OnBeaconAuthenticated(netKeyIndex, newKeyUsed, sb.IVIndex, sb.KeyRefreshPhase2(), sb.IVUpdateActive())
		}

		b.rxMu.Lock()
		defer b.rxMu.Unlock()
		b.drainRXLocked()
	})
	b.rxMu.Lock()
}
