package pbadv

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/packetcraft-inc/stacks-sub006/internal/bearer"
	"github.com/packetcraft-inc/stacks-sub006/internal/wire"
)

// UnprovisionedBroadcastInterval is the period between Unprovisioned
// Device Beacon transmissions while a device is awaiting a Link Open
// (Section 4.7, "Server role").
const UnprovisionedBroadcastInterval = 5 * time.Second

// UnprovisionedBeacon periodically broadcasts an Unprovisioned Device
// Beacon over every ADV interface, and stops as soon as the owning
// Session opens a link. Grounded on beacon.Beacon's broadcast-cycle
// shape, simplified to a single static frame with no crypto step.
type UnprovisionedBeacon struct {
	dispatch *bearer.Dispatch
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  func()

	frame []byte
}

// NewUnprovisionedBeacon prepares a beacon for uuid/oobInfo, with an
// optional 4-byte URI hash.
func NewUnprovisionedBeacon(dispatch *bearer.Dispatch, uuid [16]byte, oobInfo uint16, uriHash *[4]byte, logger *slog.Logger) (*UnprovisionedBeacon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := wire.UnprovisionedBeacon{UUID: uuid, OOBInfo: oobInfo, URIHash: uriHash}
	buf := make([]byte, 23)
	n, err := wire.PackUnprovisionedBeacon(b, buf)
	if err != nil {
		return nil, err
	}
	return &UnprovisionedBeacon{
		dispatch: dispatch,
		logger:   logger.With(slog.String("component", "pbadv.beacon")),
		frame:    buf[:n],
	}, nil
}

// Start begins the broadcast cycle. Calling Start while already running
// is a no-op.
func (b *UnprovisionedBeacon) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.running = true
	b.cancel = cancel
	b.mu.Unlock()

	go b.run(runCtx)
}

// Stop halts the broadcast cycle (Section 4.7, "Stop beacons" on Link
// Open). Safe to call when not running.
func (b *UnprovisionedBeacon) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

func (b *UnprovisionedBeacon) run(ctx context.Context) {
	ticker := time.NewTicker(UnprovisionedBroadcastInterval)
	defer ticker.Stop()

	b.sendOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sendOnce()
		}
	}
}

func (b *UnprovisionedBeacon) sendOnce() {
	for _, id := range b.dispatch.ListInterfaces() {
		if id.Kind() != bearer.KindADV {
			continue
		}
		if err := b.dispatch.Send(id, bearer.ADTypeBeacon, b.frame); err != nil {
			b.logger.Debug("unprovisioned beacon send failed", slog.Any("interface", id), slog.String("error", err.Error()))
		}
	}
}
