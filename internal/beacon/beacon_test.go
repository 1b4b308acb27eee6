package beacon_test

import (
	"log/slog"
	"testing"

	"github.com/packetcraft-inc/stacks-sub006/internal/beacon"
	"github.com/packetcraft-inc/stacks-sub006/internal/bearer"
	"github.com/packetcraft-inc/stacks-sub006/internal/wire"
)

type fakeCrypto struct {
	authMatched bool
	authNetKey  uint16
}

func (c *fakeCrypto) ComputeAuth(sub beacon.SubNet, flags uint8, useNewKey bool, cb func(auth [8]byte, err error)) {
	cb([8]byte{1, 2, 3, 4, 5, 6, 7, 8}, nil)
}

func (c *fakeCrypto) Authenticate(raw []byte, cb func(netKeyIndex uint16, newKeyUsed bool, matched bool)) {
	cb(c.authNetKey, false, c.authMatched)
}

type fakeMgmt struct {
	localIV       uint32
	enabled       bool
	proxyClient   bool
	subs          []beacon.SubNet
	reported      []reportedBeacon
}

type reportedBeacon struct {
	netKeyIndex uint16
	newKeyUsed  bool
	rxIV        uint32
	keyRefresh  bool
	ivUpdate    bool
}

func (m *fakeMgmt) OnBeaconAuthenticated(netKeyIndex uint16, newKeyUsed bool, rxIV uint32, keyRefresh, ivUpdate bool) {
	m.reported = append(m.reported, reportedBeacon{netKeyIndex, newKeyUsed, rxIV, keyRefresh, ivUpdate})
}
func (m *fakeMgmt) LocalIVIndex() uint32    { return m.localIV }
func (m *fakeMgmt) SubNets() []beacon.SubNet { return m.subs }
func (m *fakeMgmt) BeaconEnabled() bool     { return m.enabled }
func (m *fakeMgmt) IsProxyClient() bool     { return m.proxyClient }

type fakeDrops struct{ count int }

func (d *fakeDrops) IncBeaconAuthQueueDrops() { d.count++ }

func TestGenerateOnDemandProducesValidFrame(t *testing.T) {
	t.Parallel()

	crypto := &fakeCrypto{}
	mgmt := &fakeMgmt{}
	d := bearer.NewDispatch(4, nil, slog.Default())
	b := beacon.New(crypto, mgmt, d, nil, nil)

	sub := beacon.SubNet{NetKeyIndex: 0, NetworkID: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, IVIndex: 5}

	var gotFrame []byte
	var gotErr error
	b.GenerateOnDemand(sub, func(frame []byte, err error) {
		gotFrame, gotErr = frame, err
	})

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if len(gotFrame) != wire.SecureBeaconLen {
		t.Fatalf("frame len = %d, want %d", len(gotFrame), wire.SecureBeaconLen)
	}

	sb, err := wire.UnpackSecureBeacon(gotFrame)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if sb.IVIndex != 5 {
		t.Fatalf("IVIndex = %d, want 5", sb.IVIndex)
	}
}

func TestEnqueueRXFiltersOutOfRangeIV(t *testing.T) {
	t.Parallel()

	crypto := &fakeCrypto{authMatched: true}
	mgmt := &fakeMgmt{localIV: 5}
	d := bearer.NewDispatch(4, nil, nil)
	b := beacon.New(crypto, mgmt, d, nil, nil)

	sb := wire.SecureBeacon{IVIndex: 5 + wire.MaxIVDelta + 1}
	raw := make([]byte, wire.SecureBeaconLen)
	if err := wire.PackSecureBeacon(sb, raw); err != nil {
		t.Fatalf("pack: %v", err)
	}

	b.EnqueueRX(raw)

	if len(mgmt.reported) != 0 {
		t.Fatalf("beacon with IV delta > 42 should be rejected before auth, got %d reports", len(mgmt.reported))
	}
}

func TestEnqueueRXAuthenticatesAndReports(t *testing.T) {
	t.Parallel()

	crypto := &fakeCrypto{authMatched: true, authNetKey: 3}
	mgmt := &fakeMgmt{localIV: 5}
	d := bearer.NewDispatch(4, nil, nil)
	b := beacon.New(crypto, mgmt, d, nil, nil)

	sb := wire.SecureBeacon{Flags: wire.FlagIVUpdateActive, IVIndex: 6}
	raw := make([]byte, wire.SecureBeaconLen)
	if err := wire.PackSecureBeacon(sb, raw); err != nil {
		t.Fatalf("pack: %v", err)
	}

	b.EnqueueRX(raw)

	if len(mgmt.reported) != 1 {
		t.Fatalf("expected 1 report, got %d", len(mgmt.reported))
	}
	got := mgmt.reported[0]
	if got.netKeyIndex != 3 || got.rxIV != 6 || !got.ivUpdate || got.keyRefresh {
		t.Fatalf("unexpected report: %+v", got)
	}
}

// blockingCrypto never completes Authenticate, so the first enqueued
// beacon stays in flight and subsequent ones pile up in the RX queue.
type blockingCrypto struct{ fakeCrypto }

func (c *blockingCrypto) Authenticate(raw []byte, cb func(netKeyIndex uint16, newKeyUsed bool, matched bool)) {
	// never calls cb: simulates an auth request still in flight.
}

func TestEnqueueRXDropsAtQueueDepth(t *testing.T) {
	t.Parallel()

	crypto := &blockingCrypto{}
	mgmt := &fakeMgmt{localIV: 5}
	drops := &fakeDrops{}
	d := bearer.NewDispatch(4, nil, nil)
	b := beacon.New(crypto, mgmt, d, drops, nil)

	sb := wire.SecureBeacon{IVIndex: 5}
	raw := make([]byte, wire.SecureBeaconLen)
	if err := wire.PackSecureBeacon(sb, raw); err != nil {
		t.Fatalf("pack: %v", err)
	}

	// One beacon occupies the in-flight auth slot; AuthQueueDepth more
	// fill the queue exactly; anything past that is dropped.
	const total = beacon.AuthQueueDepth + 3
	for i := 0; i < total; i++ {
		b.EnqueueRX(raw)
	}

	wantDrops := total - 1 - beacon.AuthQueueDepth
	if drops.count != wantDrops {
		t.Fatalf("drops.count = %d, want %d", drops.count, wantDrops)
	}
}
