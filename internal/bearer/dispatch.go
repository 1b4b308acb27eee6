// Package bearer implements the Bearer Dispatch, the ADV Interface, and
// the GATT Interface's segmentation-and-reassembly (SAR) state machine:
// the layer that sits directly on top of the host radio driver and
// routes framed PDUs up to the network pipeline, the secure beacon, the
// provisioning bearer, and the proxy filter. The dispatch table and its
// locking discipline are grounded on the session-table shape of the
// teacher's bfd.Manager (sync.RWMutex-guarded map with a bounded
// capacity and explicit duplicate/not-found sentinels); the queue
// draining and "signal ready" handshake are grounded on the teacher's
// netio.Listener/Receiver split between buffered intake and a
// synchronous per-connection drain loop.
package bearer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/packetcraft-inc/stacks-sub006/internal/wire"
)

// Kind distinguishes the two bearer transports multiplexed by the
// dispatch table.
type Kind uint8

const (
	// KindADV is an advertising-bearer interface.
	KindADV Kind = iota
	// KindGATT is a GATT-bearer interface (connection-oriented, SAR).
	KindGATT
)

// String returns the human-readable bearer kind.
func (k Kind) String() string {
	switch k {
	case KindADV:
		return "adv"
	case KindGATT:
		return "gatt"
	default:
		return "unknown"
	}
}

// AD type occupies the second framed byte (after AD length) on ADV
// interfaces, and the low 6 bits of the first octet on GATT interfaces.
const (
	ADTypeNetworkPdu      uint8 = 0
	ADTypeBeacon          uint8 = 1
	ADTypeProxyConfig     uint8 = 2
	ADTypeProvisioningPdu uint8 = 3
)

// Sentinel errors returned by dispatch operations.
var (
	// ErrDuplicate is returned by AddInterface when id is already present.
	ErrDuplicate = errors.New("bearer: interface id already present")
	// ErrExhausted is returned by AddInterface when the table is at capacity.
	ErrExhausted = errors.New("bearer: interface table exhausted")
	// ErrNotFound is returned by operations addressing an unknown interface id.
	ErrNotFound = errors.New("bearer: interface not found")
	// ErrQueueFull is returned by Send when the interface's tx queue has no room.
	ErrQueueFull = errors.New("bearer: tx queue full")
	// ErrOversizePDU is returned when a PDU exceeds the bearer's framed maximum.
	ErrOversizePDU = errors.New("bearer: pdu exceeds bearer maximum")
)

// Default transmit queue depths (Section 3, Interface).
const (
	DefaultADVQueueDepth  = 10
	DefaultGATTQueueDepth = 5
)

// MaxFramedADVLen is the maximum ADV PDU length including the one-byte
// AD length prefix and one-byte AD type (31 bytes of advertising data).
const MaxFramedADVLen = 31

// DefaultGATTMTU is the assumed ATT_MTU (23, the unnegotiated default)
// less the 3-byte ATT opcode/handle overhead, used to size outbound GATT
// SAR segments until a connection negotiates a larger MTU.
const DefaultGATTMTU = 20

// FilterKind selects whitelist or blacklist semantics for an
// interface's output address filter.
type FilterKind uint8

const (
	// FilterBlacklist drops only addresses explicitly listed (default for ADV).
	FilterBlacklist FilterKind = iota
	// FilterWhitelist admits only addresses explicitly listed (default for GATT).
	FilterWhitelist
)

// Consumer receives demultiplexed inbound frames and drives sends for
// one interface. Network, beacon, provisioning-bearer, and proxy
// modules each implement a Consumer and register it with the Dispatch.
type Consumer interface {
	// InboundFrame delivers an AD-typed frame received on id, already
	// stripped of the AD length/type framing, with adType parsed out by
	// the caller. For beacons the beacon-type byte stays at payload[0]
	// for the consumer to inspect.
	InboundFrame(id InterfaceID, adType uint8, payload []byte)
}

// InterfaceID is the 8-bit tag: high nibble bearer kind, low nibble slot.
type InterfaceID uint8

// NewInterfaceID packs a kind and slot into an InterfaceID.
func NewInterfaceID(kind Kind, slot uint8) InterfaceID {
	high := uint8(0)
	if kind == KindGATT {
		high = 1
	}
	return InterfaceID(high<<4 | (slot & 0x0F))
}

// Kind extracts the bearer kind from the high nibble.
func (id InterfaceID) Kind() Kind {
	if id>>4 == 1 {
		return KindGATT
	}
	return KindADV
}

// pending is one queued outbound PDU, already split into the wire frames
// it will be transmitted as (a single frame for ADV, one or more SAR
// frames for GATT).
type pending struct {
	adType  uint8
	payload []byte // original, unframed payload (for RemoveInterface's drain callback)
	frames  [][]byte
}

// iface is one entry in the dispatch table.
type iface struct {
	id         InterfaceID
	kind       Kind
	busy       bool
	queue      []pending
	inFlight   [][]byte // remaining frames of the pending item currently transmitting
	maxLen     int
	mtu        int // GATT only: segment size passed to SegmentForTX
	queueDepth int
	filter     *outputFilter
	gattSAR    *sarState // nil for ADV interfaces
}

// InterfaceOption configures an interface at AddInterface time, for the
// settings a deployment's configuration layer may want to override
// (tx queue depth, GATT segment size) without disturbing the defaults
// every existing caller relies on.
type InterfaceOption func(*iface)

// WithQueueDepth overrides the interface's tx queue depth.
func WithQueueDepth(depth int) InterfaceOption {
	return func(ifc *iface) { ifc.queueDepth = depth }
}

// WithGATTMTU overrides a GATT interface's outbound SAR segment size.
// Has no effect on ADV interfaces.
func WithGATTMTU(mtu int) InterfaceOption {
	return func(ifc *iface) {
		if ifc.kind == KindGATT {
			ifc.mtu = mtu
		}
	}
}

// outputFilter implements the whitelist/blacklist output address gate.
type outputFilter struct {
	mu      sync.Mutex
	kind    FilterKind
	addrs   map[uint16]struct{}
	maxSize int
}

// newOutputFilter creates a filter defaulting to empty-blacklist
// (accept all) for ADV or empty-whitelist (drop all) for GATT.
func newOutputFilter(kind Kind, maxSize int) *outputFilter {
	fk := FilterBlacklist
	if kind == KindGATT {
		fk = FilterWhitelist
	}
	return &outputFilter{kind: fk, addrs: make(map[uint16]struct{}), maxSize: maxSize}
}

// Allows reports whether dst may be sent on this interface.
func (f *outputFilter) Allows(dst uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, present := f.addrs[dst]
	if f.kind == FilterWhitelist {
		return present
	}
	return !present
}

// SetKind switches the filter between whitelist and blacklist, clearing it.
func (f *outputFilter) SetKind(kind FilterKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kind = kind
	f.addrs = make(map[uint16]struct{})
}

// Add inserts addresses, ignoring ones already present (idempotent).
// Returns an error if doing so would exceed maxSize; a maxSize of 0
// means no limit.
func (f *outputFilter) Add(addrs ...uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	add := make([]uint16, 0, len(addrs))
	for _, a := range addrs {
		if _, present := f.addrs[a]; !present {
			add = append(add, a)
		}
	}
	if f.maxSize > 0 && len(f.addrs)+len(add) > f.maxSize {
		return fmt.Errorf("bearer: add filter addresses: %w", ErrExhausted)
	}
	for _, a := range add {
		f.addrs[a] = struct{}{}
	}
	return nil
}

// Remove deletes addresses, ignoring ones not present.
func (f *outputFilter) Remove(addrs ...uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range addrs {
		delete(f.addrs, a)
	}
}

// Size returns the current filter entry count.
func (f *outputFilter) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.addrs)
}

// Kind returns the filter's current kind.
func (f *outputFilter) Kind() FilterKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kind
}

// Dispatch owns the fixed-size interface table and routes frames
// between the host radio and the registered consumers.
type Dispatch struct {
	mu         sync.Mutex
	capacity   int
	interfaces map[InterfaceID]*iface
	consumers  map[uint8]Consumer // keyed by AD type
	logger     *slog.Logger

	radio RadioSink
}

// RadioSink is the host-facing transmit primitive: deliver one framed
// frame to the radio for interface id. The radio signals completion
// asynchronously via SignalReady.
type RadioSink interface {
	Transmit(id InterfaceID, frame []byte) error
}

// NewDispatch creates a Dispatch with room for capacity interfaces.
func NewDispatch(capacity int, radio RadioSink, logger *slog.Logger) *Dispatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatch{
		capacity:   capacity,
		interfaces: make(map[InterfaceID]*iface, capacity),
		consumers:  make(map[uint8]Consumer),
		radio:      radio,
		logger:     logger.With(slog.String("component", "bearer.dispatch")),
	}
}

// RegisterConsumer associates a consumer with an AD type so inbound
// frames of that type are routed to it.
func (d *Dispatch) RegisterConsumer(adType uint8, c Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers[adType] = c
}

// AddInterface creates a new interface entry of the given kind. opts
// may override its tx queue depth or (GATT only) SAR segment size;
// omitted, both default per kind as before.
func (d *Dispatch) AddInterface(id InterfaceID, kind Kind, opts ...InterfaceOption) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.interfaces[id]; exists {
		return fmt.Errorf("bearer: add interface %d: %w", id, ErrDuplicate)
	}
	if len(d.interfaces) >= d.capacity {
		return fmt.Errorf("bearer: add interface %d: %w", id, ErrExhausted)
	}

	depth := DefaultADVQueueDepth
	maxLen := MaxFramedADVLen
	mtu := 0
	var sar *sarState
	if kind == KindGATT {
		depth = DefaultGATTQueueDepth
		maxLen = 0 // GATT has no single framed max; SAR uses per-PDU-type max.
		mtu = DefaultGATTMTU
		sar = newSARState()
	}

	ifc := &iface{
		id:         id,
		kind:       kind,
		queue:      make([]pending, 0, depth),
		maxLen:     maxLen,
		mtu:        mtu,
		queueDepth: depth,
		filter:     newOutputFilter(kind, 0), // 0 == unbounded unless configured by caller
		gattSAR:    sar,
	}
	for _, opt := range opts {
		opt(ifc)
	}

	d.interfaces[id] = ifc
	return nil
}

// RemoveInterface drains an interface's queue, delivering one synthetic
// "processed" callback per undelivered entry via processed, then
// removes the interface.
func (d *Dispatch) RemoveInterface(id InterfaceID, processed func(adType uint8, payload []byte)) error {
	d.mu.Lock()
	ifc, ok := d.interfaces[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("bearer: remove interface %d: %w", id, ErrNotFound)
	}
	drained := ifc.queue
	delete(d.interfaces, id)
	d.mu.Unlock()

	if processed != nil {
		for _, p := range drained {
			processed(p.adType, p.payload)
		}
	}
	return nil
}

// ListInterfaces returns the ids of all currently registered interfaces.
func (d *Dispatch) ListInterfaces() []InterfaceID {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]InterfaceID, 0, len(d.interfaces))
	for id := range d.interfaces {
		ids = append(ids, id)
	}
	return ids
}

// Filter returns the output filter for id, for callers (proxy config)
// that need to mutate filter contents.
func (d *Dispatch) Filter(id InterfaceID) (*outputFilter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ifc, ok := d.interfaces[id]
	if !ok {
		return nil, fmt.Errorf("bearer: filter %d: %w", id, ErrNotFound)
	}
	return ifc.filter, nil
}

// Send enqueues payload (already AD-typed, unframed) for transmission
// on id, transmitting immediately if the interface is idle. Returns
// ErrQueueFull if there is no room, ErrOversizePDU if the frame would
// exceed the interface's maximum.
func (d *Dispatch) Send(id InterfaceID, adType uint8, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ifc, ok := d.interfaces[id]
	if !ok {
		return fmt.Errorf("bearer: send to %d: %w", id, ErrNotFound)
	}

	var frames [][]byte
	if ifc.kind == KindADV {
		if len(payload)+2 > MaxFramedADVLen {
			return fmt.Errorf("bearer: send to %d: %w", id, ErrOversizePDU)
		}
		frames = [][]byte{frameADV(adType, payload)}
	} else {
		frames = SegmentForTX(adType, payload, ifc.mtu)
	}

	if len(ifc.queue) >= ifc.queueDepth {
		return fmt.Errorf("bearer: send to %d: %w", id, ErrQueueFull)
	}

	ifc.queue = append(ifc.queue, pending{adType: adType, payload: payload, frames: frames})

	if !ifc.busy {
		return d.drainLocked(ifc)
	}
	return nil
}

// drainLocked transmits the next queued frame, if any, marking the
// interface busy. A multi-frame (GATT SAR) pending item is drained one
// frame per call, advancing only on the next SignalReady. Caller must
// hold d.mu.
func (d *Dispatch) drainLocked(ifc *iface) error {
	if len(ifc.inFlight) == 0 {
		if len(ifc.queue) == 0 {
			ifc.busy = false
			return nil
		}
		next := ifc.queue[0]
		ifc.queue = ifc.queue[1:]
		ifc.inFlight = next.frames
	}

	frame := ifc.inFlight[0]
	ifc.inFlight = ifc.inFlight[1:]
	ifc.busy = true

	if d.radio == nil {
		return nil
	}
	if err := d.radio.Transmit(ifc.id, frame); err != nil {
		d.logger.Warn("radio transmit failed", slog.Any("interface", ifc.id), slog.String("error", err.Error()))
		ifc.busy = false
		ifc.inFlight = nil
		return fmt.Errorf("bearer: transmit on %d: %w", ifc.id, err)
	}
	return nil
}

// frameADV adds the one-byte AD length prefix and one-byte AD type.
func frameADV(adType uint8, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, byte(len(payload)+1), adType)
	return append(frame, payload...)
}

// SignalReady is called by the host radio when it has consumed the
// current frame for id, driving the next queued frame out or marking
// the interface idle.
func (d *Dispatch) SignalReady(id InterfaceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ifc, ok := d.interfaces[id]
	if !ok {
		return fmt.Errorf("bearer: signal ready %d: %w", id, ErrNotFound)
	}
	return d.drainLocked(ifc)
}

// ProcessInbound demultiplexes a raw frame and routes it to the matching
// consumer. ADV frames are keyed by bytes[0] (AD type); for beacons, the
// beacon-type byte at bytes[1] is left in the payload for the beacon
// consumer to parse. GATT frames carry a packed {SAR, PDU type} octet
// instead and are run through the interface's reassembly state machine
// before delivery.
func (d *Dispatch) ProcessInbound(id InterfaceID, bytes []byte) {
	if len(bytes) == 0 {
		return
	}

	if id.Kind() == KindGATT {
		d.processInboundGATT(id, bytes)
		return
	}

	adType := bytes[0]

	d.mu.Lock()
	c, ok := d.consumers[adType]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("no consumer for ad type", slog.Any("interface", id), slog.Int("ad_type", int(adType)))
		return
	}

	c.InboundFrame(id, adType, bytes[1:])
}

// processInboundGATT unpacks the GATT outer header and drives the
// interface's SAR state machine, delivering to the registered consumer
// only once a complete PDU has been reassembled. sarState.Receive
// reports SARActionStartTimer on a First segment; this function neither
// acts on that action nor passes it on, and Dispatch arms no reassembly
// timer.
func (d *Dispatch) processInboundGATT(id InterfaceID, raw []byte) {
	header := wire.UnpackGATTHeader(raw[0])
	fragment := raw[1:]

	d.mu.Lock()
	ifc, ok := d.interfaces[id]
	if !ok {
		d.mu.Unlock()
		d.logger.Debug("gatt inbound on unknown interface", slog.Any("interface", id))
		return
	}
	outcome := ifc.gattSAR.Receive(header, fragment)
	if outcome.action == SARActionClose {
		ifc.gattSAR.reset()
	}
	c, haveConsumer := d.consumers[outcome.pduType]
	d.mu.Unlock()

	switch outcome.action {
	case SARActionDeliver:
		if !haveConsumer {
			d.logger.Debug("no consumer for gatt pdu type", slog.Any("interface", id), slog.Int("pdu_type", int(outcome.pduType)))
			return
		}
		c.InboundFrame(id, outcome.pduType, outcome.payload)
	case SARActionClose:
		d.logger.Warn("gatt sar protocol violation, reassembly reset", slog.Any("interface", id))
	case SARActionStartTimer, SARActionStopTimer, SARActionNone:
	}
}
