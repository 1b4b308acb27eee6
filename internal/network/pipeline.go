// Package network implements the Network Pipeline: the single point
// where every outgoing PDU is encrypted/obfuscated and every incoming
// PDU is deobfuscated/decrypted, tagged for relay/forward, and handed
// to the bearer dispatch or up to transport. Single-in-flight crypto
// queues on both directions are grounded on the teacher's bfd.Session
// runLoop (one goroutine, one select, no concurrent access to session
// state); tagging and retransmission parameters are grounded on
// mesh_network_main.c.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/packetcraft-inc/stacks-sub006/internal/bearer"
	"github.com/packetcraft-inc/stacks-sub006/internal/hostport"
	"github.com/packetcraft-inc/stacks-sub006/internal/netcache"
	"github.com/packetcraft-inc/stacks-sub006/internal/wire"
)

// Tag is the bitfield describing how a PDU should be dispatched once
// its crypto round trip completes.
type Tag uint8

const (
	TagSendOnADV Tag = 1 << iota
	TagSendOnGATT
	TagRelayOnADV
	TagFwdAll
	TagFwdAllExceptRX
)

// Has reports whether bit is set in t.
func (t Tag) Has(bit Tag) bool { return t&bit != 0 }

// Sentinel errors for pipeline operations.
var (
	ErrInvalidSrc      = errors.New("network: src must be a unicast address")
	ErrInvalidDst      = errors.New("network: dst must not be unassigned")
	ErrQueueFull       = errors.New("network: crypto queue full")
	ErrRefCountNegative = errors.New("network: ref count decremented below zero")
)

// txRequest is one PDU queued for the single-in-flight encrypt pipeline.
type txRequest struct {
	meta     *PduMeta
	priority bool
}

// PduMeta is the TX/RX-side bookkeeping record for one network PDU,
// exclusively owned by the pipeline from allocation through
// timer-driven teardown (Section 3, Ownership).
type PduMeta struct {
	mu sync.Mutex

	Header        wire.NetworkHeader
	LTR           []byte // lower-transport-header + bytes, plaintext before encrypt / after decrypt
	IVIndex       uint32
	NetKeyIndex   uint16
	FriendLPNAddr uint16 // unassigned (0) = master credentials
	Tag           Tag
	ReceivedOn    *bearer.InterfaceID // non-nil only for relayed/forwarded PDUs
	Priority      bool
	IfPassthrough bool

	RetransCount       int
	RetransIntervalMs  int
	RefCount           int
	cancelRetransTimer func() bool
}

// IncRef increments the reference count, called once per successful
// bearer.send.
func (m *PduMeta) IncRef() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefCount++
}

// DecRef decrements the reference count after a "packet processed"
// event. Returns an error rather than panicking if the count would go
// negative (Section 9, Open Question decision: keep the guard, no
// assert-and-abort culture in Go).
func (m *PduMeta) DecRef() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RefCount == 0 {
		return ErrRefCountNegative
	}
	m.RefCount--
	return nil
}

// Freeable reports whether the PDU may be freed: ref_count == 0 &&
// retrans_count == 0 && retrans_interval_ms == 0 (Section 3 invariant).
func (m *PduMeta) Freeable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RefCount == 0 && m.RetransCount == 0 && m.RetransIntervalMs == 0
}

// clearSendOnceTags clears FWD_ALL, FWD_ALL_EXCEPT_RX, and
// SEND_ON_GATT after the first send (Section 4.5).
func (m *PduMeta) clearSendOnceTags() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tag &^= TagFwdAll | TagFwdAllExceptRX | TagSendOnGATT
}

// CryptoEngine is the external collaborator providing async
// AES-CMAC/AES-ECB/CCM primitives. Completion is delivered via the
// callback passed to each method, on whatever goroutine the engine
// chooses — the pipeline treats it as an opaque async request.
type CryptoEngine interface {
	EncryptNetwork(meta *PduMeta, cb func(ciphertext []byte, netMIC []byte, err error))
	DecryptNetwork(raw []byte, netKeyIndex uint16, cb func(header wire.NetworkHeader, ltr []byte, err error))
}

// Config exposes the persistent, collaborator-owned settings the
// pipeline consults per Section 6.
type Config interface {
	IsLocalElement(addr uint16) bool
	RelayEnabled() bool
	ProxyEnabled() bool
	SubscriptionContains(addr uint16) bool
	NetworkTransmit() (count int, intervalSteps int)
	RelayRetransmit() (count int, intervalSteps int)
}

// Replay reports whether (src, seq) for ivIndex has already been seen,
// i.e. seq <= last-seen for the current IV index.
type Replay interface {
	IsReplay(src uint16, seq uint32, ivIndex uint32) bool
}

// Transport receives fully-decrypted, non-replayed, locally-destined or
// subscribed PDUs.
type Transport interface {
	OnNetworkPdu(header wire.NetworkHeader, ivIndex uint32, netKeyIndex uint16, friendLPNAddr uint16, ltr []byte)
}

// Pipeline is the Network Pipeline: owns the TX/RX crypto queues, the
// L1/L2 caches, and drives retransmission timers.
type Pipeline struct {
	crypto    CryptoEngine
	dispatch  *bearer.Dispatch
	config    Config
	replay    Replay
	transport Transport
	l1        *netcache.L1Cache
	l2        *netcache.L2Cache
	clock     hostport.Clock
	logger    *slog.Logger

	txMu      sync.Mutex
	txBusy    bool
	txQueue   []txRequest
	rxMu      sync.Mutex
	rxBusy    bool
	rxQueue   [][]byte
}

// NewPipeline wires a Pipeline from its collaborators.
func NewPipeline(crypto CryptoEngine, dispatch *bearer.Dispatch, config Config, replay Replay, transport Transport, l1 *netcache.L1Cache, l2 *netcache.L2Cache, clock hostport.Clock, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = hostport.SystemClock{}
	}
	return &Pipeline{
		crypto:    crypto,
		dispatch:  dispatch,
		config:    config,
		replay:    replay,
		transport: transport,
		l1:        l1,
		l2:        l2,
		clock:     clock,
		logger:    logger.With(slog.String("component", "network.pipeline")),
	}
}

// ValidateTX checks the gates of Section 4.5 TX side before a PDU
// enters the pipeline.
func ValidateTX(h wire.NetworkHeader, netKeyIndex uint16, assembledLen, maxLen int) error {
	if err := h.Validate(netKeyIndex); err != nil {
		return fmt.Errorf("network: validate tx: %w", err)
	}
	if assembledLen > maxLen {
		return fmt.Errorf("network: validate tx: %w", wire.ErrTooLong)
	}
	return nil
}

// OriginateTag returns the tag for a locally originated PDU: both
// SEND_ON_ADV and SEND_ON_GATT.
func OriginateTag() Tag { return TagSendOnADV | TagSendOnGATT }

// RelayTag computes the tag for a PDU received on ADV and not destined
// here, per Section 4.5.
func RelayTag(cfg Config, src uint16, ttl uint8) Tag {
	if ttl <= 1 {
		return 0
	}
	var t Tag
	if cfg.RelayEnabled() && !cfg.IsLocalElement(src) {
		t |= TagRelayOnADV
	}
	if cfg.ProxyEnabled() {
		t |= TagFwdAll
	}
	return t
}

// ForwardTag computes the tag for a PDU received on GATT and not
// destined here, per Section 4.5.
func ForwardTag(cfg Config, ttl uint8) Tag {
	if ttl <= 1 {
		return 0
	}
	if cfg.ProxyEnabled() {
		return TagFwdAllExceptRX
	}
	return 0
}

// Enqueue submits meta for encryption. priority pushes to the queue
// head; otherwise FIFO (Section 4.5).
func (p *Pipeline) Enqueue(meta *PduMeta, priority bool) error {
	p.txMu.Lock()
	defer p.txMu.Unlock()

	req := txRequest{meta: meta, priority: priority}
	if priority {
		p.txQueue = append([]txRequest{req}, p.txQueue...)
	} else {
		p.txQueue = append(p.txQueue, req)
	}

	if !p.txBusy {
		return p.drainTXLocked()
	}
	return nil
}

// drainTXLocked pops the next queued request and hands it to the crypto
// engine. Caller must hold txMu on entry; drainTXLocked releases it
// for the duration of the (possibly synchronous) crypto call and
// re-acquires it before returning, so the caller's own unlock stays
// correct and a same-goroutine synchronous callback does not deadlock
// on onEncryptComplete's re-entrant lock.
func (p *Pipeline) drainTXLocked() error {
	if len(p.txQueue) == 0 {
		p.txBusy = false
		return nil
	}

	next := p.txQueue[0]
	p.txQueue = p.txQueue[1:]
	p.txBusy = true

	p.txMu.Unlock()
	p.crypto.EncryptNetwork(next.meta, func(ciphertext, netMIC []byte, err error) {
		p.onEncryptComplete(next.meta, ciphertext, netMIC, err)
	})
	p.txMu.Lock()
	return nil
}

func (p *Pipeline) onEncryptComplete(meta *PduMeta, ciphertext, netMIC []byte, err error) {
	if err != nil {
		p.logger.Warn("encrypt failed", slog.String("error", err.Error()))
	} else {
		p.dispatchEncrypted(meta, ciphertext, netMIC)
	}

	p.txMu.Lock()
	defer p.txMu.Unlock()
	_ = p.drainTXLocked()
}

// dispatchEncrypted sends the encrypted PDU to every eligible
// interface per the tag-compatibility rules of Section 4.5, applying
// the RELAY_ON_ADV random delay before the first transmission.
func (p *Pipeline) dispatchEncrypted(meta *PduMeta, ciphertext, netMIC []byte) {
	frame := append(append([]byte(nil), ciphertext...), netMIC...)

	send := func() {
		p.manageSend(meta, frame)
		meta.clearSendOnceTags()
		p.armRetransmit(meta, frame)
	}

	if meta.Tag == TagRelayOnADV {
		time.AfterFunc(hostport.RelayDelay(), send)
		return
	}
	send()
}

// manageSend pushes frame out on every interface compatible with
// meta's current tag, honoring the output filter and forbidding
// FWD_ALL_EXCEPT_RX on the receiving interface.
func (p *Pipeline) manageSend(meta *PduMeta, frame []byte) {
	ids := p.dispatch.ListInterfaces()
	for _, id := range ids {
		if !p.tagCompatible(meta, id) {
			continue
		}
		if meta.Tag.Has(TagFwdAllExceptRX) && meta.ReceivedOn != nil && *meta.ReceivedOn == id {
			continue
		}

		filter, err := p.dispatch.Filter(id)
		if err == nil && filter != nil && !filter.Allows(meta.Header.Dst) {
			continue
		}

		if err := p.dispatch.Send(id, bearer.ADTypeNetworkPdu, frame); err == nil {
			meta.IncRef()
		}
	}
}

func (p *Pipeline) tagCompatible(meta *PduMeta, id bearer.InterfaceID) bool {
	switch id.Kind() {
	case bearer.KindADV:
		return meta.Tag.Has(TagSendOnADV) || meta.Tag.Has(TagRelayOnADV) || meta.Tag.Has(TagFwdAll)
	case bearer.KindGATT:
		return meta.Tag.Has(TagSendOnGATT) || meta.Tag.Has(TagFwdAllExceptRX) || meta.Tag.Has(TagFwdAll)
	default:
		return false
	}
}

// armRetransmit starts the per-transmission retransmit timer for
// SEND_ON_ADV/RELAY_ON_ADV PDUs, unless if_passthrough disables it.
func (p *Pipeline) armRetransmit(meta *PduMeta, frame []byte) {
	if meta.IfPassthrough {
		return
	}

	var count, steps int
	switch {
	case meta.Tag.Has(TagRelayOnADV):
		count, steps = p.config.RelayRetransmit()
	case meta.Tag.Has(TagSendOnADV):
		count, steps = p.config.NetworkTransmit()
	default:
		return
	}
	if count == 0 {
		return
	}

	meta.mu.Lock()
	meta.RetransCount = count
	meta.RetransIntervalMs = (steps + 1) * 10
	interval := time.Duration(meta.RetransIntervalMs) * time.Millisecond
	meta.mu.Unlock()

	var fire func()
	fire = func() {
		meta.mu.Lock()
		if meta.RetransCount == 0 {
			meta.mu.Unlock()
			return
		}
		meta.RetransCount--
		remaining := meta.RetransCount
		meta.mu.Unlock()

		p.manageSend(meta, frame)

		if remaining > 0 {
			timer := time.AfterFunc(interval, fire)
			meta.mu.Lock()
			meta.cancelRetransTimer = timer.Stop
			meta.mu.Unlock()
		} else {
			meta.mu.Lock()
			meta.RetransIntervalMs = 0
			meta.mu.Unlock()
		}
	}

	timer := time.AfterFunc(interval, fire)
	meta.cancelRetransTimer = timer.Stop
}

// InboundFrame implements bearer.Consumer for ADTypeNetworkPdu frames,
// queuing them for the RX path.
func (p *Pipeline) InboundFrame(id bearer.InterfaceID, adType uint8, payload []byte) {
	if adType != bearer.ADTypeNetworkPdu {
		return
	}
	p.EnqueueRX(id, payload)
}

// EnqueueRX runs the cheap prefilter (length, NID match left to the
// security collaborator) and L1 dedup, then queues for decrypt with
// single-in-flight serialization.
func (p *Pipeline) EnqueueRX(receivedOn bearer.InterfaceID, raw []byte) {
	if len(raw) < wire.MinNetworkPduLen || len(raw) > wire.MaxGATTProxyLen {
		return
	}

	suffix := l1Suffix(raw)
	if err := p.l1.Insert(suffix); errors.Is(err, netcache.ErrAlreadyExists) {
		return
	}

	p.rxMu.Lock()
	defer p.rxMu.Unlock()
	p.rxQueue = append(p.rxQueue, raw)
	if !p.rxBusy {
		p.drainRXLocked(receivedOn)
	}
}

func l1Suffix(raw []byte) netcache.L1Key {
	if len(raw) < 4 {
		return 0
	}
	tail := raw[len(raw)-4:]
	return netcache.L1Key(uint32(tail[0])<<24 | uint32(tail[1])<<16 | uint32(tail[2])<<8 | uint32(tail[3]))
}

// drainRXLocked mirrors drainTXLocked's unlock/relock discipline around
// the (possibly synchronous) decrypt call.
func (p *Pipeline) drainRXLocked(receivedOn bearer.InterfaceID) {
	if len(p.rxQueue) == 0 {
		p.rxBusy = false
		return
	}

	raw := p.rxQueue[0]
	p.rxQueue = p.rxQueue[1:]
	p.rxBusy = true

	p.rxMu.Unlock()
	p.crypto.DecryptNetwork(raw, 0, func(header wire.NetworkHeader, ltr []byte, err error) {
		if err != nil {
			p.logger.Debug("decrypt failed", slog.String("error", err.Error()))
		} else {
			p.onDecrypted(receivedOn, header, ltr)
		}

		p.rxMu.Lock()
		defer p.rxMu.Unlock()
		p.drainRXLocked(receivedOn)
	})
	p.rxMu.Lock()
}

func (p *Pipeline) onDecrypted(receivedOn bearer.InterfaceID, header wire.NetworkHeader, ltr []byte) {
	key := netcache.L2Key{Src: header.Src, Seq: header.Seq}
	if err := p.l2.Insert(key); errors.Is(err, netcache.ErrAlreadyExists) {
		return
	}

	deliverLocally := p.config.IsLocalElement(header.Dst) || p.config.SubscriptionContains(header.Dst) || wire.IsFixedGroup(header.Dst)

	if deliverLocally {
		if !p.replay.IsReplay(header.Src, header.Seq, 0) {
			p.transport.OnNetworkPdu(header, 0, 0, 0, ltr)
		}
	}

	if p.config.IsLocalElement(header.Dst) {
		return // not relayed/forwarded further
	}

	var tag Tag
	switch receivedOn.Kind() {
	case bearer.KindADV:
		tag = RelayTag(p.config, header.Src, header.TTL)
	case bearer.KindGATT:
		tag = ForwardTag(p.config, header.TTL)
	}
	if tag == 0 {
		return
	}

	reTx := header
	reTx.TTL--

	meta := &PduMeta{
		Header:        reTx,
		LTR:           ltr,
		Tag:           tag,
		ReceivedOn:    &receivedOn,
		FriendLPNAddr: wire.UnassignedAddress,
	}
	if err := p.Enqueue(meta, false); err != nil {
		p.logger.Warn("re-enqueue for relay/forward failed", slog.String("error", err.Error()))
	}
}

// Run blocks until ctx is cancelled; present for symmetry with the
// teacher's context-aware entity loops, though this pipeline's work is
// driven entirely by Enqueue/EnqueueRX callers and crypto completions.
func (p *Pipeline) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
