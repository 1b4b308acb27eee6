// Package proxy implements the Proxy Configuration protocol (Section
// 4.8): the GATT-only Set/Add/Remove Filter Type exchange against the
// per-interface output filter already owned by bearer.Dispatch, plus
// Node Identity advertising data generation. Proxy Configuration PDUs
// are themselves network-PDU-encrypted (CTL=1, TTL=0, DST=unassigned),
// so this module owns its own single-in-flight encrypt/decrypt queues,
// independent of the main network.Pipeline's, so a busy network does
// not starve proxy configuration traffic. The queue/drain shape is
// grounded on network.Pipeline (itself grounded on the teacher's
// bfd.Session run loop), built with the unlock-before/lock-after
// discipline from the start rather than retrofitted.
package proxy

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/packetcraft-inc/stacks-sub006/internal/bearer"
	"github.com/packetcraft-inc/stacks-sub006/internal/wire"
)

// Fixed network header fields every Proxy Configuration PDU carries
// (Section 4.8).
const (
	HeaderCTL = 1
	HeaderTTL = 0
)

// Sentinel errors for proxy pipeline operations.
var (
	ErrNotGATT   = errors.New("proxy: proxy configuration only travels over gatt interfaces")
	ErrBadHeader = errors.New("proxy: proxy config pdu header must have ctl=1, ttl=0, dst=unassigned")
)

// Crypto is the external collaborator providing the proxy module's own
// AES-CCM round trip over the network header + payload, independent of
// the main network pipeline's crypto queue.
type Crypto interface {
	EncryptProxyConfig(meta *PduMeta, cb func(ciphertext []byte, netMIC []byte, err error))
	DecryptProxyConfig(raw []byte, netKeyIndex uint16, cb func(header wire.NetworkHeader, payload []byte, err error))
}

// HeaderSource supplies the network header fields the proxy pipeline
// does not itself own: local identity, the sequence-number allocator,
// and the current IV state. A thin adapter over the configuration
// store, mirroring network.Config's narrower per-concern surface.
type HeaderSource interface {
	LocalUnicastAddr() uint16
	NextSeq(netKeyIndex uint16) uint32
	NID(netKeyIndex uint16) uint8
	IVIndexAndFlag() (ivIndex uint32, ivi uint8)
}

// FilterMetrics observes the output filter's size after each Proxy
// Configuration operation, for the meshd_proxy_filter_size gauge
// (Section 10, Observability). Optional: a nil FilterMetrics is a no-op.
type FilterMetrics interface {
	SetProxyFilterSize(interfaceID uint8, size int)
}

// PduMeta is the TX bookkeeping record for one outbound Proxy
// Configuration PDU: always locally originated, sent exactly once, to
// exactly the GATT interface it replies on (never relayed, never
// broadcast).
type PduMeta struct {
	Header      wire.NetworkHeader
	Payload     []byte
	IVIndex     uint32
	NetKeyIndex uint16
	Dest        bearer.InterfaceID
}

type txRequest struct {
	meta *PduMeta
}

type rxRequest struct {
	id  bearer.InterfaceID
	raw []byte
}

// Pipeline owns the proxy module's independent single-in-flight
// encrypt/decrypt queues and drives the output filter in response to
// incoming Proxy Configuration messages.
type Pipeline struct {
	crypto   Crypto
	dispatch *bearer.Dispatch
	headers  HeaderSource
	metrics  FilterMetrics
	logger   *slog.Logger

	txMu    sync.Mutex
	txBusy  bool
	txQueue []txRequest

	rxMu    sync.Mutex
	rxBusy  bool
	rxQueue []rxRequest
}

// New wires a Pipeline from its collaborators. metrics may be nil.
func New(crypto Crypto, dispatch *bearer.Dispatch, headers HeaderSource, metrics FilterMetrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		crypto:   crypto,
		dispatch: dispatch,
		headers:  headers,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "proxy.pipeline")),
	}
}

// InboundFrame implements bearer.Consumer for ADTypeProxyConfig frames.
// Only GATT interfaces carry Proxy Configuration traffic; a frame
// arriving tagged with this AD type on an ADV interface is a protocol
// violation by the sender and is dropped.
func (p *Pipeline) InboundFrame(id bearer.InterfaceID, adType uint8, payload []byte) {
	if adType != bearer.ADTypeProxyConfig {
		return
	}
	if id.Kind() != bearer.KindGATT {
		p.logger.Debug("dropping proxy config pdu", slog.Any("interface", id), slog.String("error", ErrNotGATT.Error()))
		return
	}
	p.enqueueRX(id, payload)
}

func (p *Pipeline) enqueueRX(id bearer.InterfaceID, raw []byte) {
	p.rxMu.Lock()
	defer p.rxMu.Unlock()

	p.rxQueue = append(p.rxQueue, rxRequest{id: id, raw: raw})
	if !p.rxBusy {
		p.drainRXLocked()
	}
}

// drainRXLocked mirrors network.Pipeline.drainRXLocked's unlock/relock
// discipline around the (possibly synchronous) decrypt call: caller
// holds rxMu on entry and on return.
func (p *Pipeline) drainRXLocked() {
	if len(p.rxQueue) == 0 {
		p.rxBusy = false
		return
	}

	next := p.rxQueue[0]
	p.rxQueue = p.rxQueue[1:]
	p.rxBusy = true

	p.rxMu.Unlock()
	p.crypto.DecryptProxyConfig(next.raw, 0, func(header wire.NetworkHeader, payload []byte, err error) {
		if err != nil {
			p.logger.Debug("proxy config decrypt failed", slog.String("error", err.Error()))
		} else {
			p.onDecrypted(next.id, header, payload)
		}

		p.rxMu.Lock()
		defer p.rxMu.Unlock()
		p.drainRXLocked()
	})
	p.rxMu.Lock()
}

func (p *Pipeline) onDecrypted(id bearer.InterfaceID, header wire.NetworkHeader, payload []byte) {
	if header.CTL != HeaderCTL || header.TTL != HeaderTTL || header.Dst != wire.UnassignedAddress {
		p.logger.Warn("dropping proxy config pdu", slog.Any("interface", id), slog.String("error", ErrBadHeader.Error()))
		return
	}

	pdu, err := wire.UnpackProxyConfig(payload)
	if err != nil {
		p.logger.Debug("dropping unparseable proxy config pdu", slog.Any("interface", id), slog.String("error", err.Error()))
		return
	}

	switch pdu.Opcode {
	case wire.ProxyOpSetFilterType, wire.ProxyOpAddAddresses, wire.ProxyOpRemoveAddresses:
		filterType, listSize, err := applyFilterOperation(p.dispatch, id, pdu)
		if err != nil {
			p.logger.Warn("proxy filter operation failed", slog.Any("interface", id), slog.String("error", err.Error()))
			return
		}
		if p.metrics != nil {
			p.metrics.SetProxyFilterSize(uint8(id), listSize)
		}
		p.replyFilterStatus(id, 0, filterType, listSize)
	default:
		p.logger.Debug("ignoring unexpected proxy config opcode from peer", slog.Any("interface", id), slog.Int("opcode", int(pdu.Opcode)))
	}
}

// replyFilterStatus builds and enqueues the Filter Status reply that
// follows every Set Filter Type, Add Addresses, and Remove Addresses
// request.
func (p *Pipeline) replyFilterStatus(id bearer.InterfaceID, netKeyIndex uint16, filterType uint8, listSize int) {
	payload, err := wire.PackProxyConfig(wire.ProxyConfigPDU{
		Opcode:     wire.ProxyOpFilterStatus,
		FilterType: filterType,
		ListSize:   uint16(listSize),
	})
	if err != nil {
		p.logger.Warn("pack filter status failed", slog.String("error", err.Error()))
		return
	}

	ivIndex, ivi := p.headers.IVIndexAndFlag()
	header := wire.NetworkHeader{
		IVI: ivi,
		NID: p.headers.NID(netKeyIndex),
		CTL: HeaderCTL,
		TTL: HeaderTTL,
		Seq: p.headers.NextSeq(netKeyIndex),
		Src: p.headers.LocalUnicastAddr(),
		Dst: wire.UnassignedAddress,
	}

	p.Enqueue(&PduMeta{Header: header, Payload: payload, IVIndex: ivIndex, NetKeyIndex: netKeyIndex, Dest: id})
}

// Enqueue submits meta for encryption and transmission on meta.Dest.
func (p *Pipeline) Enqueue(meta *PduMeta) {
	p.txMu.Lock()
	defer p.txMu.Unlock()

	p.txQueue = append(p.txQueue, txRequest{meta: meta})
	if !p.txBusy {
		p.drainTXLocked()
	}
}

// drainTXLocked mirrors network.Pipeline.drainTXLocked's unlock/relock
// discipline around the (possibly synchronous) encrypt call: caller
// holds txMu on entry and on return.
func (p *Pipeline) drainTXLocked() {
	if len(p.txQueue) == 0 {
		p.txBusy = false
		return
	}

	next := p.txQueue[0]
	p.txQueue = p.txQueue[1:]
	p.txBusy = true

	p.txMu.Unlock()
	p.crypto.EncryptProxyConfig(next.meta, func(ciphertext, netMIC []byte, err error) {
		p.onEncryptComplete(next.meta, ciphertext, netMIC, err)
	})
	p.txMu.Lock()
}

func (p *Pipeline) onEncryptComplete(meta *PduMeta, ciphertext, netMIC []byte, err error) {
	if err != nil {
		p.logger.Warn("proxy config encrypt failed", slog.String("error", err.Error()))
	} else {
		frame := append(append([]byte(nil), ciphertext...), netMIC...)
		if sendErr := p.dispatch.Send(meta.Dest, bearer.ADTypeProxyConfig, frame); sendErr != nil {
			p.logger.Warn("proxy config send failed", slog.Any("interface", meta.Dest), slog.String("error", sendErr.Error()))
		}
	}

	p.txMu.Lock()
	defer p.txMu.Unlock()
	p.drainTXLocked()
}
