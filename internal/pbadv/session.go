// Package pbadv implements the Provisioning Bearer over advertising
// (PB-ADV): link establishment/close, transaction segmentation and
// reassembly, and Unprovisioned Device Beacon emission. The link
// lifecycle is a pure transition table in the style of the teacher's
// bfd FSM (see fsm.go); the per-transaction reassembly and
// retransmission logic follows the same single-in-flight, explicit
// timer idiom used by internal/network's Pipeline and
// internal/beacon's Beacon, both themselves grounded on the teacher's
// bfd.Session runLoop.
package pbadv

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/packetcraft-inc/stacks-sub006/internal/bearer"
	"github.com/packetcraft-inc/stacks-sub006/internal/hostport"
	"github.com/packetcraft-inc/stacks-sub006/internal/wire"
)

// Timing constants (Section 4.7).
const (
	LinkEstablishTimeout = 60 * time.Second
	TransactionTimeout   = 30 * time.Second
	AckTimeout           = 100 * time.Millisecond // 2 * max_tx_delay_ms (2*50ms)
	LinkAckRetries       = 3
	LinkCloseRetries     = 3
)

// Transaction number ranges and wrap points (Section 4.7).
const (
	ServerTranNumMin uint8 = 0x80
	ServerTranNumMax uint8 = 0xFF
	ClientTranNumMin uint8 = 0x00
	ClientTranNumMax uint8 = 0x7F
)

// Sentinel errors.
var (
	ErrLinkNotOpen = errors.New("pbadv: link not open")
	ErrPDUTooLong  = errors.New("pbadv: provisioning pdu exceeds maximum length")
	ErrTXBusy      = errors.New("pbadv: a transaction is already in flight")
)

// Role distinguishes the device-under-provisioning (server) from the
// provisioner (client).
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

// Protocol receives link and transaction lifecycle events. The
// provisioning state machine proper (key exchange, capabilities) lives
// above this bearer and is out of scope here.
type Protocol interface {
	LinkOpened(linkID uint32)
	LinkClosed(linkID uint32, reason uint8)
	LinkClosedByPeer(linkID uint32, reason uint8)
	PDUReceived(linkID uint32, pdu []byte)
	PDUSent(linkID uint32)
	SendTimeout(linkID uint32)
}

// Session is one PB-ADV link. All mutable state is guarded by mu; the
// session is driven by inbound frames routed through bearer.Dispatch
// (it implements bearer.Consumer for ADTypeProvisioningPdu) and by
// outbound calls from the provisioning protocol above it.
type Session struct {
	mu sync.Mutex

	role     Role
	uuid     [16]byte
	protocol Protocol
	dispatch *bearer.Dispatch
	clock    hostport.Clock
	logger   *slog.Logger
	beacon   *UnprovisionedBeacon // server role only; stopped on Link Open

	state  LinkState
	linkID uint32

	localTranNum  uint8
	haveSentTran  bool
	peerTranNum   uint8
	havePeerTran  bool

	// TX side: single in-flight transaction.
	txPDU     []byte
	txSegN    uint8
	txFCS     byte
	txTranNum uint8
	txAcked   bool

	cancelLinkTimer func() bool
	cancelAckTimer  func() bool
	cancelTranTimer func() bool
	cancelRxTimer   func() bool

	closeRetriesLeft int
	closeReason      uint8

	// RX side: single in-flight reassembly.
	rxHaveTran bool
	rxTranNum  uint8
	rxTotalLen int
	rxFCS      byte
	rxSegN     uint8
	rxSegMask  uint64
	rxBuf      []byte
	rxComplete bool
}

// NewSession creates a Session for uuid, not yet linked.
func NewSession(role Role, uuid [16]byte, dispatch *bearer.Dispatch, protocol Protocol, clock hostport.Clock, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = hostport.SystemClock{}
	}
	return &Session{
		role:     role,
		uuid:     uuid,
		protocol: protocol,
		dispatch: dispatch,
		clock:    clock,
		logger:   logger.With(slog.String("component", "pbadv.session")),
	}
}

// SetBeacon attaches the Unprovisioned Device Beacon broadcaster that
// Stop is called on when this (server-role) session opens a link.
func (s *Session) SetBeacon(b *UnprovisionedBeacon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beacon = b
}

// peerRole returns the role on the other end of the link: the range a
// received tran_num must be validated against is the sender's, not ours.
func peerRole(role Role) Role {
	if role == RoleServer {
		return RoleClient
	}
	return RoleServer
}

// tranRange returns the [lo, hi] transaction-number range for role.
func tranRange(role Role) (lo, hi uint8) {
	if role == RoleServer {
		return ServerTranNumMin, ServerTranNumMax
	}
	return ClientTranNumMin, ClientTranNumMax
}

// isNewerTran reports whether candidate is a new transaction number
// relative to last, per Section 4.7's ordering rule (plain increment,
// plus the documented wrap from the range's max back to its min).
func isNewerTran(role Role, candidate, last uint8) bool {
	if candidate > last {
		return true
	}
	_, hi := tranRange(role)
	lo, _ := tranRange(role)
	return last == hi && candidate == lo
}

// nextLocalTranNum advances the local transaction counter, wrapping at
// the role's range boundary (Section 4.7).
func nextLocalTranNum(role Role, current uint8, haveSent bool) uint8 {
	lo, hi := tranRange(role)
	if !haveSent {
		return lo
	}
	if current >= hi {
		return lo
	}
	return current + 1
}

// --- Link lifecycle -------------------------------------------------

// OpenAsClient starts the client role's Link Open handshake against a
// matching Unprovisioned Beacon's UUID, allocating linkID via the
// caller-supplied allocator.
func (s *Session) OpenAsClient(linkID uint32) {
	s.mu.Lock()
	if s.state != LinkIdle {
		s.mu.Unlock()
		return
	}
	s.linkID = linkID
	s.localTranNum = nextLocalTranNum(s.role, 0, false)
	s.haveSentTran = false
	result := ApplyLinkEvent(s.state, EventOpenSent)
	s.state = result.NewState
	s.mu.Unlock()

	s.runLinkActions(result.Actions)
	s.sendControl(wire.ControlLinkOpen, s.uuid[:])
}

// HandleLinkOpen processes a received Link Open (server role only).
// Frames whose UUID does not match ours are ignored.
func (s *Session) HandleLinkOpen(linkID uint32, uuid [16]byte) {
	if s.role != RoleServer || uuid != s.uuid {
		return
	}

	s.mu.Lock()
	if s.state != LinkIdle {
		// Repeated Link Open for the link we already opened: answer
		// with Link Ack again, per Section 9's documented server
		// behavior, without re-running the FSM.
		if s.state == LinkOpen && s.linkID == linkID {
			s.mu.Unlock()
			s.sendLinkAckRetries()
			return
		}
		s.mu.Unlock()
		return
	}

	s.linkID = linkID
	s.localTranNum = nextLocalTranNum(s.role, 0, false)
	s.haveSentTran = false
	result := ApplyLinkEvent(s.state, EventOpenReceived)
	s.state = result.NewState
	beacon := s.beacon
	s.mu.Unlock()

	if beacon != nil {
		beacon.Stop()
	}
	s.runLinkActions(result.Actions)
}

// HandleLinkAck processes a received Link Ack (client role only).
func (s *Session) HandleLinkAck(linkID uint32) {
	s.mu.Lock()
	if s.role != RoleClient || s.linkID != linkID || s.state != LinkEstablishing {
		s.mu.Unlock()
		return
	}
	result := ApplyLinkEvent(s.state, EventAckReceived)
	s.state = result.NewState
	s.mu.Unlock()

	s.runLinkActions(result.Actions)
}

// HandleLinkClose processes a received Link Close.
func (s *Session) HandleLinkClose(linkID uint32, reason uint8) {
	s.mu.Lock()
	if s.linkID != linkID || (s.state != LinkOpen && s.state != LinkClosing && s.state != LinkEstablishing) {
		s.mu.Unlock()
		return
	}
	result := ApplyLinkEvent(s.state, EventCloseReceived)
	s.state = result.NewState
	s.freeBuffersLocked()
	s.mu.Unlock()

	s.runLinkActions(result.Actions)
	if s.protocol != nil {
		s.protocol.LinkClosedByPeer(linkID, reason)
	}
}

// Close initiates a local Link Close with the given reason, scheduling
// three retransmissions with jitter before the link tears down.
func (s *Session) Close(reason uint8) {
	s.mu.Lock()
	if s.state != LinkOpen && s.state != LinkEstablishing {
		s.mu.Unlock()
		return
	}
	linkID := s.linkID
	s.closeReason = reason
	s.closeRetriesLeft = LinkCloseRetries
	result := ApplyLinkEvent(s.state, EventCloseSent)
	s.state = result.NewState
	s.freeBuffersLocked()
	s.mu.Unlock()

	s.runLinkActions(result.Actions)
	s.sendCloseRetry(linkID, reason)
}

func (s *Session) sendCloseRetry(linkID uint32, reason uint8) {
	s.mu.Lock()
	if s.state != LinkClosing || s.linkID != linkID || s.closeRetriesLeft == 0 {
		left := s.closeRetriesLeft
		s.mu.Unlock()
		if left == 0 && s.state == LinkClosing {
			s.onCloseRetriesExhausted(linkID, reason)
		}
		return
	}
	s.closeRetriesLeft--
	retriesLeft := s.closeRetriesLeft
	s.mu.Unlock()

	s.sendControl(wire.ControlLinkClose, []byte{reason})

	if retriesLeft > 0 {
		time.AfterFunc(hostport.ControlRetryJitter(), func() { s.sendCloseRetry(linkID, reason) })
	} else {
		time.AfterFunc(hostport.ControlRetryJitter(), func() { s.onCloseRetriesExhausted(linkID, reason) })
	}
}

func (s *Session) onCloseRetriesExhausted(linkID uint32, reason uint8) {
	s.mu.Lock()
	if s.state != LinkClosing || s.linkID != linkID {
		s.mu.Unlock()
		return
	}
	result := ApplyLinkEvent(s.state, EventCloseRetriesExhausted)
	s.state = result.NewState
	s.mu.Unlock()

	s.runLinkActions(result.Actions)
	if s.protocol != nil {
		s.protocol.LinkClosed(linkID, reason)
	}
}

// runLinkActions executes the side-effects returned by the link FSM.
func (s *Session) runLinkActions(actions []LinkAction) {
	for _, a := range actions {
		switch a {
		case ActionStartLinkTimer:
			s.startLinkTimer()
		case ActionStopLinkTimer:
			s.stopLinkTimer()
		case ActionSendAck:
			s.sendLinkAckRetries()
		case ActionScheduleCloseRetries:
			// handled by the caller (sendCloseRetry is invoked directly
			// by Close, since it needs the reason value).
		case ActionNotifyOpened:
			s.mu.Lock()
			linkID := s.linkID
			s.mu.Unlock()
			if s.protocol != nil {
				s.protocol.LinkOpened(linkID)
			}
		case ActionNotifyClosed:
			// The reason code varies by caller (timeout vs. exhausted
			// close retries); each transition's driving function
			// invokes protocol.LinkClosed directly with the right
			// reason rather than through this generic dispatch.
		case ActionNotifyClosedByPeer:
			// handled by the caller with the received reason.
		}
	}
}

func (s *Session) startLinkTimer() {
	s.mu.Lock()
	if s.cancelLinkTimer != nil {
		s.cancelLinkTimer()
	}
	linkID := s.linkID
	timer := time.AfterFunc(LinkEstablishTimeout, func() { s.onLinkTimeout(linkID) })
	s.cancelLinkTimer = timer.Stop
	s.mu.Unlock()
}

func (s *Session) stopLinkTimer() {
	s.mu.Lock()
	if s.cancelLinkTimer != nil {
		s.cancelLinkTimer()
		s.cancelLinkTimer = nil
	}
	s.mu.Unlock()
}

func (s *Session) onLinkTimeout(linkID uint32) {
	s.mu.Lock()
	if s.linkID != linkID || (s.state != LinkEstablishing) {
		s.mu.Unlock()
		return
	}
	result := ApplyLinkEvent(s.state, EventLinkTimeout)
	s.state = result.NewState
	s.mu.Unlock()

	s.runLinkActions(result.Actions)
	if s.protocol != nil {
		s.protocol.LinkClosed(linkID, wire.LinkCloseTimeout)
	}
}

// sendLinkAckRetries schedules up to LinkAckRetries Link Ack
// transmissions with 20-50ms jitter between them (server role,
// Section 4.7 step 2).
func (s *Session) sendLinkAckRetries() {
	var attempt func(n int)
	attempt = func(n int) {
		s.mu.Lock()
		if s.state != LinkOpen {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.sendControl(wire.ControlLinkAck, nil)
		if n+1 < LinkAckRetries {
			time.AfterFunc(hostport.LinkRetryJitter(), func() { attempt(n + 1) })
		}
	}
	attempt(0)
}

func (s *Session) freeBuffersLocked() {
	if s.cancelLinkTimer != nil {
		s.cancelLinkTimer()
		s.cancelLinkTimer = nil
	}
	if s.cancelAckTimer != nil {
		s.cancelAckTimer()
		s.cancelAckTimer = nil
	}
	if s.cancelTranTimer != nil {
		s.cancelTranTimer()
		s.cancelTranTimer = nil
	}
	if s.cancelRxTimer != nil {
		s.cancelRxTimer()
		s.cancelRxTimer = nil
	}
	s.txPDU = nil
	s.rxBuf = nil
	s.rxHaveTran = false
	s.rxComplete = false
}

// --- Transmit ---------------------------------------------------------

// SendPDU segments and transmits pdu as the next transaction on this
// link. Only one transaction may be in flight at a time.
func (s *Session) SendPDU(pdu []byte) error {
	s.mu.Lock()
	if s.state != LinkOpen {
		s.mu.Unlock()
		return fmt.Errorf("pbadv: send pdu: %w", ErrLinkNotOpen)
	}
	if len(pdu) > wire.MaxProvisioningLen {
		s.mu.Unlock()
		return fmt.Errorf("pbadv: send pdu: %w", ErrPDUTooLong)
	}
	if s.txPDU != nil {
		s.mu.Unlock()
		return fmt.Errorf("pbadv: send pdu: %w", ErrTXBusy)
	}

	s.localTranNum = nextLocalTranNum(s.role, s.localTranNum, s.haveSentTran)
	s.haveSentTran = true
	tranNum := s.localTranNum

	s.txPDU = append([]byte(nil), pdu...)
	s.txSegN = wire.SegNFor(len(pdu))
	s.txFCS = wire.FCS(pdu)
	s.txTranNum = tranNum
	s.txAcked = false
	linkID := s.linkID
	s.mu.Unlock()

	s.startTransactionTimer(linkID, tranNum)
	time.AfterFunc(hostport.LinkRetryJitter(), func() { s.transmitSegments(linkID, tranNum) })
	return nil
}

func (s *Session) startTransactionTimer(linkID uint32, tranNum uint8) {
	s.mu.Lock()
	if s.cancelTranTimer != nil {
		s.cancelTranTimer()
	}
	timer := time.AfterFunc(TransactionTimeout, func() { s.onTransactionTimeout(linkID, tranNum) })
	s.cancelTranTimer = timer.Stop
	s.mu.Unlock()
}

func (s *Session) onTransactionTimeout(linkID uint32, tranNum uint8) {
	s.mu.Lock()
	if s.linkID != linkID || s.txTranNum != tranNum || s.txAcked || s.txPDU == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.protocol != nil {
		s.protocol.SendTimeout(linkID)
	}
	s.Close(wire.LinkCloseTimeout)
}

// transmitSegments sends every segment of the current transaction, then
// starts the ACK timer.
func (s *Session) transmitSegments(linkID uint32, tranNum uint8) {
	s.mu.Lock()
	if s.linkID != linkID || s.txTranNum != tranNum || s.txAcked || s.txPDU == nil {
		s.mu.Unlock()
		return
	}
	pdu := s.txPDU
	segN := s.txSegN
	fcs := s.txFCS
	s.mu.Unlock()

	for _, frame := range buildSegmentFrames(linkID, tranNum, segN, fcs, pdu) {
		s.sendFrame(frame)
	}

	s.mu.Lock()
	if s.cancelAckTimer != nil {
		s.cancelAckTimer()
	}
	timer := time.AfterFunc(AckTimeout, func() { s.onAckTimeout(linkID, tranNum) })
	s.cancelAckTimer = timer.Stop
	s.mu.Unlock()
}

func (s *Session) onAckTimeout(linkID uint32, tranNum uint8) {
	s.mu.Lock()
	if s.linkID != linkID || s.txTranNum != tranNum || s.txAcked || s.txPDU == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Retransmit the whole transaction from segment zero.
	time.AfterFunc(hostport.LinkRetryJitter(), func() { s.transmitSegments(linkID, tranNum) })
}

// HandleAck processes a received transaction Ack.
func (s *Session) HandleAck(linkID uint32, tranNum uint8) {
	s.mu.Lock()
	if s.linkID != linkID || s.txTranNum != tranNum || s.txAcked || s.txPDU == nil {
		s.mu.Unlock()
		return
	}
	s.txAcked = true
	s.txPDU = nil
	if s.cancelAckTimer != nil {
		s.cancelAckTimer()
		s.cancelAckTimer = nil
	}
	if s.cancelTranTimer != nil {
		s.cancelTranTimer()
		s.cancelTranTimer = nil
	}
	s.mu.Unlock()

	if s.protocol != nil {
		s.protocol.PDUSent(linkID)
	}
}

// buildSegmentFrames builds the Start (+ Continuation...) frames for
// one transaction, prefixed with the {link_id, tran_num} PB-ADV frame
// header (Section 4.7).
func buildSegmentFrames(linkID uint32, tranNum uint8, segN uint8, fcs byte, pdu []byte) [][]byte {
	hdr := wire.PBADVFrameHeader{LinkID: linkID, TranNum: tranNum}
	hdrBuf := make([]byte, wire.PBADVFrameHeaderLen)
	_ = wire.PackPBADVFrameHeader(hdr, hdrBuf)

	seg0Len := len(pdu)
	if seg0Len > wire.StartSeg0Cap {
		seg0Len = wire.StartSeg0Cap
	}

	start := make([]byte, 0, wire.PBADVFrameHeaderLen+1+wire.StartHeaderLen+seg0Len)
	start = append(start, hdrBuf...)
	start = append(start, wire.GPCFByte(wire.GPCFStart, segN))
	startHdr := make([]byte, wire.StartHeaderLen)
	_ = wire.PackStartHeader(len(pdu), fcs, startHdr)
	start = append(start, startHdr...)
	start = append(start, pdu[:seg0Len]...)

	frames := [][]byte{start}

	offset := seg0Len
	for segIndex := uint8(1); segIndex <= segN; segIndex++ {
		end := offset + wire.ContSegCap
		if end > len(pdu) {
			end = len(pdu)
		}
		cont := make([]byte, 0, wire.PBADVFrameHeaderLen+1+(end-offset))
		cont = append(cont, hdrBuf...)
		cont = append(cont, wire.GPCFByte(wire.GPCFContinuation, segIndex))
		cont = append(cont, pdu[offset:end]...)
		frames = append(frames, cont)
		offset = end
	}

	return frames
}

// sendFrame broadcasts a pre-framed PB-ADV PDU on every ADV interface
// (PB-ADV never runs over GATT).
func (s *Session) sendFrame(payload []byte) {
	if s.dispatch == nil {
		return
	}
	for _, id := range s.dispatch.ListInterfaces() {
		if id.Kind() != bearer.KindADV {
			continue
		}
		if err := s.dispatch.Send(id, bearer.ADTypeProvisioningPdu, payload); err != nil {
			s.logger.Debug("pb-adv send failed", slog.Any("interface", id), slog.String("error", err.Error()))
		}
	}
}

func (s *Session) sendAck(linkID uint32, tranNum uint8) {
	hdr := wire.PBADVFrameHeader{LinkID: linkID, TranNum: tranNum}
	hdrBuf := make([]byte, wire.PBADVFrameHeaderLen)
	_ = wire.PackPBADVFrameHeader(hdr, hdrBuf)
	frame := append(hdrBuf, wire.GPCFByte(wire.GPCFAck, 0))
	s.sendFrame(frame)
}

func (s *Session) sendControl(opcode uint8, extra []byte) {
	s.mu.Lock()
	linkID := s.linkID
	s.mu.Unlock()

	hdr := wire.PBADVFrameHeader{LinkID: linkID, TranNum: 0}
	hdrBuf := make([]byte, wire.PBADVFrameHeaderLen)
	_ = wire.PackPBADVFrameHeader(hdr, hdrBuf)
	frame := append(hdrBuf, wire.GPCFByte(wire.GPCFControl, opcode))
	frame = append(frame, extra...)
	s.sendFrame(frame)
}

// --- Receive ------------------------------------------------------------

// InboundFrame implements bearer.Consumer for ADTypeProvisioningPdu.
func (s *Session) InboundFrame(id bearer.InterfaceID, adType uint8, payload []byte) {
	if adType != bearer.ADTypeProvisioningPdu {
		return
	}
	s.ProcessFrame(payload)
}

// ProcessFrame decodes one PB-ADV frame and routes it to the
// appropriate handler.
func (s *Session) ProcessFrame(raw []byte) {
	hdr, err := wire.UnpackPBADVFrameHeader(raw)
	if err != nil {
		return
	}
	body := raw[wire.PBADVFrameHeaderLen:]
	if len(body) == 0 {
		return
	}
	gpcf, low6 := wire.ParseGPCFByte(body[0])
	rest := body[1:]

	switch gpcf {
	case wire.GPCFControl:
		s.handleControl(hdr.LinkID, low6, rest)
	case wire.GPCFStart:
		s.handleStart(hdr.LinkID, hdr.TranNum, low6, rest)
	case wire.GPCFContinuation:
		s.handleContinuation(hdr.LinkID, hdr.TranNum, low6, rest)
	case wire.GPCFAck:
		s.handleAckFrame(hdr.LinkID, hdr.TranNum)
	}
}

func (s *Session) handleControl(linkID uint32, opcode uint8, rest []byte) {
	switch opcode {
	case wire.ControlLinkOpen:
		if len(rest) < 16 {
			return
		}
		var uuid [16]byte
		copy(uuid[:], rest[:16])
		s.HandleLinkOpen(linkID, uuid)
	case wire.ControlLinkAck:
		s.HandleLinkAck(linkID)
	case wire.ControlLinkClose:
		reason := wire.LinkCloseSuccess
		if len(rest) >= 1 {
			reason = rest[0]
		}
		s.HandleLinkClose(linkID, reason)
	}
}

func (s *Session) handleAckFrame(linkID uint32, tranNum uint8) {
	s.noticeAnyPDU(linkID)
	s.HandleAck(linkID, tranNum)
}

// handleStart processes a Start Generic Provisioning PDU, applying the
// duplicate/replace precedence decided for this implementation: a Start
// whose (tran_num, total_len, fcs) differs from the in-progress
// reassembly replaces it; a byte-identical repeat re-arms the
// reassembly timer without resetting rx_seg_mask.
func (s *Session) handleStart(linkID uint32, tranNum uint8, segN uint8, rest []byte) {
	if len(rest) < wire.StartHeaderLen {
		return
	}
	totalLen, fcs, err := wire.UnpackStartHeader(rest)
	if err != nil || totalLen > wire.MaxProvisioningLen {
		return
	}
	seg0 := rest[wire.StartHeaderLen:]

	s.noticeAnyPDU(linkID)

	s.mu.Lock()
	if s.linkID != linkID || (s.state != LinkOpen) {
		s.mu.Unlock()
		return
	}

	if s.rxHaveTran && tranNum == s.rxTranNum {
		if totalLen == s.rxTotalLen && fcs == s.rxFCS {
			// Byte-identical duplicate Start: re-arm the reassembly
			// timer without resetting progress.
			s.restartRxTimerLocked(linkID, tranNum)
			complete := s.rxComplete
			s.mu.Unlock()
			if complete {
				s.sendAck(linkID, tranNum)
			}
			return
		}
		// Differing Start for the same tran_num replaces the
		// in-progress reassembly.
		s.resetRxLocked()
	} else if s.rxHaveTran && !isNewerTran(peerRole(s.role), tranNum, s.peerTranNumOrStartLocked()) {
		s.mu.Unlock()
		return
	} else {
		s.resetRxLocked()
	}

	if int(segN) != int(wire.SegNFor(totalLen)) || len(seg0) > wire.StartSeg0Cap {
		s.mu.Unlock()
		return
	}

	s.rxHaveTran = true
	s.rxTranNum = tranNum
	s.rxTotalLen = totalLen
	s.rxFCS = fcs
	s.rxSegN = segN
	s.rxBuf = make([]byte, totalLen)
	s.rxSegMask = 1 // bit 0: segment zero received
	s.rxComplete = false
	copy(s.rxBuf, seg0)

	s.restartRxTimerLocked(linkID, tranNum)

	if segN == 0 {
		s.finishReassembly(linkID, tranNum)
		return
	}
	s.mu.Unlock()
}

// peerTranNumOrStartLocked returns the reference point for "newness"
// comparisons: the tran_num of the in-progress reassembly if any, else
// the last fully completed transaction's tran_num. Caller holds s.mu.
func (s *Session) peerTranNumOrStartLocked() uint8 {
	if s.rxHaveTran {
		return s.rxTranNum
	}
	return s.peerTranNum
}

func (s *Session) handleContinuation(linkID uint32, tranNum uint8, segIndex uint8, payload []byte) {
	s.noticeAnyPDU(linkID)

	s.mu.Lock()
	if s.linkID != linkID || s.state != LinkOpen || !s.rxHaveTran || tranNum != s.rxTranNum || s.rxComplete {
		s.mu.Unlock()
		return
	}
	if segIndex == 0 || segIndex > s.rxSegN {
		s.mu.Unlock()
		return
	}
	bit := uint64(1) << segIndex
	if s.rxSegMask&bit != 0 {
		// Duplicate segment: ignore, reassembly is still progressing.
		s.mu.Unlock()
		return
	}

	offset := wire.StartSeg0Cap + int(segIndex-1)*wire.ContSegCap
	end := offset + len(payload)
	if end > len(s.rxBuf) {
		s.resetRxLocked()
		s.mu.Unlock()
		return
	}
	copy(s.rxBuf[offset:end], payload)
	s.rxSegMask |= bit

	s.restartRxTimerLocked(linkID, tranNum)

	if s.allSegmentsReceivedLocked() {
		s.finishReassembly(linkID, tranNum)
		return
	}
	s.mu.Unlock()
}

func (s *Session) allSegmentsReceivedLocked() bool {
	want := uint64(0)
	for i := 0; i <= int(s.rxSegN); i++ {
		want |= 1 << uint(i)
	}
	return s.rxSegMask&want == want
}

// finishReassembly verifies the FCS and, on success, delivers the PDU
// and schedules its Ack. Caller holds s.mu; finishReassembly always
// releases it before returning.
func (s *Session) finishReassembly(linkID uint32, tranNum uint8) {
	if wire.FCS(s.rxBuf) != s.rxFCS {
		s.resetRxLocked()
		s.mu.Unlock()
		return
	}

	s.rxComplete = true
	s.peerTranNum = tranNum
	s.havePeerTran = true
	if s.cancelRxTimer != nil {
		s.cancelRxTimer()
		s.cancelRxTimer = nil
	}
	pdu := append([]byte(nil), s.rxBuf...)
	s.mu.Unlock()

	time.AfterFunc(hostport.LinkRetryJitter(), func() { s.sendAck(linkID, tranNum) })
	if s.protocol != nil {
		s.protocol.PDUReceived(linkID, pdu)
	}
}

// restartRxTimerLocked (re)arms the per-transaction reassembly timer.
// The spec does not name a dedicated reassembly timer distinct from
// the 30s transaction timeout; this implementation reuses that bound
// for RX reassembly too, so a stalled peer cannot hold a reassembly
// buffer open indefinitely. Caller holds s.mu.
func (s *Session) restartRxTimerLocked(linkID uint32, tranNum uint8) {
	if s.cancelRxTimer != nil {
		s.cancelRxTimer()
	}
	timer := time.AfterFunc(TransactionTimeout, func() { s.onRxTimeout(linkID, tranNum) })
	s.cancelRxTimer = timer.Stop
}

func (s *Session) onRxTimeout(linkID uint32, tranNum uint8) {
	s.mu.Lock()
	if s.linkID != linkID || !s.rxHaveTran || s.rxTranNum != tranNum || s.rxComplete {
		s.mu.Unlock()
		return
	}
	s.resetRxLocked()
	s.mu.Unlock()
}

func (s *Session) resetRxLocked() {
	if s.cancelRxTimer != nil {
		s.cancelRxTimer()
		s.cancelRxTimer = nil
	}
	s.rxHaveTran = false
	s.rxTotalLen = 0
	s.rxSegN = 0
	s.rxSegMask = 0
	s.rxBuf = nil
	s.rxComplete = false
}

// noticeAnyPDU cancels the link-establishment timer on the first
// provisioning PDU received on an opening/open link (Section 4.7 step
// 3), via the link FSM's EventPDUReceived self-loop.
func (s *Session) noticeAnyPDU(linkID uint32) {
	s.mu.Lock()
	if s.linkID != linkID || s.state != LinkOpen {
		s.mu.Unlock()
		return
	}
	result := ApplyLinkEvent(s.state, EventPDUReceived)
	s.state = result.NewState
	s.mu.Unlock()

	s.runLinkActions(result.Actions)
}

// State returns the session's current link state.
func (s *Session) State() LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LinkID returns the session's current link id.
func (s *Session) LinkID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkID
}
