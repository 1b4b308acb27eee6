package bearer

import (
	"github.com/packetcraft-inc/stacks-sub006/internal/wire"
)

// This file implements the GATT Interface's segmentation-and-reassembly
// state machine (Section 4.3). sarState.Receive applies each incoming
// segment to the connection's reassembly state, including the length
// checks, and returns the action for the caller. sarTable and
// applySAREvent list the same legal transitions as a static table;
// Receive does not consult them.

// sarRxState is the per-connection reassembly state.
type sarRxState uint8

const (
	sarIdle sarRxState = iota
	sarAssembling
)

// SAREvent is the SAR FSM event: the 2-bit SAR field of an incoming octet.
type SAREvent = uint8 // reuses wire.SARComplete..wire.SARLast values

// SARAction is the action returned by sarState.Receive and Timeout.
type SARAction uint8

const (
	// SARActionNone: no action required (event dropped or in-progress).
	SARActionNone SARAction = iota
	// SARActionDeliver: hand the reassembled PDU (or Complete frame) up.
	SARActionDeliver
	// SARActionStartTimer: (re)start the 20s reassembly timer.
	SARActionStartTimer
	// SARActionStopTimer: stop the reassembly timer.
	SARActionStopTimer
	// SARActionClose: close the connection (protocol violation).
	SARActionClose
)

// sarStateEvent is the transition table key.
type sarStateEvent struct {
	state sarRxState
	event uint8
}

// sarTransition is the table's value: next state and the action to run.
// The data-dependent length checks are not in the table; sarState.Receive
// performs them.
type sarTransition struct {
	next   sarRxState
	action SARAction
}

//nolint:gochecknoglobals // SAR transition table is intentionally package-level.
var sarTable = map[sarStateEvent]sarTransition{
	{sarIdle, wire.SARComplete}:           {sarIdle, SARActionDeliver},
	{sarIdle, wire.SARFirst}:              {sarAssembling, SARActionStartTimer},
	{sarAssembling, wire.SARContinuation}: {sarAssembling, SARActionNone},
	{sarAssembling, wire.SARLast}:         {sarIdle, SARActionDeliver},
}

// sarResult is the outcome of applying one event to the SAR FSM.
type sarResult struct {
	next   sarRxState
	action SARAction
}

// applySAREvent looks up the static (state, event) transition. Unlisted
// pairs (idle+Continuation, idle+Last, assembling+Complete,
// assembling+First) are protocol violations and close the connection.
func applySAREvent(state sarRxState, event uint8) sarResult {
	tr, ok := sarTable[sarStateEvent{state, event}]
	if !ok {
		return sarResult{next: sarIdle, action: SARActionClose}
	}
	return sarResult{next: tr.next, action: tr.action}
}

// sarState tracks one GATT connection's reassembly buffer and bookkeeping.
type sarState struct {
	rx      sarRxState
	pduType uint8
	buf     []byte
}

func newSARState() *sarState {
	return &sarState{rx: sarIdle}
}

// sarOutcome reports what the caller should do with a received octet
// stream: deliver a PDU, close the connection, or nothing yet.
type sarOutcome struct {
	action  SARAction
	pduType uint8
	payload []byte // valid only when action == SARActionDeliver
}

// Receive processes one incoming GATT octet stream (header + fragment)
// against the connection's current reassembly state.
func (s *sarState) Receive(header wire.GATTHeader, fragment []byte) sarOutcome {
	maxLen := wire.MaxLenForGATTPduType(header.PDUType)

	switch header.SAR {
	case wire.SARComplete:
		if s.rx != sarIdle {
			return sarOutcome{action: SARActionClose}
		}
		if len(fragment) > maxLen {
			return sarOutcome{action: SARActionClose}
		}
		return sarOutcome{action: SARActionDeliver, pduType: header.PDUType, payload: fragment}

	case wire.SARFirst:
		if s.rx != sarIdle {
			return sarOutcome{action: SARActionClose}
		}
		if len(fragment) >= maxLen {
			// A First equal to the allowed max cannot be continued.
			return sarOutcome{action: SARActionClose}
		}
		s.rx = sarAssembling
		s.pduType = header.PDUType
		s.buf = append([]byte(nil), fragment...)
		return sarOutcome{action: SARActionStartTimer}

	case wire.SARContinuation, wire.SARLast:
		if s.rx != sarAssembling {
			return sarOutcome{action: SARActionClose}
		}
		if header.PDUType != s.pduType {
			return sarOutcome{action: SARActionClose}
		}
		if len(s.buf)+len(fragment) > maxLen {
			return sarOutcome{action: SARActionClose}
		}
		s.buf = append(s.buf, fragment...)

		if header.SAR == wire.SARLast {
			pdu := s.buf
			pduType := s.pduType
			s.reset()
			return sarOutcome{action: SARActionDeliver, pduType: pduType, payload: pdu}
		}
		return sarOutcome{action: SARActionNone}

	default:
		return sarOutcome{action: SARActionClose}
	}
}

// Timeout is called when the 20s reassembly timer fires; it always
// closes the connection per Section 4.3.
func (s *sarState) Timeout() sarOutcome {
	s.reset()
	return sarOutcome{action: SARActionClose}
}

func (s *sarState) reset() {
	s.rx = sarIdle
	s.pduType = 0
	s.buf = nil
}

// SegmentForTX splits payload into GATT SAR frames for transmission. If
// payload fits in a Complete frame (len+1 <= mtu), a single Complete
// frame is returned; otherwise it is split into First/Continuation*/Last.
func SegmentForTX(pduType uint8, payload []byte, mtu int) [][]byte {
	if len(payload)+1 <= mtu {
		hdr := wire.PackGATTHeader(wire.GATTHeader{SAR: wire.SARComplete, PDUType: pduType})
		return [][]byte{append([]byte{hdr}, payload...)}
	}

	chunkSize := mtu - 1
	var frames [][]byte
	for offset := 0; offset < len(payload); offset += chunkSize {
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}

		var sar uint8
		switch {
		case offset == 0:
			sar = wire.SARFirst
		case end == len(payload):
			sar = wire.SARLast
		default:
			sar = wire.SARContinuation
		}

		hdr := wire.PackGATTHeader(wire.GATTHeader{SAR: sar, PDUType: pduType})
		frame := append([]byte{hdr}, payload[offset:end]...)
		frames = append(frames, frame)
	}
	return frames
}
