package pbadv

// This file implements the PB-ADV link finite state machine as a pure
// function over a transition table, the same shape as the teacher's
// bfd FSM: no side effects, no Session dependency, testable against
// the table alone.

// LinkState is the per-session link lifecycle state (Section 4.7).
type LinkState uint8

const (
	// LinkIdle: no link established; server is beaconing, client is
	// scanning.
	LinkIdle LinkState = iota
	// LinkEstablishing: client has sent Link Open and is awaiting Link
	// Ack within the 60s link-establishment timer.
	LinkEstablishing
	// LinkOpen: link established; provisioning PDUs may flow.
	LinkOpen
	// LinkClosing: Link Close has been sent and is being retried with
	// jitter while awaiting teardown.
	LinkClosing
)

// String returns the human-readable link state name.
func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkEstablishing:
		return "establishing"
	case LinkOpen:
		return "open"
	case LinkClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// LinkEvent is an input to the link FSM.
type LinkEvent uint8

const (
	// EventOpenSent: client sent Link Open.
	EventOpenSent LinkEvent = iota
	// EventOpenReceived: server received a Link Open matching our UUID.
	EventOpenReceived
	// EventAckReceived: client received Link Ack.
	EventAckReceived
	// EventPDUReceived: any provisioning PDU received on an open/opening
	// link, which cancels the link-establishment timer.
	EventPDUReceived
	// EventCloseSent: local side is closing the link.
	EventCloseSent
	// EventCloseReceived: peer sent Link Close.
	EventCloseReceived
	// EventLinkTimeout: the 60s link-establishment timer expired.
	EventLinkTimeout
	// EventCloseRetriesExhausted: all three Link Close retransmissions
	// have been sent.
	EventCloseRetriesExhausted
)

// LinkAction is a side-effect the caller must execute after a transition.
type LinkAction uint8

const (
	// ActionStartLinkTimer (re)starts the 60s link-establishment timer.
	ActionStartLinkTimer LinkAction = iota + 1
	// ActionStopLinkTimer stops the link-establishment timer.
	ActionStopLinkTimer
	// ActionSendAck schedules three Link Ack retransmissions with
	// 20-50ms jitter (server role).
	ActionSendAck
	// ActionScheduleCloseRetries schedules three Link Close
	// retransmissions with jitter before the link tears down.
	ActionScheduleCloseRetries
	// ActionNotifyOpened reports LinkOpened to the provisioning protocol.
	ActionNotifyOpened
	// ActionNotifyClosed reports LinkClosed (locally initiated or
	// timed out) to the provisioning protocol.
	ActionNotifyClosed
	// ActionNotifyClosedByPeer reports LinkClosedByPeer to the
	// provisioning protocol.
	ActionNotifyClosedByPeer
)

type linkStateEvent struct {
	state LinkState
	event LinkEvent
}

type linkTransition struct {
	next    LinkState
	actions []LinkAction
}

//nolint:gochecknoglobals // link transition table is intentionally package-level.
var linkTable = map[linkStateEvent]linkTransition{
	// Client: send Link Open, start waiting for Ack.
	{LinkIdle, EventOpenSent}: {LinkEstablishing, []LinkAction{ActionStartLinkTimer}},

	// Server: a matching Link Open opens the link immediately and
	// queues three Link Ack retransmissions; the link-establishment
	// timer still runs until the first provisioning PDU cancels it.
	{LinkIdle, EventOpenReceived}: {LinkOpen, []LinkAction{ActionSendAck, ActionStartLinkTimer, ActionNotifyOpened}},

	// Client: Link Ack received while awaiting it opens the link.
	{LinkEstablishing, EventAckReceived}: {LinkOpen, []LinkAction{ActionStopLinkTimer, ActionNotifyOpened}},

	// Link-establishment timer expires before the link ever opened.
	{LinkEstablishing, EventLinkTimeout}: {LinkIdle, []LinkAction{ActionNotifyClosed}},

	// First provisioning PDU on an opening/open link cancels the
	// establishment timer; self-loop, no further state change.
	{LinkOpen, EventPDUReceived}: {LinkOpen, []LinkAction{ActionStopLinkTimer}},

	// Local side initiates close.
	{LinkOpen, EventCloseSent}: {LinkClosing, []LinkAction{ActionScheduleCloseRetries}},

	// Peer closes an open link.
	{LinkOpen, EventCloseReceived}: {LinkIdle, []LinkAction{ActionNotifyClosedByPeer}},

	// Peer closes while we are still retrying our own close.
	{LinkClosing, EventCloseReceived}: {LinkIdle, []LinkAction{ActionNotifyClosedByPeer}},

	// Our own close retries are exhausted; tear down locally.
	{LinkClosing, EventCloseRetriesExhausted}: {LinkIdle, []LinkAction{ActionNotifyClosed}},
}

// LinkFSMResult holds the outcome of applying a link event.
type LinkFSMResult struct {
	OldState LinkState
	NewState LinkState
	Actions  []LinkAction
	Changed  bool
}

// ApplyLinkEvent applies event to state and returns the result. Unlisted
// (state, event) pairs are silently ignored: Changed is false and
// Actions is empty.
func ApplyLinkEvent(state LinkState, event LinkEvent) LinkFSMResult {
	tr, ok := linkTable[linkStateEvent{state, event}]
	if !ok {
		return LinkFSMResult{OldState: state, NewState: state}
	}
	return LinkFSMResult{
		OldState: state,
		NewState: tr.next,
		Actions:  tr.actions,
		Changed:  state != tr.next,
	}
}
