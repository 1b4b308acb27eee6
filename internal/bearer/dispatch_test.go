package bearer_test

import (
	"errors"
	"testing"

	"github.com/packetcraft-inc/stacks-sub006/internal/bearer"
)

type fakeRadio struct {
	sent [][]byte
	fail bool
}

func (r *fakeRadio) Transmit(id bearer.InterfaceID, frame []byte) error {
	if r.fail {
		return errors.New("boom")
	}
	r.sent = append(r.sent, append([]byte(nil), frame...))
	return nil
}

func TestAddInterfaceDuplicateAndExhausted(t *testing.T) {
	t.Parallel()

	d := bearer.NewDispatch(1, &fakeRadio{}, nil)
	id := bearer.NewInterfaceID(bearer.KindADV, 0)

	if err := d.AddInterface(id, bearer.KindADV); err != nil {
		t.Fatalf("first add: unexpected error %v", err)
	}
	if err := d.AddInterface(id, bearer.KindADV); !errors.Is(err, bearer.ErrDuplicate) {
		t.Fatalf("duplicate add: got %v, want ErrDuplicate", err)
	}

	other := bearer.NewInterfaceID(bearer.KindADV, 1)
	if err := d.AddInterface(other, bearer.KindADV); !errors.Is(err, bearer.ErrExhausted) {
		t.Fatalf("add beyond capacity: got %v, want ErrExhausted", err)
	}
}

func TestSendOversizeADVRejected(t *testing.T) {
	t.Parallel()

	d := bearer.NewDispatch(4, &fakeRadio{}, nil)
	id := bearer.NewInterfaceID(bearer.KindADV, 0)
	if err := d.AddInterface(id, bearer.KindADV); err != nil {
		t.Fatalf("add interface: %v", err)
	}

	payload := make([]byte, 30) // +2 bytes framing = 32 > 31 max
	if err := d.Send(id, bearer.ADTypeNetworkPdu, payload); !errors.Is(err, bearer.ErrOversizePDU) {
		t.Fatalf("send oversize: got %v, want ErrOversizePDU", err)
	}
}

func TestSendTransmitsImmediatelyWhenIdle(t *testing.T) {
	t.Parallel()

	radio := &fakeRadio{}
	d := bearer.NewDispatch(4, radio, nil)
	id := bearer.NewInterfaceID(bearer.KindADV, 0)
	if err := d.AddInterface(id, bearer.KindADV); err != nil {
		t.Fatalf("add interface: %v", err)
	}

	payload := []byte{0x01, 0x02, 0x03}
	if err := d.Send(id, bearer.ADTypeNetworkPdu, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(radio.sent) != 1 {
		t.Fatalf("radio.sent len = %d, want 1", len(radio.sent))
	}
	frame := radio.sent[0]
	if frame[0] != byte(len(payload)+1) || frame[1] != bearer.ADTypeNetworkPdu {
		t.Fatalf("unexpected frame header: %v", frame[:2])
	}
}

func TestSignalReadyDrainsQueue(t *testing.T) {
	t.Parallel()

	radio := &fakeRadio{}
	d := bearer.NewDispatch(4, radio, nil)
	id := bearer.NewInterfaceID(bearer.KindADV, 0)
	if err := d.AddInterface(id, bearer.KindADV); err != nil {
		t.Fatalf("add interface: %v", err)
	}

	if err := d.Send(id, bearer.ADTypeNetworkPdu, []byte{1}); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := d.Send(id, bearer.ADTypeNetworkPdu, []byte{2}); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if len(radio.sent) != 1 {
		t.Fatalf("before signal ready: radio.sent len = %d, want 1", len(radio.sent))
	}

	if err := d.SignalReady(id); err != nil {
		t.Fatalf("signal ready: %v", err)
	}
	if len(radio.sent) != 2 {
		t.Fatalf("after signal ready: radio.sent len = %d, want 2", len(radio.sent))
	}
}

func TestRemoveInterfaceDrainsWithProcessedCallback(t *testing.T) {
	t.Parallel()

	radio := &fakeRadio{} // first send is delivered immediately and leaves the interface busy
	d := bearer.NewDispatch(4, radio, nil)
	id := bearer.NewInterfaceID(bearer.KindADV, 0)
	if err := d.AddInterface(id, bearer.KindADV); err != nil {
		t.Fatalf("add interface: %v", err)
	}

	if err := d.Send(id, bearer.ADTypeNetworkPdu, []byte{1}); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	// Second entry stays queued behind the in-flight first frame.
	if err := d.Send(id, bearer.ADTypeNetworkPdu, []byte{2}); err != nil {
		t.Fatalf("send 2: %v", err)
	}

	var processedCount int
	if err := d.RemoveInterface(id, func(adType uint8, payload []byte) {
		processedCount++
	}); err != nil {
		t.Fatalf("remove interface: %v", err)
	}
	if processedCount != 1 {
		t.Fatalf("processedCount = %d, want 1 (the queued, undelivered entry)", processedCount)
	}

	if err := d.SignalReady(id); !errors.Is(err, bearer.ErrNotFound) {
		t.Fatalf("signal ready after remove: got %v, want ErrNotFound", err)
	}
}

func TestOutputFilterDefaultsAndAddRemove(t *testing.T) {
	t.Parallel()

	d := bearer.NewDispatch(4, &fakeRadio{}, nil)
	advID := bearer.NewInterfaceID(bearer.KindADV, 0)
	gattID := bearer.NewInterfaceID(bearer.KindGATT, 0)

	if err := d.AddInterface(advID, bearer.KindADV); err != nil {
		t.Fatalf("add adv: %v", err)
	}
	if err := d.AddInterface(gattID, bearer.KindGATT); err != nil {
		t.Fatalf("add gatt: %v", err)
	}

	advFilter, err := d.Filter(advID)
	if err != nil {
		t.Fatalf("adv filter: %v", err)
	}
	if !advFilter.Allows(0xC000) {
		t.Fatalf("default adv filter (empty blacklist) should allow all addresses")
	}

	gattFilter, err := d.Filter(gattID)
	if err != nil {
		t.Fatalf("gatt filter: %v", err)
	}
	if gattFilter.Allows(0xC000) {
		t.Fatalf("default gatt filter (empty whitelist) should drop all addresses")
	}

	if err := gattFilter.Add(0xC000, 0xC001); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := gattFilter.Size(); got != 2 {
		t.Fatalf("size after add = %d, want 2", got)
	}
	if !gattFilter.Allows(0xC000) {
		t.Fatalf("filter should now allow 0xC000")
	}

	// Re-adding an already-present address is a no-op.
	if err := gattFilter.Add(0xC000); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if got := gattFilter.Size(); got != 2 {
		t.Fatalf("size after re-add = %d, want 2 (idempotent)", got)
	}

	gattFilter.Remove(0xC000, 0xC001)
	if got := gattFilter.Size(); got != 0 {
		t.Fatalf("size after remove = %d, want 0", got)
	}
}

func TestSendOnGATTSegmentsAcrossMultipleSignalReady(t *testing.T) {
	t.Parallel()

	radio := &fakeRadio{}
	d := bearer.NewDispatch(4, radio, nil)
	id := bearer.NewInterfaceID(bearer.KindGATT, 0)
	if err := d.AddInterface(id, bearer.KindGATT); err != nil {
		t.Fatalf("add interface: %v", err)
	}

	// DefaultGATTMTU is 20; a 45-byte payload needs First + Continuation + Last.
	payload := make([]byte, 45)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := d.Send(id, bearer.ADTypeProxyConfig, payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(radio.sent) != 1 {
		t.Fatalf("radio.sent len = %d, want 1 (only the first SAR fragment so far)", len(radio.sent))
	}

	if err := d.SignalReady(id); err != nil {
		t.Fatalf("signal ready 1: %v", err)
	}
	if err := d.SignalReady(id); err != nil {
		t.Fatalf("signal ready 2: %v", err)
	}
	if len(radio.sent) != 3 {
		t.Fatalf("radio.sent len = %d, want 3 total SAR fragments", len(radio.sent))
	}

	reassembled := make([]byte, 0, len(payload))
	for _, frame := range radio.sent {
		reassembled = append(reassembled, frame[1:]...)
	}
	if string(reassembled) != string(payload) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestProcessInboundGATTReassemblesAndDelivers(t *testing.T) {
	t.Parallel()

	d := bearer.NewDispatch(4, &fakeRadio{}, nil)
	id := bearer.NewInterfaceID(bearer.KindGATT, 0)
	if err := d.AddInterface(id, bearer.KindGATT); err != nil {
		t.Fatalf("add interface: %v", err)
	}

	var delivered [][]byte
	d.RegisterConsumer(bearer.ADTypeProxyConfig, consumerFunc(func(gotID bearer.InterfaceID, adType uint8, payload []byte) {
		if gotID != id {
			t.Fatalf("consumer id = %v, want %v", gotID, id)
		}
		if adType != bearer.ADTypeProxyConfig {
			t.Fatalf("adType = %d, want %d", adType, bearer.ADTypeProxyConfig)
		}
		delivered = append(delivered, append([]byte(nil), payload...))
	}))

	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	frames := bearer.SegmentForTX(bearer.ADTypeProxyConfig, payload, 3) // mtu=3 splits the 4 bytes into First/Last
	for _, f := range frames {
		d.ProcessInbound(id, f)
	}

	if len(delivered) != 1 {
		t.Fatalf("delivered count = %d, want 1", len(delivered))
	}
	if string(delivered[0]) != string(payload) {
		t.Fatalf("delivered payload = %v, want %v", delivered[0], payload)
	}
}

func TestProcessInboundGATTSingleCompleteFrame(t *testing.T) {
	t.Parallel()

	d := bearer.NewDispatch(4, &fakeRadio{}, nil)
	id := bearer.NewInterfaceID(bearer.KindGATT, 0)
	if err := d.AddInterface(id, bearer.KindGATT); err != nil {
		t.Fatalf("add interface: %v", err)
	}

	var deliveredCount int
	d.RegisterConsumer(bearer.ADTypeNetworkPdu, consumerFunc(func(bearer.InterfaceID, uint8, []byte) {
		deliveredCount++
	}))

	payload := []byte{0x01, 0x02}
	frames := bearer.SegmentForTX(bearer.ADTypeNetworkPdu, payload, bearer.DefaultGATTMTU)
	if len(frames) != 1 {
		t.Fatalf("expected a single Complete frame, got %d", len(frames))
	}
	d.ProcessInbound(id, frames[0])

	if deliveredCount != 1 {
		t.Fatalf("deliveredCount = %d, want 1", deliveredCount)
	}
}

type consumerFunc func(id bearer.InterfaceID, adType uint8, payload []byte)

func (f consumerFunc) InboundFrame(id bearer.InterfaceID, adType uint8, payload []byte) {
	f(id, adType, payload)
}
