package wire_test

import (
	"errors"
	"testing"

	"github.com/packetcraft-inc/stacks-sub006/internal/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		h    wire.NetworkHeader
	}{
		{
			name: "access pdu group dst",
			h: wire.NetworkHeader{
				IVI: 0, NID: 0x12,
				CTL: 0, TTL: 3,
				Seq: 0x000001,
				Src: 0x0100, Dst: 0xC000,
			},
		},
		{
			name: "control pdu max fields",
			h: wire.NetworkHeader{
				IVI: 1, NID: 0x7F,
				CTL: 1, TTL: 0x7F,
				Seq: 0x00FFFFFF,
				Src: 0xFFFF, Dst: 0xFFFF,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			buf := make([]byte, wire.NetworkHeaderSize)
			if err := wire.PackHeader(tc.h, buf); err != nil {
				t.Fatalf("PackHeader: %v", err)
			}

			got, err := wire.UnpackHeader(buf)
			if err != nil {
				t.Fatalf("UnpackHeader: %v", err)
			}
			if got != tc.h {
				t.Fatalf("round-trip mismatch: got %+v, want %+v", got, tc.h)
			}
		})
	}
}

func TestHeaderRoundTripRepack(t *testing.T) {
	t.Parallel()

	buf := make([]byte, wire.NetworkHeaderSize)
	h := wire.NetworkHeader{IVI: 1, NID: 0x55, CTL: 0, TTL: 5, Seq: 0x00ABCD, Src: 0x0200, Dst: 0x0001}
	if err := wire.PackHeader(h, buf); err != nil {
		t.Fatalf("PackHeader: %v", err)
	}

	original := append([]byte(nil), buf...)

	unpacked, err := wire.UnpackHeader(buf)
	if err != nil {
		t.Fatalf("UnpackHeader: %v", err)
	}

	repacked := make([]byte, wire.NetworkHeaderSize)
	if err := wire.PackHeader(unpacked, repacked); err != nil {
		t.Fatalf("PackHeader (repack): %v", err)
	}

	for i := range original {
		if original[i] != repacked[i] {
			t.Fatalf("pack(unpack(h)) != h at byte %d: %#02x != %#02x", i, repacked[i], original[i])
		}
	}
}

func TestHeaderTooShort(t *testing.T) {
	t.Parallel()

	if _, err := wire.UnpackHeader(make([]byte, 4)); !errors.Is(err, wire.ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if err := wire.PackHeader(wire.NetworkHeader{}, make([]byte, 4)); !errors.Is(err, wire.ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		h       wire.NetworkHeader
		netKey  uint16
		wantErr error
	}{
		{"unassigned src", wire.NetworkHeader{Src: 0x0000, Dst: 0xC000}, 0, wire.ErrInvalidAddress},
		{"group src", wire.NetworkHeader{Src: 0xC000, Dst: 0xC000}, 0, wire.ErrInvalidAddress},
		{"unassigned dst", wire.NetworkHeader{Src: 0x0001, Dst: 0x0000}, 0, wire.ErrInvalidAddress},
		{"ttl too large", wire.NetworkHeader{Src: 0x0001, Dst: 0xC000, TTL: 128}, 0, wire.ErrInvalidTTL},
		{"ctl too large", wire.NetworkHeader{Src: 0x0001, Dst: 0xC000, CTL: 2}, 0, wire.ErrInvalidCTL},
		{"seq too large", wire.NetworkHeader{Src: 0x0001, Dst: 0xC000, Seq: 0x01000000}, 0, wire.ErrInvalidSeqNo},
		{"net key too large", wire.NetworkHeader{Src: 0x0001, Dst: 0xC000}, 0x1000, wire.ErrInvalidNetKey},
		{"valid", wire.NetworkHeader{Src: 0x0001, Dst: 0xC000, TTL: 3}, 0, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.h.Validate(tc.netKey)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestNetMICSize(t *testing.T) {
	t.Parallel()

	if n := (wire.NetworkHeader{CTL: 0}).NetMICSize(); n != wire.NetMICSizeAccess {
		t.Fatalf("access NetMIC size = %d, want %d", n, wire.NetMICSizeAccess)
	}
	if n := (wire.NetworkHeader{CTL: 1}).NetMICSize(); n != wire.NetMICSizeControl {
		t.Fatalf("control NetMIC size = %d, want %d", n, wire.NetMICSizeControl)
	}
}
