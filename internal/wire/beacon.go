package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Beacon type tags (first octet of any beacon AD payload).
const (
	BeaconTypeUnprovisioned = 0x00
	BeaconTypeSecureNetwork = 0x01
)

// SecureBeaconLen is the fixed length of a Secure Network Beacon frame.
const SecureBeaconLen = 22

// Secure Network Beacon flag bits (Section 4.6).
const (
	FlagKeyRefreshPhase2 = 1 << 0
	FlagIVUpdateActive   = 1 << 1
)

// MaxIVDelta bounds how far ahead of the local IV index an incoming
// beacon's IV index may be before it is ignored (Section 8).
const MaxIVDelta = 42

var (
	ErrBeaconWrongType = errors.New("wire: beacon type mismatch")
	ErrBeaconTooShort  = errors.New("wire: beacon frame too short")
)

// SecureBeacon is the decoded form of a 22-byte Secure Network Beacon.
type SecureBeacon struct {
	Flags     uint8
	NetworkID [8]byte
	IVIndex   uint32
	Auth      [8]byte
}

// KeyRefreshPhase2 reports whether the beacon advertises key-refresh phase 2.
func (b SecureBeacon) KeyRefreshPhase2() bool { return b.Flags&FlagKeyRefreshPhase2 != 0 }

// IVUpdateActive reports whether the beacon advertises an in-progress IV update.
func (b SecureBeacon) IVUpdateActive() bool { return b.Flags&FlagIVUpdateActive != 0 }

// PackSecureBeacon writes the 22-byte frame (auth field included
// verbatim; callers compute Auth via the external crypto collaborator
// before calling this).
func PackSecureBeacon(b SecureBeacon, buf []byte) error {
	if len(buf) < SecureBeaconLen {
		return fmt.Errorf("pack secure beacon: %w", ErrTooShort)
	}
	buf[0] = BeaconTypeSecureNetwork
	buf[1] = b.Flags
	copy(buf[2:10], b.NetworkID[:])
	binary.BigEndian.PutUint32(buf[10:14], b.IVIndex)
	copy(buf[14:22], b.Auth[:])
	return nil
}

// UnpackSecureBeacon parses a 22-byte frame, rejecting anything not
// tagged as a Secure Network Beacon.
func UnpackSecureBeacon(buf []byte) (SecureBeacon, error) {
	if len(buf) < SecureBeaconLen {
		return SecureBeacon{}, fmt.Errorf("unpack secure beacon: %w", ErrBeaconTooShort)
	}
	if buf[0] != BeaconTypeSecureNetwork {
		return SecureBeacon{}, fmt.Errorf("type=%#02x: %w", buf[0], ErrBeaconWrongType)
	}

	var b SecureBeacon
	b.Flags = buf[1]
	copy(b.NetworkID[:], buf[2:10])
	b.IVIndex = binary.BigEndian.Uint32(buf[10:14])
	copy(b.Auth[:], buf[14:22])
	return b, nil
}

// IVAccepted reports whether a received IV index is within the
// acceptable window of the local IV index (Section 8: beacons with
// received IV > local IV + 42 are ignored; lower values are accepted
// so a node can recognize it has fallen behind and resynchronize).
func IVAccepted(localIV, rxIV uint32) bool {
	if rxIV < localIV {
		return true
	}
	return rxIV-localIV <= MaxIVDelta
}

// UnprovisionedBeacon is the decoded Unprovisioned Device Beacon
// (19 or 23 bytes including the beacon-type byte, depending on whether
// a URI hash is present).
type UnprovisionedBeacon struct {
	UUID    [16]byte
	OOBInfo uint16
	URIHash *[4]byte
}

// PackUnprovisionedBeacon writes a 19- or 23-byte frame depending on
// whether URIHash is set.
func PackUnprovisionedBeacon(b UnprovisionedBeacon, buf []byte) (int, error) {
	n := 19
	if b.URIHash != nil {
		n = 23
	}
	if len(buf) < n {
		return 0, fmt.Errorf("pack unprovisioned beacon: %w", ErrTooShort)
	}

	buf[0] = BeaconTypeUnprovisioned
	copy(buf[1:17], b.UUID[:])
	binary.BigEndian.PutUint16(buf[17:19], b.OOBInfo)
	if b.URIHash != nil {
		copy(buf[19:23], b.URIHash[:])
	}
	return n, nil
}

// UnpackUnprovisionedBeacon parses either a 19- or 23-byte frame.
func UnpackUnprovisionedBeacon(buf []byte) (UnprovisionedBeacon, error) {
	if len(buf) < 19 {
		return UnprovisionedBeacon{}, fmt.Errorf("unpack unprovisioned beacon: %w", ErrBeaconTooShort)
	}
	if buf[0] != BeaconTypeUnprovisioned {
		return UnprovisionedBeacon{}, fmt.Errorf("type=%#02x: %w", buf[0], ErrBeaconWrongType)
	}

	var b UnprovisionedBeacon
	copy(b.UUID[:], buf[1:17])
	b.OOBInfo = binary.BigEndian.Uint16(buf[17:19])

	if len(buf) >= 23 {
		var hash [4]byte
		copy(hash[:], buf[19:23])
		b.URIHash = &hash
	}

	return b, nil
}
