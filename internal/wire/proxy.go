package wire

import (
	"errors"
	"fmt"
)

// Proxy Configuration message opcodes (Section 4.8). These travel as
// the decrypted payload of a network PDU with CTL=1, TTL=0,
// DST=unassigned; the opcode occupies the first byte.
const (
	ProxyOpSetFilterType   uint8 = 0x00
	ProxyOpAddAddresses    uint8 = 0x01
	ProxyOpRemoveAddresses uint8 = 0x02
	ProxyOpFilterStatus    uint8 = 0x03
)

// Filter type values carried by Set Filter Type and Filter Status.
const (
	ProxyFilterWhitelist uint8 = 0
	ProxyFilterBlacklist uint8 = 1
)

// ErrInvalidProxyOpcode is returned for an opcode outside the four
// defined Proxy Configuration messages.
var ErrInvalidProxyOpcode = errors.New("wire: invalid proxy config opcode")

// ProxyConfigPDU is a decoded Proxy Configuration message.
type ProxyConfigPDU struct {
	Opcode     uint8
	FilterType uint8    // Set Filter Type, Filter Status
	Addresses  []uint16 // Add Addresses, Remove Addresses
	ListSize   uint16   // Filter Status
}

// PackProxyConfig packs pdu's opcode and opcode-specific parameters.
// The caller is responsible for the surrounding network encryption
// (Section 4.8: these messages are themselves network-PDU-encrypted).
func PackProxyConfig(pdu ProxyConfigPDU) ([]byte, error) {
	switch pdu.Opcode {
	case ProxyOpSetFilterType:
		return []byte{pdu.Opcode, pdu.FilterType}, nil

	case ProxyOpAddAddresses, ProxyOpRemoveAddresses:
		buf := make([]byte, 1+2*len(pdu.Addresses))
		buf[0] = pdu.Opcode
		for i, a := range pdu.Addresses {
			buf[1+2*i] = byte(a >> 8)
			buf[2+2*i] = byte(a)
		}
		return buf, nil

	case ProxyOpFilterStatus:
		return []byte{pdu.Opcode, pdu.FilterType, byte(pdu.ListSize >> 8), byte(pdu.ListSize)}, nil

	default:
		return nil, fmt.Errorf("pack proxy config: opcode %#02x: %w", pdu.Opcode, ErrInvalidProxyOpcode)
	}
}

// UnpackProxyConfig decodes a Proxy Configuration message, as handed up
// by the proxy crypto pipeline once decrypted.
func UnpackProxyConfig(buf []byte) (ProxyConfigPDU, error) {
	if len(buf) < 1 {
		return ProxyConfigPDU{}, fmt.Errorf("unpack proxy config: %w", ErrTooShort)
	}
	op := buf[0]

	switch op {
	case ProxyOpSetFilterType:
		if len(buf) != 2 {
			return ProxyConfigPDU{}, fmt.Errorf("unpack proxy config set filter type: %w", ErrTooShort)
		}
		return ProxyConfigPDU{Opcode: op, FilterType: buf[1]}, nil

	case ProxyOpAddAddresses, ProxyOpRemoveAddresses:
		rest := buf[1:]
		if len(rest)%2 != 0 {
			return ProxyConfigPDU{}, fmt.Errorf("unpack proxy config address list: %w", ErrTooShort)
		}
		addrs := make([]uint16, len(rest)/2)
		for i := range addrs {
			addrs[i] = uint16(rest[2*i])<<8 | uint16(rest[2*i+1])
		}
		return ProxyConfigPDU{Opcode: op, Addresses: addrs}, nil

	case ProxyOpFilterStatus:
		if len(buf) != 4 {
			return ProxyConfigPDU{}, fmt.Errorf("unpack proxy config filter status: %w", ErrTooShort)
		}
		return ProxyConfigPDU{Opcode: op, FilterType: buf[1], ListSize: uint16(buf[2])<<8 | uint16(buf[3])}, nil

	default:
		return ProxyConfigPDU{}, fmt.Errorf("unpack proxy config: opcode %#02x: %w", op, ErrInvalidProxyOpcode)
	}
}

// Node Identity advertising data sizes (Section 4.8).
const (
	NetworkIDLen          = 8
	NodeIdentityRandomLen = 8
	NodeIdentityHashLen   = 8
)

// PackNetworkIDAdvertisement returns the plain 8-byte network-id form
// of Node Identity advertising data.
func PackNetworkIDAdvertisement(networkID [8]byte) [8]byte {
	return networkID
}

// NodeIdentityPlaintext builds the 16-byte AES-ECB input block for the
// encrypted-node-id form: padding(6) | random(8) | primary_unicast_addr(2).
// The proxy crypto collaborator encrypts this block under the identity
// key; PackNodeIdentityAdvertisement then derives the 16-byte advertised
// form from the resulting ciphertext and the same random value.
func NodeIdentityPlaintext(random [8]byte, primaryUnicastAddr uint16) [16]byte {
	var block [16]byte
	copy(block[6:14], random[:])
	block[14] = byte(primaryUnicastAddr >> 8)
	block[15] = byte(primaryUnicastAddr)
	return block
}

// PackNodeIdentityAdvertisement builds the 16-byte advertised
// encrypted-node-id form: random(8) || hash(8), where hash is the last
// 8 bytes (ciphertext[8:16]) of the AES-ECB ciphertext of
// NodeIdentityPlaintext's block.
func PackNodeIdentityAdvertisement(random [8]byte, ciphertext [16]byte) [16]byte {
	var out [16]byte
	copy(out[:8], random[:])
	copy(out[8:], ciphertext[8:])
	return out
}
