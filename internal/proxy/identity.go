package proxy

import (
	"fmt"

	"github.com/packetcraft-inc/stacks-sub006/internal/wire"
)

// IdentityCrypto is the external collaborator performing the AES-ECB
// step of encrypted-node-id generation, separate from the proxy
// pipeline's AES-CCM Crypto collaborator.
type IdentityCrypto interface {
	EncryptIdentityBlock(block [16]byte, cb func(ciphertext [16]byte, err error))
}

// RandomSource supplies the 8-byte random value consumed on each
// encrypted-node-id generation (Section 4.8).
type RandomSource interface {
	Random8() [8]byte
}

// GenerateNetworkID returns the plain network-id advertising payload
// for subnet identification (Section 4.8, "network-id (plain 8 bytes)").
func GenerateNetworkID(networkID [8]byte) []byte {
	id := wire.PackNetworkIDAdvertisement(networkID)
	return id[:]
}

// GenerateNodeIdentity produces the encrypted-node-id advertising
// payload for primaryUnicastAddr, completing asynchronously since it
// requires an AES-ECB round trip through the identity crypto
// collaborator.
func GenerateNodeIdentity(crypto IdentityCrypto, rnd RandomSource, primaryUnicastAddr uint16, cb func(frame []byte, err error)) {
	random := rnd.Random8()
	block := wire.NodeIdentityPlaintext(random, primaryUnicastAddr)

	crypto.EncryptIdentityBlock(block, func(ciphertext [16]byte, err error) {
		if err != nil {
			cb(nil, fmt.Errorf("proxy: generate node identity: %w", err))
			return
		}
		out := wire.PackNodeIdentityAdvertisement(random, ciphertext)
		cb(out[:], nil)
	})
}
