package proxy_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/packetcraft-inc/stacks-sub006/internal/proxy"
	"github.com/packetcraft-inc/stacks-sub006/internal/wire"
)

type fakeIdentityCrypto struct {
	err error
}

func (c *fakeIdentityCrypto) EncryptIdentityBlock(block [16]byte, cb func(ciphertext [16]byte, err error)) {
	if c.err != nil {
		cb([16]byte{}, c.err)
		return
	}
	// Trivial reversible "encryption" for test purposes: byte-complement.
	var ct [16]byte
	for i, b := range block {
		ct[i] = ^b
	}
	cb(ct, nil)
}

type fakeRandomSource struct{ value [8]byte }

func (r fakeRandomSource) Random8() [8]byte { return r.value }

func TestGenerateNetworkID(t *testing.T) {
	t.Parallel()

	id := [8]byte{9, 8, 7, 6, 5, 4, 3, 2}
	got := proxy.GenerateNetworkID(id)
	if !reflect.DeepEqual(got, id[:]) {
		t.Fatalf("got %v, want %v", got, id)
	}
}

func TestGenerateNodeIdentityBuildsExpectedFrame(t *testing.T) {
	t.Parallel()

	random := [8]byte{1, 1, 1, 1, 1, 1, 1, 1}
	crypto := &fakeIdentityCrypto{}
	rnd := fakeRandomSource{value: random}

	var gotFrame []byte
	var gotErr error
	proxy.GenerateNodeIdentity(crypto, rnd, 0x00AA, func(frame []byte, err error) {
		gotFrame, gotErr = frame, err
	})

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if len(gotFrame) != 16 {
		t.Fatalf("frame len = %d, want 16", len(gotFrame))
	}
	if !reflect.DeepEqual(gotFrame[:8], random[:]) {
		t.Fatalf("random half = %v, want %v", gotFrame[:8], random)
	}

	wantBlock := wire.NodeIdentityPlaintext(random, 0x00AA)
	var wantCiphertext [16]byte
	for i, b := range wantBlock {
		wantCiphertext[i] = ^b
	}
	if !reflect.DeepEqual(gotFrame[8:], wantCiphertext[8:]) {
		t.Fatalf("hash half = %v, want %v", gotFrame[8:], wantCiphertext[8:])
	}
}

func TestGenerateNodeIdentityPropagatesError(t *testing.T) {
	t.Parallel()

	crypto := &fakeIdentityCrypto{err: errors.New("hsm unavailable")}
	rnd := fakeRandomSource{}

	var gotErr error
	proxy.GenerateNodeIdentity(crypto, rnd, 0x0001, func(frame []byte, err error) {
		gotErr = err
	})

	if gotErr == nil {
		t.Fatalf("expected an error to propagate")
	}
}
