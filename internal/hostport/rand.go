package hostport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// maxAllocAttempts bounds the number of random-draw attempts before an
// allocator gives up. With a 32-bit random space and the session counts
// a single node will ever carry, collisions are astronomically
// unlikely; this is a safety net against a degenerate RNG, not a
// realistic code path.
const maxAllocAttempts = 100

// ErrIDSpaceExhausted indicates a LinkID/TranNum-style allocator could
// not find a free, nonzero value after maxAllocAttempts draws.
var ErrIDSpaceExhausted = errors.New("hostport: random id space exhausted")

// SecureRandom is the cryptographically secure RNG host port
// (rand_bytes). Security-sensitive values — link IDs, and anything fed
// to the crypto collaborator — are drawn from here, never from
// math/rand/v2.
type SecureRandom interface {
	// Read fills p with cryptographically secure random bytes.
	Read(p []byte) (int, error)
}

// CryptoRand is the production SecureRandom backed by crypto/rand.
type CryptoRand struct{}

// Read delegates to crypto/rand.Read.
func (CryptoRand) Read(p []byte) (int, error) { return rand.Read(p) }

// LinkIDAllocator generates unique, nonzero, random 32-bit PB-ADV link
// identifiers. Zero is reserved by convention as "no link" the way a
// BFD discriminator of zero means "not yet known", so it is never
// handed out.
type LinkIDAllocator struct {
	rng SecureRandom

	mu        sync.Mutex
	allocated map[uint32]struct{}
}

// NewLinkIDAllocator creates an allocator drawing from rng.
func NewLinkIDAllocator(rng SecureRandom) *LinkIDAllocator {
	return &LinkIDAllocator{
		rng:       rng,
		allocated: make(map[uint32]struct{}),
	}
}

// Allocate returns a unique, nonzero link id, or ErrIDSpaceExhausted if
// none could be found within the attempt budget.
func (a *LinkIDAllocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf [4]byte
	for range maxAllocAttempts {
		if _, err := a.rng.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("hostport: draw link id: %w", err)
		}

		id := binary.BigEndian.Uint32(buf[:])
		if id == 0 {
			continue
		}
		if _, exists := a.allocated[id]; exists {
			continue
		}

		a.allocated[id] = struct{}{}
		return id, nil
	}

	return 0, fmt.Errorf("hostport: allocate link id after %d attempts: %w", maxAllocAttempts, ErrIDSpaceExhausted)
}

// Release frees a previously allocated link id. Releasing an
// unallocated id is a no-op.
func (a *LinkIDAllocator) Release(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, id)
}
