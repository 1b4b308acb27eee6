package hostport

import (
	"math/rand/v2"
	"time"
)

// Jitter sources below use math/rand/v2, not crypto/rand: broadcast
// collision avoidance is not security-sensitive, and the hot
// retransmission path should not pay crypto/rand's syscall overhead.

// LinkRetryJitter returns a random duration in [20ms, 50ms], the range
// used for PB-ADV Link Ack/Link Close retransmission and the
// transaction-ACK timer.
func LinkRetryJitter() time.Duration {
	return 20*time.Millisecond + time.Duration(rand.IntN(31))*time.Millisecond //nolint:gosec // G404: non-security jitter
}

// RelayDelay returns a random duration in [1ms, 20ms], applied before a
// relayed or forwarded PDU is re-transmitted on an ADV interface to
// avoid colliding with copies relayed by neighboring nodes.
func RelayDelay() time.Duration {
	return time.Duration(1+rand.IntN(20)) * time.Millisecond //nolint:gosec // G404: non-security jitter
}

// ControlRetryJitter returns a random duration in [20ms, 50ms] for the
// three-retry control-PDU retransmission (e.g. PB-ADV Link Close).
func ControlRetryJitter() time.Duration {
	return LinkRetryJitter()
}
