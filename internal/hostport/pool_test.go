package hostport_test

import (
	"testing"

	"github.com/packetcraft-inc/stacks-sub006/internal/hostport"
)

func TestBufferPoolAllocFree(t *testing.T) {
	t.Parallel()

	p := hostport.NewBufferPool(66)

	buf := p.Alloc()
	if len(*buf) != 66 {
		t.Fatalf("Alloc() len = %d, want 66", len(*buf))
	}

	(*buf)[0] = 0xFF
	p.Free(buf)

	buf2 := p.Alloc()
	if len(*buf2) != 66 {
		t.Fatalf("Alloc() len = %d, want 66", len(*buf2))
	}
}
