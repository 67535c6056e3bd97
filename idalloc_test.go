package mqtt

import (
	"errors"
	"testing"
)

func TestIDAllocatorAcquireRelease(t *testing.T) {
	a := newIDAllocator()
	id, err := a.acquire()
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("acquired id must be nonzero")
	}
	if !a.isUsed(id) {
		t.Fatal("acquired id should be marked in use")
	}
	a.release(id)
	if a.isUsed(id) {
		t.Fatal("released id should no longer be in use")
	}
}

func TestIDAllocatorNeverReturnsZero(t *testing.T) {
	a := newIDAllocator()
	a.cursor = 0xfffe // force the wraparound boundary
	for i := 0; i < 4; i++ {
		id, err := a.acquire()
		if err != nil {
			t.Fatal(err)
		}
		if id == 0 {
			t.Fatal("acquire must never return the reserved zero id")
		}
	}
}

func TestIDAllocatorRegisterCollision(t *testing.T) {
	a := newIDAllocator()
	if err := a.register(42); err != nil {
		t.Fatal(err)
	}
	if err := a.register(42); !errors.Is(err, ErrIDCollision) {
		t.Fatalf("want ErrIDCollision, got %v", err)
	}
	if err := a.register(0); !errors.Is(err, ErrIDCollision) {
		t.Fatalf("registering id 0 must fail, got %v", err)
	}
}

func TestIDAllocatorExhaustion(t *testing.T) {
	a := newIDAllocator()
	// 65,534 outstanding ids is the documented exhaustion point, one short
	// of the full 65,535-id space (ids 1..65534 here).
	for id := uint16(minPacketID); id < maxPacketID; id++ {
		a.inUse[id] = struct{}{}
	}
	if _, err := a.acquire(); !errors.Is(err, ErrIDExhausted) {
		t.Fatalf("want ErrIDExhausted, got %v", err)
	}
}
