package runner

import (
	"strings"
	"sync"
	"testing"
)

func TestCappedBufferUnderLimit(t *testing.T) {
	b := newCappedBuffer(100)

	n, err := b.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = (%d, %v), want (5, nil)", n, err)
	}
	if got := b.String(); got != "hello" {
		t.Errorf("String() = %q, want %q", got, "hello")
	}
}

func TestCappedBufferExactLimit(t *testing.T) {
	b := newCappedBuffer(5)

	if _, err := b.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	// Filling the buffer exactly is not truncation.
	if got := b.String(); got != "hello" {
		t.Errorf("String() = %q, want %q (no marker)", got, "hello")
	}
}

func TestCappedBufferTruncates(t *testing.T) {
	b := newCappedBuffer(5)

	n, err := b.Write([]byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	// The writer must see full acceptance so the child never blocks.
	if n != 11 {
		t.Errorf("Write n = %d, want 11", n)
	}
	want := "hello" + truncationMarker
	if got := b.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestCappedBufferDiscardsAfterLimit(t *testing.T) {
	b := newCappedBuffer(3)

	b.Write([]byte("abc"))
	b.Write([]byte("defghij"))
	b.Write([]byte("klm"))

	if b.Len() != 3 {
		t.Errorf("Len() = %d, want 3", b.Len())
	}
	if got := b.String(); got != "abc"+truncationMarker {
		t.Errorf("String() = %q", got)
	}
}

func TestCappedBufferConcurrentWrites(t *testing.T) {
	b := newCappedBuffer(1 << 10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Write([]byte(strings.Repeat("x", 10)))
			}
		}()
	}
	wg.Wait()

	if b.Len() != 1<<10 {
		t.Errorf("Len() = %d, want %d", b.Len(), 1<<10)
	}
	if !strings.HasSuffix(b.String(), truncationMarker) {
		t.Error("expected truncation marker after overflow")
	}
}
