package relay

import (
	"bytes"
	"testing"
)

func TestChunkBufferOrder(t *testing.T) {
	b := newChunkBuffer(8)
	for _, s := range []string{"a", "b", "c"} {
		if b.Push([]byte(s)) {
			t.Fatalf("unexpected drop pushing %q", s)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, ok := b.Pop()
		if !ok {
			t.Fatalf("Pop ran dry, want %q", want)
		}
		if !bytes.Equal(got, []byte(want)) {
			t.Fatalf("Pop = %q, want %q", got, want)
		}
	}
	if _, ok := b.Pop(); ok {
		t.Fatal("Pop on empty buffer returned a chunk")
	}
}

func TestChunkBufferDropsOldest(t *testing.T) {
	b := newChunkBuffer(2)
	b.Push([]byte("a"))
	b.Push([]byte("b"))
	if !b.Push([]byte("c")) {
		t.Fatal("overflow push did not report a drop")
	}
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
	got, _ := b.Pop()
	if !bytes.Equal(got, []byte("b")) {
		t.Fatalf("oldest surviving chunk = %q, want b", got)
	}
}
