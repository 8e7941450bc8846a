package ringbuf

import (
	"bytes"
	"testing"
)

func TestBufferTailBasic(t *testing.T) {
	t.Parallel()
	b := New(16)
	b.Write([]byte("hello"))
	b.Write([]byte(" world"))

	got := b.Tail(11)
	if !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("Tail(11): got %q, want %q", got, "hello world")
	}
}

func TestBufferTailWraps(t *testing.T) {
	t.Parallel()
	b := New(8)
	b.Write([]byte("abcdefgh"))
	b.Write([]byte("ijkl"))

	got := b.Tail(8)
	if !bytes.Equal(got, []byte("efghijkl")) {
		t.Errorf("Tail(8): got %q, want %q", got, "efghijkl")
	}
}

func TestBufferTailMoreThanWritten(t *testing.T) {
	t.Parallel()
	b := New(1024)
	b.Write([]byte("abc"))

	got := b.Tail(4096)
	if !bytes.Equal(got, []byte("abc")) {
		t.Errorf("Tail(4096): got %q, want %q", got, "abc")
	}
}

func TestBufferTailZeroWhenEmpty(t *testing.T) {
	t.Parallel()
	b := New(16)
	if got := b.Tail(16); got != nil {
		t.Errorf("Tail on empty buffer: got %q, want nil", got)
	}
}
