package rawzip

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
)

func TestSliceReaderAtReadAt(t *testing.T) {
	s := SliceReaderAt([]byte("0123456789"))

	buf := make([]byte, 4)
	n, err := s.ReadAt(buf, 2)
	if err != nil || n != 4 || string(buf) != "2345" {
		t.Fatalf("ReadAt(4,2) = %d, %v, %q", n, err, buf)
	}

	// Short read at the tail, not an out-of-range offset: fewer bytes than
	// requested, terminated by io.EOF.
	n, err = s.ReadAt(buf, 8)
	if n != 2 || err != io.EOF {
		t.Fatalf("ReadAt(4,8) = %d, %v, want 2, io.EOF", n, err)
	}

	// An out-of-range offset returns 0 bytes and io.EOF, not a range error.
	n, err = s.ReadAt(buf, 100)
	if n != 0 || err != io.EOF {
		t.Fatalf("ReadAt(4,100) = %d, %v, want 0, io.EOF", n, err)
	}

	// A zero-length read at an out-of-range offset returns (0, nil).
	n, err = s.ReadAt(nil, 100)
	if n != 0 || err != nil {
		t.Fatalf("ReadAt(nil,100) = %d, %v, want 0, nil", n, err)
	}
}

func TestReadExactAt(t *testing.T) {
	s := SliceReaderAt([]byte("abcdefgh"))
	buf := make([]byte, 4)

	if err := ReadExactAt(context.Background(), s, buf, 0); err != nil {
		t.Fatalf("ReadExactAt: %v", err)
	}
	if string(buf) != "abcd" {
		t.Fatalf("got %q", buf)
	}

	err := ReadExactAt(context.Background(), s, buf, 6)
	var zerr *Error
	if !errors.As(err, &zerr) || zerr.Kind != KindEOF {
		t.Fatalf("ReadExactAt past end = %v, want KindEOF", err)
	}
}

func TestReadAtLeastBufferTooSmall(t *testing.T) {
	s := SliceReaderAt([]byte("abcdefgh"))
	buf := make([]byte, 2)

	_, err := readAtLeast(context.Background(), s, buf, 4, 0)
	var zerr *Error
	if !errors.As(err, &zerr) || zerr.Kind != KindBufferTooSmall {
		t.Fatalf("readAtLeast with short buf = %v, want KindBufferTooSmall", err)
	}
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("errors.Is(err, ErrBufferTooSmall) = false")
	}
}

func TestOwnedReaderAt(t *testing.T) {
	o := NewOwnedReaderAt([]byte("xyz123"))
	if o.Size() != 6 {
		t.Fatalf("Size() = %d, want 6", o.Size())
	}
	buf := make([]byte, 3)
	if _, err := o.ReadAt(buf, 3); err != nil || string(buf) != "123" {
		t.Fatalf("ReadAt = %q, %v", buf, err)
	}
}

func TestFileReaderAt(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "rawzip-*")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if _, err := f.Write([]byte("hello file world")); err != nil {
		t.Fatal(err)
	}

	ra := NewFileReaderAt(f)
	buf := make([]byte, 4)
	if err := ReadExactAt(context.Background(), ra, buf, 6); err != nil {
		t.Fatalf("ReadExactAt: %v", err)
	}
	if string(buf) != "file" {
		t.Fatalf("got %q, want %q", buf, "file")
	}
}

func TestSeekReaderAt(t *testing.T) {
	ra := NewSeekReaderAt(bytes.NewReader([]byte("hello seek world")))

	buf := make([]byte, 4)
	if err := ReadExactAt(context.Background(), ra, buf, 6); err != nil {
		t.Fatalf("ReadExactAt: %v", err)
	}
	if string(buf) != "seek" {
		t.Fatalf("got %q, want %q", buf, "seek")
	}

	// Concurrent callers over the same instance must not corrupt each
	// other's reads, even though access is serialized.
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			b := make([]byte, 5)
			e := ReadExactAt(context.Background(), ra, b, 0)
			if e == nil && string(b) != "hello" {
				e = errors.New("corrupted concurrent read: " + string(b))
			}
			errs <- e
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
}

func TestRangeReader(t *testing.T) {
	s := SliceReaderAt([]byte("0123456789"))
	rr := NewRangeReader(context.Background(), s, 2, 6)

	if got, want := rr.Size(), int64(4); got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}

	got, err := io.ReadAll(rr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "2345" {
		t.Fatalf("ReadAll = %q, want %q", got, "2345")
	}

	n, err := rr.Read(make([]byte, 1))
	if n != 0 || err != io.EOF {
		t.Fatalf("Read after exhaustion = %d, %v, want 0, io.EOF", n, err)
	}
}

func TestRangeReaderShortUnderlying(t *testing.T) {
	// The underlying reader has fewer bytes than the declared range: the
	// range reader must surface io.ErrUnexpectedEOF rather than silently
	// truncating.
	s := SliceReaderAt([]byte("01234"))
	rr := NewRangeReader(context.Background(), s, 0, 10)

	_, err := io.ReadAll(rr)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("ReadAll = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestAsReaderAtPassthrough(t *testing.T) {
	s := SliceReaderAt([]byte("abc"))
	if AsReaderAt(s) == nil {
		t.Fatal("AsReaderAt returned nil")
	}

	// Wrapping a plain io.ReaderAt (no ReadAtContext) must still satisfy
	// the ReaderAt interface via the contextless adapter.
	plain := bytes.NewReader([]byte("abc"))
	wrapped := AsReaderAt(plain)
	buf := make([]byte, 3)
	if _, err := wrapped.ReadAtContext(context.Background(), buf, 0); err != nil {
		t.Fatalf("ReadAtContext: %v", err)
	}
	if string(buf) != "abc" {
		t.Fatalf("got %q", buf)
	}
}
