package rawzip

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fileSpec struct {
	name     string
	data     []byte
	modified time.Time
	mode     os.FileMode
	hasMode  bool
}

// writeSimpleStoreArchive writes every fileSpec using compression method
// Store (the only method this package can exercise without an external
// codec) and returns the encoded archive bytes.
func writeSimpleStoreArchive(t *testing.T, specs []fileSpec) []byte {
	t.Helper()
	var buf bytes.Buffer
	aw := NewArchiveWriter(&buf)

	for _, s := range specs {
		b := aw.NewFile(s.name).SetMethod(Store)
		if !s.modified.IsZero() {
			b.SetModified(s.modified)
		}
		if s.hasMode {
			b.SetMode(s.mode)
		}
		ew, err := b.Create()
		require.NoError(t, err)

		dw := NewDataWriter(ew)
		if !IsDir(s.name) {
			_, err = dw.Write(s.data)
			require.NoError(t, err)
		}
		require.NoError(t, ew.Finish(dw.CRC32(), dw.Size()))
	}

	require.NoError(t, aw.Finish())
	return buf.Bytes()
}

// readAllEntries opens archiveBytes for reading and returns every entry's
// name and decoded (Store-only, so identical to raw) bytes, in on-disk
// order, cross-checking CRC-32 via VerifyingReader.
func readAllEntries(t *testing.T, archiveBytes []byte) []fileSpec {
	t.Helper()
	ctx := context.Background()
	r := SliceReaderAt(archiveBytes)

	reader, err := OpenReader(ctx, r, int64(len(archiveBytes)))
	require.NoError(t, err)

	var out []fileSpec
	buf := make([]byte, RECOMMENDED_BUFFER_SIZE)
	it := reader.Entries(ctx)
	for {
		entry, err := it.Next(buf)
		require.NoError(t, err)
		if entry == nil {
			break
		}

		resolved, err := reader.Resolve(ctx, entry, buf)
		require.NoError(t, err)

		var data []byte
		if !entry.IsDir() {
			raw := reader.OpenRaw(ctx, resolved)
			vr := NewVerifyingReader(raw, entry.CRC32, entry.UncompressedSize)
			data, err = io.ReadAll(vr)
			require.NoError(t, err)
		}

		mode, hasMode := entry.Mode()
		out = append(out, fileSpec{
			name: entry.Name(), data: data,
			modified: entry.ModifiedTime(), mode: mode, hasMode: hasMode,
		})
	}
	return out
}

// Spec §8 property 1 / scenario S1: writing (name, bytes, Store) tuples in
// order and reading back yields the same names/bytes in the same order,
// with CRC-32 matching.
func TestRoundTripIdentity(t *testing.T) {
	specs := []fileSpec{
		{name: "file.txt", data: []byte("Hello, world!")},
		{name: "dir/", data: nil},
		{name: "dir/nested.bin", data: []byte{0, 1, 2, 3, 4, 250, 251, 252}},
		{name: "empty.txt", data: []byte{}},
	}

	archive := writeSimpleStoreArchive(t, specs)
	got := readAllEntries(t, archive)

	require.Len(t, got, len(specs))
	for i, want := range specs {
		require.Equal(t, want.name, got[i].name, "entry %d name", i)
		if want.data == nil {
			require.Empty(t, got[i].data, "entry %d (dir) data", i)
		} else {
			require.Equal(t, want.data, got[i].data, "entry %d data", i)
		}
	}

	// file.txt's body is exactly the CRC-32 test vector for "Hello, world!".
	if got[0].name == "file.txt" {
		require.Equal(t, uint32(0xEBE6C6E6), CRC32(got[0].data))
	}
}

// Spec scenario S2: 1000 bytes of unrelated prelude, then a two-entry
// archive. The locator must still find it (via both a slice reader and a
// file reader), and the first entry's LocalHeaderOffset must be >= 1000.
func TestArchivePrelude(t *testing.T) {
	prelude := make([]byte, 1000)
	archive := writeSimpleStoreArchive(t, []fileSpec{
		{name: "a.txt", data: []byte("aaaa")},
		{name: "b.txt", data: []byte("bbbbbbbb")},
	})
	full := append(append([]byte{}, prelude...), archive...)

	ctx := context.Background()
	eocd, err := Locate(ctx, SliceReaderAt(full), int64(len(full)))
	require.NoError(t, err)

	buf := make([]byte, RECOMMENDED_BUFFER_SIZE)
	it := NewCentralDirectoryIterator(ctx, SliceReaderAt(full), eocd.CDOffset+uint64(eocd.BaseOffset), eocd.CDSize, eocd.TotalEntries, uint64(eocd.BaseOffset))

	first, err := it.Next(buf)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, "a.txt", first.Name())
	require.GreaterOrEqual(t, first.LocalHeaderOffset, uint64(1000))

	second, err := it.Next(buf)
	require.NoError(t, err)
	require.Equal(t, "b.txt", second.Name())

	third, err := it.Next(buf)
	require.NoError(t, err)
	require.Nil(t, third)

	// Same thing via a file-backed reader.
	f, err := os.CreateTemp(t.TempDir(), "rawzip-prelude-*")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(full)
	require.NoError(t, err)

	fr := NewFileReaderAt(f)
	eocd2, err := Locate(ctx, fr, int64(len(full)))
	require.NoError(t, err)
	require.Equal(t, eocd.CDOffset, eocd2.CDOffset)
	require.Equal(t, eocd.TotalEntries, eocd2.TotalEntries)
}

// Spec scenario S4: writing an entry with an explicit UTC modification time
// produces a 5-byte Extended Timestamp TLV in the central directory extras,
// and reading it back recovers the same instant in preference to the DOS
// fields.
func TestExtendedTimestampThroughWriter(t *testing.T) {
	want := time.Date(2023, time.June, 15, 14, 30, 45, 0, time.UTC)
	archive := writeSimpleStoreArchive(t, []fileSpec{
		{name: "stamped.txt", data: []byte("x"), modified: want},
	})

	got := readAllEntries(t, archive)
	require.Len(t, got, 1)
	require.True(t, got[0].modified.Equal(want), "got %v, want %v", got[0].modified, want)
}

// An entry with Unix permissions round-trips through the writer's external
// attributes into Mode().
func TestUnixModeThroughWriter(t *testing.T) {
	archive := writeSimpleStoreArchive(t, []fileSpec{
		{name: "bin/tool", data: []byte("#!/bin/sh\n"), hasMode: true, mode: 0755},
	})

	got := readAllEntries(t, archive)
	require.Len(t, got, 1)
	require.True(t, got[0].hasMode)
	require.Equal(t, os.FileMode(0755), got[0].mode)
}

// A directory entry (trailing slash) is forced to Store, carries no data
// descriptor, and reports IsDir() true on read-back.
func TestDirectoryEntry(t *testing.T) {
	var buf bytes.Buffer
	aw := NewArchiveWriter(&buf)

	ew, err := aw.NewFile("somedir/").Create()
	require.NoError(t, err)
	require.NoError(t, ew.Finish(0, 0))
	require.NoError(t, aw.Finish())

	got := readAllEntries(t, buf.Bytes())
	require.Len(t, got, 1)
	require.Equal(t, "somedir/", got[0].name)
}

// ArchiveWriter must refuse to start a second entry while one is still
// open.
func TestArchiveWriterStateMachine(t *testing.T) {
	var buf bytes.Buffer
	aw := NewArchiveWriter(&buf)

	_, err := aw.NewFile("first.txt").Create()
	require.NoError(t, err)

	_, err = aw.NewFile("second.txt").Create()
	require.Error(t, err)
}

func TestArchiveWriterWithOffset(t *testing.T) {
	var buf bytes.Buffer
	aw := NewArchiveWriter(&buf).WithOffset(500)

	ew, err := aw.NewFile("a.txt").Create()
	require.NoError(t, err)
	dw := NewDataWriter(ew)
	_, err = dw.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, ew.Finish(dw.CRC32(), dw.Size()))
	require.NoError(t, aw.Finish())

	full := make([]byte, 500+buf.Len())
	copy(full[500:], buf.Bytes())

	ctx := context.Background()
	eocd, err := Locate(ctx, SliceReaderAt(full), int64(len(full)))
	require.NoError(t, err)

	it := NewCentralDirectoryIterator(ctx, SliceReaderAt(full), eocd.CDOffset+uint64(eocd.BaseOffset), eocd.CDSize, eocd.TotalEntries, uint64(eocd.BaseOffset))
	entry, err := it.Next(make([]byte, RECOMMENDED_BUFFER_SIZE))
	require.NoError(t, err)
	require.Equal(t, uint64(500), entry.LocalHeaderOffset)
}
