package rawzip

import "context"

// Reader is the top-level read view over an existing archive: it locates
// the trailer once at construction and hands out a fresh
// CentralDirectoryIterator per call to Entries, so concurrent callers can
// walk the directory independently without sharing iterator state.
type Reader struct {
	r    ReaderAt
	eocd *EndOfCentralDirectory
}

// OpenReader locates the archive's end of central directory (reconciling
// ZIP64 if present) over r, whose total extent is size bytes.
func OpenReader(ctx context.Context, r ReaderAt, size int64) (*Reader, error) {
	eocd, err := Locate(ctx, r, size)
	if err != nil {
		return nil, err
	}
	return &Reader{r: r, eocd: eocd}, nil
}

// EndOfCentralDirectory returns the reconciled trailer this reader was
// opened with.
func (rd *Reader) EndOfCentralDirectory() *EndOfCentralDirectory { return rd.eocd }

// Entries returns a fresh iterator over the central directory, starting at
// its first record.
func (rd *Reader) Entries(ctx context.Context) *CentralDirectoryIterator {
	return NewCentralDirectoryIterator(ctx, rd.r, rd.eocd.CDOffset+uint64(rd.eocd.BaseOffset),
		rd.eocd.CDSize, rd.eocd.TotalEntries, uint64(rd.eocd.BaseOffset))
}

// Resolve reads and validates entry's local file header, returning a
// ResolvedEntry whose DataOffset can be fed to OpenRaw.
func (rd *Reader) Resolve(ctx context.Context, entry *DirectoryEntry, buf []byte) (*ResolvedEntry, error) {
	return Resolve(ctx, rd.r, entry, buf)
}

// OpenRaw returns a reader over the entry's compressed bytes, exactly as
// stored; this package never decompresses. Callers wrap this in their own
// decompressor and then in a VerifyingReader.
func (rd *Reader) OpenRaw(ctx context.Context, entry *ResolvedEntry) *RangeReader {
	start := entry.DataOffset
	end := start + int64(entry.CompressedSize)
	return NewRangeReader(ctx, rd.r, start, end)
}
