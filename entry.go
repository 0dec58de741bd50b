package rawzip

import (
	"context"
)

// ResolvedEntry is a DirectoryEntry whose local file header has been read
// and cross-checked against the central directory's claims.
// DataOffset is where the (possibly compressed) payload begins; use
// NewRangeReader (or Reader.OpenRaw) over [DataOffset, DataOffset+
// CompressedSize) to read it, and NewVerifyingReader over the decompressed
// output to check it.
type ResolvedEntry struct {
	*DirectoryEntry

	DataOffset int64

	localNameBytes  []byte
	localExtraBytes []byte
}

// LocalExtras returns an iterator over the local file header's extra
// fields, which may carry access/create timestamps the central directory
// copy omits.
func (r *ResolvedEntry) LocalExtras() ExtraFieldIterator {
	return NewExtraFieldIterator(r.localExtraBytes)
}

// Resolve reads and validates the local file header for entry (as produced
// by CentralDirectoryIterator.Next), using entry.Wayfinder to avoid a
// second central-directory lookup. It cross-checks the LFH's name, method
// and (when the data-descriptor flag is absent) sizes/CRC-32 against the
// central directory's record: a name or method mismatch returns
// KindInvalidInput, a CRC-32 mismatch KindInvalidChecksum and a size
// mismatch KindInvalidSize.
//
// buf must be at least RECOMMENDED_BUFFER_SIZE bytes, matching
// CentralDirectoryIterator.Next.
func Resolve(ctx context.Context, r ReaderAt, entry *DirectoryEntry, buf []byte) (*ResolvedEntry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(buf) < RECOMMENDED_BUFFER_SIZE {
		return nil, bufferTooSmall()
	}

	// entry's name/extra/comment views may occupy the front of buf (where
	// Next places them), so the local header is read into space that does
	// not overlap them.
	used := len(entry.NameBytes) + len(entry.Extra) + len(entry.Comment)
	offset := int64(entry.Wayfinder.localHeaderOffset)
	var fixedArr [lenLocalFileHeader]byte
	fixed := fixedArr[:]
	if err := ReadExactAt(ctx, r, fixed, offset); err != nil {
		return nil, err
	}

	b := le(fixed)
	sig := b.uint32()
	if sig != sigLocalFileHeader {
		return nil, invalidSignature(offset, sigLocalFileHeader, sig)
	}
	_ = b.uint16() // version needed to extract
	flags := b.uint16()
	method := b.uint16()
	_ = b.uint16() // mod time
	_ = b.uint16() // mod date
	crc32 := b.uint32()
	compressedSize := b.uint32()
	uncompressedSize := b.uint32()
	nameLen := b.uint16()
	extraLen := b.uint16()

	if method != entry.Wayfinder.method {
		return nil, invalidInputf(offset, "local file header method %d does not match central directory method %d", method, entry.Wayfinder.method)
	}

	hasDataDescriptor := flags&flagDataDescriptor != 0
	if !hasDataDescriptor {
		if crc32 != entry.Wayfinder.crc32 {
			return nil, invalidChecksum(entry.Wayfinder.crc32, crc32)
		}
		// Sizes are compared only when the LFH field is not the ZIP64
		// sentinel; a sentinel LFH size is left unchecked, since its real
		// value lives in the local ZIP64 extra, which is not read here.
		if compressedSize != sentinel32 && uint64(compressedSize) != entry.Wayfinder.compressedSize {
			return nil, invalidSize(entry.Wayfinder.compressedSize, uint64(compressedSize))
		}
		if uncompressedSize != sentinel32 && uint64(uncompressedSize) != entry.Wayfinder.uncompressedSize {
			return nil, invalidSize(entry.Wayfinder.uncompressedSize, uint64(uncompressedSize))
		}
	}

	varLen := int(nameLen) + int(extraLen)
	var varBuf []byte
	if used+varLen <= len(buf) {
		varBuf = buf[used : used+varLen]
	} else {
		varBuf = make([]byte, varLen)
	}
	if varLen > 0 {
		if err := ReadExactAt(ctx, r, varBuf, offset+lenLocalFileHeader); err != nil {
			return nil, err
		}
	}
	name := varBuf[:nameLen]
	extra := varBuf[nameLen:]

	if string(name) != entry.Name() {
		return nil, invalidInputf(offset, "local file header name %q does not match central directory name %q", name, entry.Name())
	}

	dataOffset := offset + lenLocalFileHeader + int64(varLen)

	return &ResolvedEntry{
		DirectoryEntry:  entry,
		DataOffset:      dataOffset,
		localNameBytes:  name,
		localExtraBytes: extra,
	}, nil
}
