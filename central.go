package rawzip

import (
	"context"
	"os"
	"time"
)

// Wayfinder is an opaque handle, produced by CentralDirectoryIterator, that
// is sufficient to locate and validate one entry's local file header and
// data without re-reading the central directory.
type Wayfinder struct {
	localHeaderOffset uint64
	compressedSize    uint64
	uncompressedSize  uint64
	crc32             uint32
	method            uint16
}

// DirectoryEntry is one parsed central directory header. Its byte-slice
// fields (NameBytes, Extra, Comment) are views into the buffer passed to
// CentralDirectoryIterator.Next and are only valid until the next call to
// Next - copy them out first if they need to outlive that call.
type DirectoryEntry struct {
	NameBytes     []byte
	IsUTF8        bool
	Flags         uint16
	Method        uint16
	ModDate       uint16
	ModTime       uint16
	CRC32         uint32
	CompressedSize   uint64
	UncompressedSize uint64
	LocalHeaderOffset uint64
	DiskNumber        uint16
	CreatorVersion    uint16
	ReaderVersion     uint16
	InternalAttrs     uint16
	ExternalAttrs     uint32
	Extra             []byte
	Comment           []byte

	Wayfinder Wayfinder
}

// Name decodes NameBytes as a string. No UTF-8 validation happens
// implicitly: if IsUTF8 is false the bytes may be CP-437 or an arbitrary
// local encoding and this simply wraps them as-is.
func (e *DirectoryEntry) Name() string { return string(e.NameBytes) }

// IsDir reports whether the entry's name ends in "/".
func (e *DirectoryEntry) IsDir() bool { return IsDir(e.Name()) }

// ModifiedTime returns the entry's modification time, preferring the
// Extended Timestamp extra (UTC, second precision) over the legacy DOS
// date/time fields (local-ish, 2 second precision) when both are present.
func (e *DirectoryEntry) ModifiedTime() time.Time {
	if data, ok := FindExtraField(e.Extra, extraIDExtTime); ok {
		if ts, ok := ParseExtendedTimestamp(data); ok && ts.HasModTime {
			return ts.ModTime
		}
	}
	return DOSTimeToTime(e.ModDate, e.ModTime, time.Local)
}

// Mode returns the permission/type bits for the entry, decoded according to
// the creator system recorded in CreatorVersion. ok is false when the
// creator system isn't one this package knows how to decode.
func (e *DirectoryEntry) Mode() (mode os.FileMode, ok bool) {
	return modeFromAttrs(e.CreatorVersion, e.ExternalAttrs)
}

// Extras returns an iterator over the entry's central-directory extra
// fields.
func (e *DirectoryEntry) Extras() ExtraFieldIterator {
	return NewExtraFieldIterator(e.Extra)
}

// Normalize validates and cleans the entry's name for safe use as a
// filesystem path component. It is never called implicitly by the
// iterator: Name/NameBytes always expose the archive's raw bytes, and
// callers opt into this check before extracting to disk.
func (e *DirectoryEntry) Normalize() (string, error) {
	return TryNormalize(e.Name())
}

// CentralDirectoryIterator streams central directory headers starting at
// cdOffset (absolute within the reader's coordinate space - i.e. already
// including any archive base offset) for cdSize bytes / totalEntries
// records. It is single-pass; re-open a new iterator (cheap) to restart.
type CentralDirectoryIterator struct {
	ctx           context.Context
	r             ReaderAt
	offset        uint64
	end           uint64
	remaining     uint64
	baseOffset    uint64
}

// NewCentralDirectoryIterator constructs an iterator. cdOffset/cdSize are
// the (already ZIP64-promoted, already base-offset-adjusted) values
// identifying where the central directory actually sits in r; baseOffset
// is separately added to every LocalHeaderOffset exposed on DirectoryEntry
// so wayfinders are directly usable against r regardless of any prelude.
func NewCentralDirectoryIterator(ctx context.Context, r ReaderAt, cdOffset, cdSize, totalEntries, baseOffset uint64) *CentralDirectoryIterator {
	if ctx == nil {
		ctx = context.Background()
	}
	return &CentralDirectoryIterator{
		ctx: ctx, r: r, offset: cdOffset, end: cdOffset + cdSize,
		remaining: totalEntries, baseOffset: baseOffset,
	}
}

// Next parses the next header into a DirectoryEntry backed by buf. It
// returns (nil, nil) once the declared entry count is reached. buf must be
// at least RECOMMENDED_BUFFER_SIZE bytes; entries whose name+extra+comment
// exceed buf's capacity fall back to a heap allocation sized for that one
// entry (the zero-copy path is a fast path, not a hard guarantee, since
// ZIP names/comments can be up to 64KiB each).
func (it *CentralDirectoryIterator) Next(buf []byte) (*DirectoryEntry, error) {
	if len(buf) < RECOMMENDED_BUFFER_SIZE {
		return nil, bufferTooSmall()
	}
	if it.remaining == 0 {
		return nil, nil
	}

	fixed := buf[:lenCentralDirectoryFile]
	if err := ReadExactAt(it.ctx, it.r, fixed, int64(it.offset)); err != nil {
		return nil, err
	}

	b := le(fixed)
	sig := b.uint32()
	if sig != sigCentralDirectoryFile {
		return nil, invalidSignature(int64(it.offset), sigCentralDirectoryFile, sig)
	}
	creatorVersion := b.uint16()
	readerVersion := b.uint16()
	flags := b.uint16()
	method := b.uint16()
	modTime := b.uint16()
	modDate := b.uint16()
	crc32 := b.uint32()
	compressedSize := b.uint32()
	uncompressedSize := b.uint32()
	nameLen := b.uint16()
	extraLen := b.uint16()
	commentLen := b.uint16()
	_ = b.uint16() // disk number start
	internalAttrs := b.uint16()
	externalAttrs := b.uint32()
	localHeaderOffset := b.uint32()

	varLen := int(nameLen) + int(extraLen) + int(commentLen)
	if it.offset+lenCentralDirectoryFile+uint64(varLen) > it.end {
		return nil, invalidInputf(int64(it.offset), "central directory entry extends past declared central directory size")
	}

	var varBuf []byte
	if varLen <= len(buf) {
		varBuf = buf[:varLen]
	} else {
		varBuf = make([]byte, varLen)
	}
	if varLen > 0 {
		if err := ReadExactAt(it.ctx, it.r, varBuf, int64(it.offset)+lenCentralDirectoryFile); err != nil {
			return nil, err
		}
	}

	name := varBuf[:nameLen]
	extra := varBuf[nameLen : nameLen+extraLen]
	comment := varBuf[nameLen+extraLen:]

	uncompressedSize64 := uint64(uncompressedSize)
	compressedSize64 := uint64(compressedSize)
	localHeaderOffset64 := uint64(localHeaderOffset)
	diskNumber := uint16(0)

	if uncompressedSize == sentinel32 || compressedSize == sentinel32 || localHeaderOffset == sentinel32 {
		if zip64, ok := FindExtraField(extra, extraIDZip64); ok {
			zb := le(zip64)
			if uncompressedSize == sentinel32 && len(zb) >= 8 {
				uncompressedSize64 = zb.uint64()
			}
			if compressedSize == sentinel32 && len(zb) >= 8 {
				compressedSize64 = zb.uint64()
			}
			if localHeaderOffset == sentinel32 && len(zb) >= 8 {
				localHeaderOffset64 = zb.uint64()
			}
			if len(zb) >= 4 {
				diskNumber = uint16(zb.uint32())
			}
		}
	}

	entry := &DirectoryEntry{
		NameBytes: name, IsUTF8: flags&flagUTF8 != 0,
		Flags: flags, Method: method, ModDate: modDate, ModTime: modTime,
		CRC32: crc32, CompressedSize: compressedSize64, UncompressedSize: uncompressedSize64,
		LocalHeaderOffset: it.baseOffset + localHeaderOffset64,
		DiskNumber:        diskNumber,
		CreatorVersion:    creatorVersion, ReaderVersion: readerVersion,
		InternalAttrs: internalAttrs, ExternalAttrs: externalAttrs,
		Extra: extra, Comment: comment,
		Wayfinder: Wayfinder{
			localHeaderOffset: it.baseOffset + localHeaderOffset64,
			compressedSize:    compressedSize64,
			uncompressedSize:  uncompressedSize64,
			crc32:             crc32,
			method:            method,
		},
	}

	it.offset += lenCentralDirectoryFile + uint64(varLen)
	it.remaining--
	return entry, nil
}
