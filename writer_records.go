package rawzip

import (
	"encoding/binary"
	"io"
)

// writeBuf is a little-endian cursor used to fill fixed-width records
// before they go to the wire (the read side equivalent is `le` in
// primitives.go).
type writeBuf []byte

func (b *writeBuf) uint8(v uint8) {
	(*b)[0] = v
	*b = (*b)[1:]
}

func (b *writeBuf) uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

func (b *writeBuf) uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}

func (b *writeBuf) uint64(v uint64) {
	binary.LittleEndian.PutUint64(*b, v)
	*b = (*b)[8:]
}

// countWriter wraps an io.Writer and counts bytes that pass through.
type countWriter struct {
	w     io.Writer
	count int64
}

func (w *countWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.count += int64(n)
	return n, err
}

// localFileHeaderFields holds everything needed to encode a 30-byte LFH
// fixed record (name and extra follow separately, since their lengths only
// are embedded here).
type localFileHeaderFields struct {
	readerVersion   uint16
	flags           uint16
	method          uint16
	modDate, modTime uint16
	crc32           uint32
	compressedSize  uint32 // 0 when the data descriptor carries the real value
	uncompressedSize uint32
	nameLen         uint16
	extraLen        uint16
}

func encodeLocalFileHeader(f localFileHeaderFields) [lenLocalFileHeader]byte {
	var buf [lenLocalFileHeader]byte
	b := writeBuf(buf[:])
	b.uint32(sigLocalFileHeader)
	b.uint16(f.readerVersion)
	b.uint16(f.flags)
	b.uint16(f.method)
	b.uint16(f.modTime)
	b.uint16(f.modDate)
	b.uint32(f.crc32)
	b.uint32(f.compressedSize)
	b.uint32(f.uncompressedSize)
	b.uint16(f.nameLen)
	b.uint16(f.extraLen)
	return buf
}

// centralDirectoryHeaderFields holds the fixed 46-byte CDH fields.
type centralDirectoryHeaderFields struct {
	creatorVersion, readerVersion uint16
	flags, method                uint16
	modDate, modTime              uint16
	crc32                         uint32
	compressedSize, uncompressedSize uint32 // sentinel32 if overflowed
	nameLen, extraLen, commentLen uint16
	internalAttrs                 uint16
	externalAttrs                 uint32
	localHeaderOffset             uint32 // sentinel32 if overflowed
}

func encodeCentralDirectoryHeader(f centralDirectoryHeaderFields) [lenCentralDirectoryFile]byte {
	var buf [lenCentralDirectoryFile]byte
	b := writeBuf(buf[:])
	b.uint32(sigCentralDirectoryFile)
	b.uint16(f.creatorVersion)
	b.uint16(f.readerVersion)
	b.uint16(f.flags)
	b.uint16(f.method)
	b.uint16(f.modTime)
	b.uint16(f.modDate)
	b.uint32(f.crc32)
	b.uint32(f.compressedSize)
	b.uint32(f.uncompressedSize)
	b.uint16(f.nameLen)
	b.uint16(f.extraLen)
	b.uint16(f.commentLen)
	b.uint16(0) // disk number start: multi-disk archives are a Non-goal
	b.uint16(f.internalAttrs)
	b.uint32(f.externalAttrs)
	b.uint32(f.localHeaderOffset)
	return buf
}

// encodeZip64Extra builds the complete id-0x0001 extra field: the 4-byte
// id/length header followed by exactly the overflowed fields, in the fixed
// order the format requires: uncompressed size, compressed size, local
// header offset, disk start. Each is included only if its CDH counterpart
// carries the sentinel.
func encodeZip64Extra(uncompressedSize, compressedSize, localHeaderOffset uint64, includeUncompressed, includeCompressed, includeOffset bool) []byte {
	size := 0
	if includeUncompressed {
		size += 8
	}
	if includeCompressed {
		size += 8
	}
	if includeOffset {
		size += 8
	}
	out := make([]byte, 4+size)
	b := writeBuf(out)
	b.uint16(extraIDZip64)
	b.uint16(uint16(size))
	if includeUncompressed {
		b.uint64(uncompressedSize)
	}
	if includeCompressed {
		b.uint64(compressedSize)
	}
	if includeOffset {
		b.uint64(localHeaderOffset)
	}
	return out
}

// encodeDataDescriptor builds the (always signature-prefixed) trailer
// written after compressed data when the data-descriptor flag is set. 8
// byte sizes are used when use64 is true.
func encodeDataDescriptor(crc32 uint32, compressedSize, uncompressedSize uint64, use64 bool) []byte {
	if use64 {
		buf := make([]byte, lenDataDescriptor64)
		b := writeBuf(buf)
		b.uint32(sigDataDescriptor)
		b.uint32(crc32)
		b.uint64(compressedSize)
		b.uint64(uncompressedSize)
		return buf
	}
	buf := make([]byte, lenDataDescriptor32)
	b := writeBuf(buf)
	b.uint32(sigDataDescriptor)
	b.uint32(crc32)
	b.uint32(uint32(compressedSize))
	b.uint32(uint32(uncompressedSize))
	return buf
}

// encodeEndOfCentralDir builds the fixed 22-byte EOCD record.
func encodeEndOfCentralDir(entries uint16, size, offset uint32, commentLen uint16) [lenEndOfCentralDir]byte {
	var buf [lenEndOfCentralDir]byte
	b := writeBuf(buf[:])
	b.uint32(sigEndOfCentralDir)
	b.uint16(0) // disk number
	b.uint16(0) // disk with start of CD
	b.uint16(entries)
	b.uint16(entries)
	b.uint32(size)
	b.uint32(offset)
	b.uint16(commentLen)
	return buf
}

// encodeZip64EndOfCentralDir builds the 56-byte ZIP64 EOCD record (no
// trailing extensible-data sector - this package never emits one).
func encodeZip64EndOfCentralDir(entries, size, offset uint64) [lenZip64EndOfCentralDir]byte {
	var buf [lenZip64EndOfCentralDir]byte
	b := writeBuf(buf[:])
	b.uint32(sigZip64EndOfCentralDir)
	b.uint64(lenZip64EndOfCentralDir - 12) // record size, excluding signature + this field
	b.uint16(versionNeeded45)              // version made by
	b.uint16(versionNeeded45)              // version needed to extract
	b.uint32(0)                            // number of this disk
	b.uint32(0)                            // disk with start of CD
	b.uint64(entries)                      // entries on this disk
	b.uint64(entries)                      // entries total
	b.uint64(size)
	b.uint64(offset)
	return buf
}

// encodeZip64EndOfCentralLoc builds the 20-byte ZIP64 EOCD locator.
func encodeZip64EndOfCentralLoc(zip64EOCDOffset uint64) [lenZip64EndOfCentralLoc]byte {
	var buf [lenZip64EndOfCentralLoc]byte
	b := writeBuf(buf[:])
	b.uint32(sigZip64EndOfCentralLoc)
	b.uint32(0) // disk with the zip64 EOCD
	b.uint64(zip64EOCDOffset)
	b.uint32(1) // total number of disks
	return buf
}
