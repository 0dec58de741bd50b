package rawzip

import (
	"bytes"
	"context"

	"github.com/valyala/bytebufferpool"
)

// EndOfCentralDirectory is the fully reconciled result of locating and (if
// present) ZIP64-correcting the archive trailer: the fixed EOCD fields with
// every sentinel replaced by its ZIP64 counterpart, plus the comment and the
// recovered base offset.
type EndOfCentralDirectory struct {
	DiskNumber      uint16
	CDDiskNumber    uint16
	EntriesOnDisk   uint64
	TotalEntries    uint64
	CDSize          uint64
	CDOffset        uint64
	Comment         []byte
	IsZip64         bool

	// BaseOffset is the distance between where the central directory
	// claims to start (CDOffset, relative to the start of the archive
	// proper) and where the EOCD record was actually found to precede -
	// i.e. how many prelude bytes (self-extractor stub, concatenated
	// outer archive, etc.) come before byte 0 of the ZIP data. Add this to
	// every offset taken from the central directory before using it
	// against the ReaderAt passed to the locator.
	BaseOffset int64

	// eocdOffset is the absolute offset of the (32-bit) EOCD record itself,
	// kept for diagnostics.
	eocdOffset int64
}

var eocdSigBytes = []byte{0x50, 0x4b, 0x05, 0x06}

// Locate scans backwards from the end of an archive of the given total size
// to find the End of Central Directory record, then - if the ZIP64 locator
// and end record are present immediately before it - reconciles every
// sentinel field against its ZIP64 counterpart.
//
// size must be the exact byte length of the full reader (including any
// prelude); callers typically obtain it via os.Stat, a SliceReaderAt's
// length, or a HEAD request.
func Locate(ctx context.Context, r ReaderAt, size int64) (*EndOfCentralDirectory, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if size < lenEndOfCentralDir {
		return nil, missingEOCD(0, false)
	}

	eocdOffset, fixed, comment, err := scanForEOCD(ctx, r, size)
	if err != nil {
		return nil, err
	}

	b := le(fixed[:])
	_ = b.uint32() // signature, already matched
	diskNumber := b.uint16()
	cdDiskNumber := b.uint16()
	entriesOnDisk := b.uint16()
	totalEntries := b.uint16()
	cdSize := b.uint32()
	cdOffset := b.uint32()

	result := &EndOfCentralDirectory{
		DiskNumber: diskNumber, CDDiskNumber: cdDiskNumber,
		EntriesOnDisk: uint64(entriesOnDisk), TotalEntries: uint64(totalEntries),
		CDSize: uint64(cdSize), CDOffset: uint64(cdOffset),
		Comment: comment, eocdOffset: eocdOffset,
	}

	needsZip64 := diskNumber == sentinel16 || cdDiskNumber == sentinel16 ||
		entriesOnDisk == sentinel16 || totalEntries == sentinel16 ||
		cdSize == sentinel32 || cdOffset == sentinel32

	// base_offset is recoverable even without ZIP64: eocdOffset is
	// base + cdOffset + cdSize (the EOCD immediately follows the central
	// directory), so subtracting cdSize and cdOffset back out recovers
	// base. This is meaningless when cdSize/cdOffset are ZIP64 sentinels
	// (needsZip64==true); the ZIP64 path below recomputes it from the
	// 64-bit anchors instead.
	nonZip64BaseOffset := eocdOffset - int64(cdSize) - int64(cdOffset)
	if !needsZip64 {
		result.BaseOffset = nonZip64BaseOffset
	}

	locOffset := eocdOffset - lenZip64EndOfCentralLoc
	if locOffset >= 0 {
		var locBuf [lenZip64EndOfCentralLoc]byte
		if err := ReadExactAt(ctx, r, locBuf[:], locOffset); err == nil {
			lb := le(locBuf[:])
			if lb.uint32() == sigZip64EndOfCentralLoc {
				_ = lb.uint32() // disk with the zip64 EOCD
				zip64EOCDOffset := int64(lb.uint64())

				if err := reconcileZip64(ctx, r, zip64EOCDOffset, locOffset-lenZip64EndOfCentralDir, result); err != nil {
					return nil, err
				}
				// When the plain EOCD fields weren't sentinels, both
				// heuristics are computable; refuse to guess rather than
				// silently pick one if they disagree.
				if !needsZip64 && result.BaseOffset != nonZip64BaseOffset {
					return nil, invalidEOCDf(
						"zip64 base offset %d disagrees with non-zip64 base offset %d",
						result.BaseOffset, nonZip64BaseOffset)
				}
				result.IsZip64 = true
				return result, nil
			}
		}
	}

	if needsZip64 {
		return nil, missingZip64EOCD()
	}
	return result, nil
}

// reconcileZip64 reads the ZIP64 EOCD record and overwrites every field in
// result with its full-width counterpart. The record is looked for first at
// observedOffset (immediately before the ZIP64 locator, where a record with
// no extensible data sector ends) and, if no record signature is there, at
// declaredOffset, the offset the locator itself records.
func reconcileZip64(ctx context.Context, r ReaderAt, declaredOffset, observedOffset int64, result *EndOfCentralDirectory) error {
	var fixed [lenZip64EndOfCentralDir]byte
	recordOffset := observedOffset
	if recordOffset < 0 || ReadExactAt(ctx, r, fixed[:], recordOffset) != nil || decodeUint32(fixed[:4]) != sigZip64EndOfCentralDir {
		recordOffset = declaredOffset
		if err := ReadExactAt(ctx, r, fixed[:], recordOffset); err != nil {
			return err
		}
	}
	b := le(fixed[:])
	sig := b.uint32()
	if sig != sigZip64EndOfCentralDir {
		return invalidSignature(recordOffset, sigZip64EndOfCentralDir, sig)
	}
	_ = b.uint64() // record size, extensible data sectors aren't parsed
	_ = b.uint16() // version made by
	_ = b.uint16() // version needed to extract
	diskNumber := b.uint32()
	cdDiskNumber := b.uint32()
	entriesOnDisk := b.uint64()
	totalEntries := b.uint64()
	cdSize := b.uint64()
	cdOffset := b.uint64()

	result.DiskNumber = uint16(diskNumber)
	result.CDDiskNumber = uint16(cdDiskNumber)
	result.EntriesOnDisk = entriesOnDisk
	result.TotalEntries = totalEntries
	result.CDSize = cdSize
	result.CDOffset = cdOffset

	// The base offset is recovered by comparing where the central
	// directory was declared to end against where the ZIP64 EOCD record was
	// actually found: the central directory immediately precedes the ZIP64
	// EOCD record, so any gap between cdOffset+cdSize and recordOffset is
	// prelude bytes.
	result.BaseOffset = recordOffset - int64(cdOffset) - int64(cdSize)
	return nil
}

// scanForEOCD performs the backwards sliding-window search for the EOCD
// signature, amortizing reads with a pooled buffer.
func scanForEOCD(ctx context.Context, r ReaderAt, size int64) (eocdOffset int64, fixed [lenEndOfCentralDir]byte, comment []byte, err error) {
	const windowSize = 32 * 1024

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	scanLimit := size
	if scanLimit > maxCommentScan {
		scanLimit = maxCommentScan
	}

	// bestCandidate tracks the first (i.e. largest-offset, closest to EOF)
	// signature match seen across the whole scan, valid or not, so a final
	// failure can still hand the caller an offset to resume the search
	// over [0, offset).
	haveCandidate := false
	var bestCandidate int64

	chunk := make([]byte, windowSize)
	end := size
	for end > 0 {
		select {
		case <-ctx.Done():
			return 0, fixed, nil, wrapIO(ctx.Err())
		default:
		}

		readLen := int64(windowSize)
		if readLen > end {
			readLen = end
		}
		start := end - readLen
		if size-start > scanLimit {
			// We've walked back further than any valid comment could
			// reach; stop.
			return 0, fixed, nil, missingEOCD(bestCandidate, haveCandidate)
		}

		n, rerr := readAtLeast(ctx, r, chunk[:readLen], int(readLen), start)
		if rerr != nil {
			return 0, fixed, nil, rerr
		}

		window := bb.B[:0]
		window = append(window, chunk[:n]...)
		bb.B = window

		if i := bytes.LastIndex(bb.B, eocdSigBytes); i != -1 {
			candidate := start + int64(i)
			if !haveCandidate {
				haveCandidate = true
				bestCandidate = candidate
			}
			if size-candidate < lenEndOfCentralDir {
				// Trailing bytes don't even cover the fixed record; a
				// coincidental signature match deeper in, try again
				// below this point.
				end = candidate
				continue
			}
			var f [lenEndOfCentralDir]byte
			if rerr := ReadExactAt(ctx, r, f[:], candidate); rerr != nil {
				return 0, fixed, nil, rerr
			}
			commentLen := decodeUint16(f[lenEndOfCentralDir-2:])
			if candidate+lenEndOfCentralDir+int64(commentLen) != size {
				// Declared comment length doesn't reach exactly to EOF:
				// this signature match is either a false positive inside
				// another field, or inside the comment of a later
				// (correct) EOCD. Keep scanning earlier in the buffer.
				end = candidate
				continue
			}
			var c []byte
			if commentLen > 0 {
				c = make([]byte, commentLen)
				if rerr := ReadExactAt(ctx, r, c, candidate+lenEndOfCentralDir); rerr != nil {
					return 0, fixed, nil, rerr
				}
			}
			return candidate, f, c, nil
		}

		if start == 0 {
			break
		}
		// Keep a 3-byte overlap so a signature split across the chunk
		// boundary isn't missed.
		end = start + 3
	}

	return 0, fixed, nil, missingEOCD(bestCandidate, haveCandidate)
}
