package rawzip

import (
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// ArchiveWriter emits a ZIP archive to a sequential io.Writer with no
// seek-back: local file headers are written with the data-descriptor flag
// and sentinel (zero) sizes, the real CRC/sizes follow the compressed
// payload as a data descriptor, and the central directory + EOCD (+ZIP64,
// if any size/offset/count threshold is crossed) are buffered in memory
// and flushed by Finish.
//
// States: Open -> Entry(open) -> Entry(data) -> Entry(closed) -> ... ->
// Finished. At most one entry may be open at a time; EntryBuilder.Create
// returns an error if a previous entry wasn't finished.
type ArchiveWriter struct {
	cw       *countWriter
	current  bool
	entries  []writtenEntry
	comment  string
	finished bool
}

// writtenEntry is everything Finish needs to encode one CDH, captured when
// the entry closes.
type writtenEntry struct {
	name              string
	method            uint16
	flags             uint16
	modDate, modTime  uint16
	crc32             uint32
	compressedSize    uint64
	uncompressedSize  uint64
	localHeaderOffset uint64
	externalAttrs     uint32
	creatorVersion    uint16
	extras            ExtraBuilder
}

// NewArchiveWriter returns a writer that appends the archive to w starting
// at the current write position.
func NewArchiveWriter(w io.Writer) *ArchiveWriter {
	return &ArchiveWriter{cw: &countWriter{w: w}}
}

// WithOffset tells the writer that w's current position is n bytes into
// some larger container (e.g. a self-extracting prefix already written by
// the caller), so all offsets recorded in the central directory and ZIP64
// records are correct for the container as a whole. It must be called
// before the first entry is created.
func (aw *ArchiveWriter) WithOffset(n uint64) *ArchiveWriter {
	aw.cw.count = int64(n)
	return aw
}

// SetComment sets the archive comment written into the EOCD record.
func (aw *ArchiveWriter) SetComment(comment string) error {
	if len(comment) > int(sentinel16) {
		return invalidInputf(-1, "archive comment too long: %d bytes", len(comment))
	}
	aw.comment = comment
	return nil
}

// EntryBuilder configures one entry before its local file header is
// written. Obtain one with ArchiveWriter.NewFile.
type EntryBuilder struct {
	aw       *ArchiveWriter
	name     string
	method   uint16
	modified time.Time
	hasMode  bool
	mode     os.FileMode
	nonUTF8  bool
	extras   ExtraBuilder
}

// NewFile begins a new entry named name. Names ending in "/" are treated as
// directories.
func (aw *ArchiveWriter) NewFile(name string) *EntryBuilder {
	return &EntryBuilder{aw: aw, name: name}
}

// SetMethod sets the compression method id recorded for this entry. It has
// no effect on what bytes flow through the returned EntryWriter - the
// caller is responsible for actually compressing with a codec matching
// this id.
func (b *EntryBuilder) SetMethod(method uint16) *EntryBuilder {
	b.method = method
	return b
}

// SetModified sets the entry's modification time. An Extended Timestamp
// extra (id 0x5455, modification-time-only) is always added to the central
// directory extras when this is called.
func (b *EntryBuilder) SetModified(t time.Time) *EntryBuilder {
	b.modified = t
	return b
}

// SetMode sets Unix permission/type bits, recorded in the external
// attributes (shifted left 16 bits) with creator system tagged Unix.
func (b *EntryBuilder) SetMode(mode os.FileMode) *EntryBuilder {
	b.hasMode = true
	b.mode = mode
	return b
}

// SetNonUTF8 forces flag bit 11 to stay clear even if Name is valid UTF-8
// requiring that bit.
func (b *EntryBuilder) SetNonUTF8(v bool) *EntryBuilder {
	b.nonUTF8 = v
	return b
}

// AddExtraField stages a TLV to be written into the location(s) given by
// location when the entry is created.
func (b *EntryBuilder) AddExtraField(id uint16, data []byte, location ExtraLocation) error {
	return b.extras.AddField(id, data, location)
}

// Create emits the local file header and returns the EntryWriter the
// caller streams compressed bytes through. For a directory name (trailing
// "/") the entry is finished immediately: the returned EntryWriter has
// nothing more to do and Finish is a no-op.
func (b *EntryBuilder) Create() (*EntryWriter, error) {
	aw := b.aw
	if aw.finished {
		return nil, invalidInputf(-1, "archive already finished")
	}
	if aw.current {
		return nil, invalidInputf(-1, "previous entry not finished")
	}
	if len(b.name) > int(sentinel16) {
		return nil, invalidInputf(-1, "name too long: %d bytes", len(b.name))
	}

	isDir := strings.HasSuffix(b.name, "/")

	flags := uint16(0)
	valid1, require1 := detectUTF8(b.name)
	if !b.nonUTF8 && require1 && valid1 {
		flags |= flagUTF8
	}

	var externalAttrs uint32
	creatorVersion := uint16(creatorFAT) << 8
	if b.hasMode {
		creatorVersion = creatorUnix << 8
		externalAttrs = fileModeToUnixMode(b.mode) << 16
		if b.mode&os.ModeDir != 0 {
			externalAttrs |= msdosDirAttr
		}
		if b.mode&0200 == 0 {
			externalAttrs |= msdosReadOnlyAttr
		}
	}

	modDate, modTime := timeToDOSTime(b.modified)
	if !b.modified.IsZero() {
		if err := b.extras.AddField(extraIDExtTime, encodeExtendedTimestampModOnly(b.modified), ExtraCentral); err != nil {
			return nil, err
		}
	}

	method := b.method
	if isDir {
		method = Store
	} else {
		flags |= flagDataDescriptor
	}

	localExtra := b.extras.Bytes(ExtraLocal)

	offset := uint64(aw.cw.count)
	lfh := encodeLocalFileHeader(localFileHeaderFields{
		readerVersion: versionNeeded20,
		flags:         flags,
		method:        method,
		modDate:       modDate,
		modTime:       modTime,
		crc32:         0,
		compressedSize:   0,
		uncompressedSize: 0,
		nameLen:  uint16(len(b.name)),
		extraLen: uint16(len(localExtra)),
	})
	if _, err := aw.cw.Write(lfh[:]); err != nil {
		return nil, wrapIO(err)
	}
	if _, err := io.WriteString(aw.cw, b.name); err != nil {
		return nil, wrapIO(err)
	}
	if _, err := aw.cw.Write(localExtra); err != nil {
		return nil, wrapIO(err)
	}

	ew := &EntryWriter{
		aw:   aw,
		name: b.name,
		entry: writtenEntry{
			name: b.name, method: method, flags: flags,
			modDate: modDate, modTime: modTime,
			localHeaderOffset: offset,
			externalAttrs:     externalAttrs,
			creatorVersion:    creatorVersion,
			extras:            b.extras,
		},
	}

	if isDir {
		aw.entries = append(aw.entries, ew.entry)
		ew.closed = true
		return ew, nil
	}

	aw.current = true
	return ew, nil
}

// EntryWriter is the Write sink for one entry's (already-)compressed
// bytes: it counts and forwards them verbatim, performing no compression
// of its own.
type EntryWriter struct {
	aw     *ArchiveWriter
	name   string
	entry  writtenEntry
	closed bool
}

func (ew *EntryWriter) Write(p []byte) (int, error) {
	if ew.closed {
		return 0, invalidInputf(-1, "entry %q already finished", ew.name)
	}
	n, err := ew.aw.cw.Write(p)
	ew.entry.compressedSize += uint64(n)
	if err != nil {
		return n, wrapIO(err)
	}
	return n, nil
}

// Finish writes the trailing data descriptor (crc32 + compressed size,
// already accumulated by Write, + uncompressedSize supplied by the
// caller's DataWriter) and records the entry for the central directory.
// It is a no-op for a directory entry.
func (ew *EntryWriter) Finish(crc32 uint32, uncompressedSize uint64) error {
	if ew.closed {
		return nil
	}
	ew.aw.current = false
	ew.closed = true

	ew.entry.crc32 = crc32
	ew.entry.uncompressedSize = uncompressedSize

	use64 := ew.entry.compressedSize >= uint64(sentinel32) || uncompressedSize >= uint64(sentinel32)
	dd := encodeDataDescriptor(crc32, ew.entry.compressedSize, uncompressedSize, use64)
	if _, err := ew.aw.cw.Write(dd); err != nil {
		return wrapIO(err)
	}

	ew.aw.entries = append(ew.aw.entries, ew.entry)
	return nil
}

// DataWriter wraps the uncompressed side of the pipe (the input fed to the
// caller's compressor), counting bytes and running CRC-32 so the result can
// be handed to EntryWriter.Finish once the compressor has flushed
// everything downstream.
type DataWriter struct {
	w    io.Writer
	crc  uint32
	size uint64
}

// NewDataWriter wraps w (typically a compressor writing into an
// EntryWriter).
func NewDataWriter(w io.Writer) *DataWriter {
	return &DataWriter{w: w}
}

func (dw *DataWriter) Write(p []byte) (int, error) {
	n, err := dw.w.Write(p)
	dw.crc = crc32Update(dw.crc, p[:n])
	dw.size += uint64(n)
	return n, err
}

// CRC32 returns the running CRC-32 of bytes written so far.
func (dw *DataWriter) CRC32() uint32 { return dw.crc }

// Size returns the number of bytes written so far.
func (dw *DataWriter) Size() uint64 { return dw.size }

// Finish flushes the central directory and EOCD (+ZIP64, if needed); Size
// reports the resulting byte count. No writer method may be called after
// Finish.
func (aw *ArchiveWriter) Finish() error {
	if aw.finished {
		return invalidInputf(-1, "archive already finished")
	}
	if aw.current {
		return invalidInputf(-1, "an entry is still open")
	}
	aw.finished = true

	cdStart := uint64(aw.cw.count)
	anyEntryZip64 := false

	for i := range aw.entries {
		e := &aw.entries[i]
		overflowUncompressed := e.uncompressedSize >= uint64(sentinel32)
		overflowCompressed := e.compressedSize >= uint64(sentinel32)
		overflowOffset := e.localHeaderOffset >= uint64(sentinel32)
		needsZip64 := overflowUncompressed || overflowCompressed || overflowOffset
		if needsZip64 {
			anyEntryZip64 = true
			zip64Extra := encodeZip64Extra(e.uncompressedSize, e.compressedSize, e.localHeaderOffset,
				overflowUncompressed, overflowCompressed, overflowOffset)
			// AddField writes its own id/length header, so only the
			// payload after encodeZip64Extra's 4-byte header is passed.
			if err := e.extras.AddField(extraIDZip64, zip64Extra[4:], ExtraCentral); err != nil {
				return err
			}
		}
		centralExtra := e.extras.Bytes(ExtraCentral)

		readerVersion := versionNeeded20
		if needsZip64 {
			readerVersion = versionNeeded45
		}

		compressedSize32 := uint32(e.compressedSize)
		uncompressedSize32 := uint32(e.uncompressedSize)
		if overflowCompressed {
			compressedSize32 = sentinel32
		}
		if overflowUncompressed {
			uncompressedSize32 = sentinel32
		}
		offset32 := uint32(e.localHeaderOffset)
		if overflowOffset {
			offset32 = sentinel32
		}

		cdh := encodeCentralDirectoryHeader(centralDirectoryHeaderFields{
			creatorVersion: e.creatorVersion | readerVersion, // low byte mirrors version needed
			readerVersion:  readerVersion,
			flags:          e.flags,
			method:         e.method,
			modDate:        e.modDate,
			modTime:        e.modTime,
			crc32:          e.crc32,
			compressedSize: compressedSize32,
			uncompressedSize: uncompressedSize32,
			nameLen:    uint16(len(e.name)),
			extraLen:   uint16(len(centralExtra)),
			commentLen: 0,
			externalAttrs: e.externalAttrs,
			localHeaderOffset: offset32,
		})
		if _, err := aw.cw.Write(cdh[:]); err != nil {
			return wrapIO(err)
		}
		if _, err := io.WriteString(aw.cw, e.name); err != nil {
			return wrapIO(err)
		}
		if _, err := aw.cw.Write(centralExtra); err != nil {
			return wrapIO(err)
		}
	}

	cdSize := uint64(aw.cw.count) - cdStart
	numEntries := uint64(len(aw.entries))

	needsZip64 := numEntries >= uint64(sentinel16) || cdStart >= uint64(sentinel32) || cdSize >= uint64(sentinel32) || anyEntryZip64

	entriesField := numEntries
	sizeField := cdSize
	offsetField := cdStart
	if needsZip64 {
		zip64EOCDOffset := uint64(aw.cw.count)
		zip64EOCD := encodeZip64EndOfCentralDir(numEntries, cdSize, cdStart)
		if _, err := aw.cw.Write(zip64EOCD[:]); err != nil {
			return wrapIO(err)
		}
		zip64Loc := encodeZip64EndOfCentralLoc(zip64EOCDOffset)
		if _, err := aw.cw.Write(zip64Loc[:]); err != nil {
			return wrapIO(err)
		}
		entriesField = uint64(sentinel16)
		sizeField = uint64(sentinel32)
		offsetField = uint64(sentinel32)
	}

	eocd := encodeEndOfCentralDir(uint16(entriesField), uint32(sizeField), uint32(offsetField), uint16(len(aw.comment)))
	if _, err := aw.cw.Write(eocd[:]); err != nil {
		return wrapIO(err)
	}
	if _, err := io.WriteString(aw.cw, aw.comment); err != nil {
		return wrapIO(err)
	}
	return nil
}

// Size returns the number of bytes written so far (including any
// WithOffset prelude value).
func (aw *ArchiveWriter) Size() int64 { return aw.cw.count }

// detectUTF8 reports whether s is valid UTF-8, and whether it must be
// considered UTF-8 (i.e. not compatible with CP-437/ASCII). ZIP officially
// uses CP-437 unless flag bit 11 is set, and many readers fall back to the
// system's local encoding, so the UTF-8 flag is only set when the name
// actually requires it.
func detectUTF8(s string) (valid, require bool) {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r < 0x20 || r > 0x7d || r == 0x5c {
			if !utf8.ValidRune(r) || (r == utf8.RuneError && size == 1) {
				return false, false
			}
			require = true
		}
	}
	return true, require
}
