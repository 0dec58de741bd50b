package rawzip

import "io"

// ExtraLocation is a bitmask selecting which ZIP header(s) an extra field
// should be written into: the local file header, the central directory
// header, or both (the default).
type ExtraLocation uint8

const (
	// ExtraLocal places the field only in the local file header.
	ExtraLocal ExtraLocation = 1 << 0
	// ExtraCentral places the field only in the central directory header.
	ExtraCentral ExtraLocation = 1 << 1
	// ExtraDefault places the field in both headers.
	ExtraDefault = ExtraLocal | ExtraCentral
)

func (l ExtraLocation) includesLocal() bool   { return l&ExtraLocal != 0 }
func (l ExtraLocation) includesCentral() bool { return l&ExtraCentral != 0 }

// Intersects reports whether l and other share any location bit.
func (l ExtraLocation) Intersects(other ExtraLocation) bool { return l&other != 0 }

// ExtraFieldIterator walks the TLV sequence of an extra-field byte region
// (as found after the name in an LFH or CDH). It never allocates: each
// yielded field's Data is a sub-slice of the original buffer.
type ExtraFieldIterator struct {
	buf le
}

// NewExtraFieldIterator returns an iterator over buf.
func NewExtraFieldIterator(buf []byte) ExtraFieldIterator {
	return ExtraFieldIterator{buf: le(buf)}
}

// ExtraField is one TLV entry: {id, data}.
type ExtraField struct {
	ID   uint16
	Data []byte
}

// Next returns the next field, or ok=false once the buffer is exhausted. A
// malformed trailing fragment (fewer than 4 bytes remaining, or a declared
// length exceeding what remains) yields a KindInvalidInput error rather
// than panicking; many real-world archives have best-effort/garbage extra
// data, so callers that only care about specific IDs should keep iterating
// past a non-nil error only if they understand the implications.
func (it *ExtraFieldIterator) Next() (ExtraField, bool, error) {
	if len(it.buf) == 0 {
		return ExtraField{}, false, nil
	}
	if len(it.buf) < 4 {
		return ExtraField{}, false, invalidInput(-1, "truncated extra field header")
	}
	id := it.buf.uint16()
	size := int(it.buf.uint16())
	if size > len(it.buf) {
		return ExtraField{}, false, invalidInput(-1, "extra field length exceeds remaining buffer")
	}
	return ExtraField{ID: id, Data: it.buf.bytes(size)}, true, nil
}

// FindExtraField returns the first field with the given id in buf.
func FindExtraField(buf []byte, id uint16) ([]byte, bool) {
	it := NewExtraFieldIterator(buf)
	for {
		f, ok, err := it.Next()
		if err != nil || !ok {
			return nil, false
		}
		if f.ID == id {
			return f.Data, true
		}
	}
}

// Extras container (writer side).
//
// extraInlineBytes bytes of field payloads are stored inline in the
// ExtraBuilder itself; once that budget is exhausted, subsequent field data
// is copied into individually heap-allocated slices. Most entries carry
// zero or one extra field of a handful of bytes (e.g. the 5-byte Extended
// Timestamp this package emits for entries with a modification time), so
// the common case allocates
// nothing beyond the ExtraBuilder value itself.
const extraInlineBytes = 32

type extraEntry struct {
	id       uint16
	location ExtraLocation
	data     []byte
}

// ExtraBuilder accumulates TLV extra fields for one entry, tagged with
// where each should be written. Adding the same id twice yields two
// independent TLVs in declaration order - there is no deduplication.
type ExtraBuilder struct {
	inline    [extraInlineBytes]byte
	inlineLen int

	entries []extraEntry

	localSize   int
	centralSize int
}

// AddField appends a TLV. It fails with KindInvalidInput if doing so would
// push either location's running total extra-field length past 65535
// bytes, the maximum the 16-bit length fields in the LFH/CDH can record.
func (b *ExtraBuilder) AddField(id uint16, data []byte, location ExtraLocation) error {
	const tlvOverhead = 4
	if location.includesLocal() {
		if b.localSize+tlvOverhead+len(data) > 65535 {
			return invalidInput(-1, "local extra fields would exceed 65535 bytes")
		}
	}
	if location.includesCentral() {
		if b.centralSize+tlvOverhead+len(data) > 65535 {
			return invalidInput(-1, "central extra fields would exceed 65535 bytes")
		}
	}

	stored := b.store(data)
	b.entries = append(b.entries, extraEntry{id: id, location: location, data: stored})

	if location.includesLocal() {
		b.localSize += tlvOverhead + len(data)
	}
	if location.includesCentral() {
		b.centralSize += tlvOverhead + len(data)
	}
	return nil
}

// store copies data into the inline backing array if there's room, else
// onto the heap, and returns the stored slice.
func (b *ExtraBuilder) store(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	if b.inlineLen+len(data) <= len(b.inline) {
		start := b.inlineLen
		copy(b.inline[start:], data)
		b.inlineLen += len(data)
		return b.inline[start:b.inlineLen:b.inlineLen]
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp
}

// LocalSize and CentralSize return the encoded byte length (including TLV
// headers) that Write(ExtraLocal, ...) / Write(ExtraCentral, ...) will
// produce.
func (b *ExtraBuilder) LocalSize() int   { return b.localSize }
func (b *ExtraBuilder) CentralSize() int { return b.centralSize }

// Write emits every stored field whose location intersects filter, as a
// flat TLV sequence, in insertion order.
//
// Fields are always written one at a time (a header write, then a data
// write); there is no single contiguous write of all fields, even when
// every stored field matches filter.
func (b *ExtraBuilder) Write(filter ExtraLocation, sink io.Writer) error {
	var hdr [4]byte
	for _, e := range b.entries {
		if !e.location.Intersects(filter) {
			continue
		}
		wb := writeBuf(hdr[:])
		wb.uint16(e.id)
		wb.uint16(uint16(len(e.data)))
		if _, err := sink.Write(hdr[:]); err != nil {
			return err
		}
		if len(e.data) > 0 {
			if _, err := sink.Write(e.data); err != nil {
				return err
			}
		}
	}
	return nil
}

// Bytes returns the encoded form for filter as a standalone slice, for
// callers (like the CDH/LFH record writers) that need the final length
// before they can emit the fixed-width header that precedes it.
func (b *ExtraBuilder) Bytes(filter ExtraLocation) []byte {
	size := 0
	if filter == ExtraLocal {
		size = b.localSize
	} else if filter == ExtraCentral {
		size = b.centralSize
	} else {
		for _, e := range b.entries {
			if e.location.Intersects(filter) {
				size += 4 + len(e.data)
			}
		}
	}
	out := make([]byte, 0, size)
	buf := &byteSliceWriter{buf: out}
	_ = b.Write(filter, buf)
	return buf.buf
}

type byteSliceWriter struct{ buf []byte }

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}
