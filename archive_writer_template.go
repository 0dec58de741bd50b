// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rawzip

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"go4.org/readerutil"
)

// TemplateEntry describes one file of a TemplateArchive. Unlike
// EntryBuilder, every size and checksum must be known up front:
// TemplateEntry exists for archives assembled from already-hashed content
// (object storage blobs, pre-computed build artifacts) that should be
// served without buffering the whole archive in memory.
type TemplateEntry struct {
	Name     string
	Comment  string
	NonUTF8  bool
	Method   uint16
	Modified time.Time
	Mode     os.FileMode

	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64

	// Content supplies the entry's (already compressed, if Method != Store)
	// bytes. nil for directories.
	Content ReaderAt

	flags          uint16
	creatorVersion uint16
	extra          ExtraBuilder
}

// Template collects the entries and framing options for a pre-sized
// archive assembled up front rather than streamed.
type Template struct {
	// Prefix is arbitrary content placed before the ZIP data proper (e.g.
	// a self-extractor stub). Entry offsets in the central directory are
	// relative to the start of Prefix, matching the base-offset recovery
	// Locate performs on read.
	Prefix     ReaderAt
	PrefixSize int64

	Entries []*TemplateEntry
	Comment string

	// CreateTime seeds the Last-Modified header TemplateArchive.ServeHTTP
	// sends; it defaults to the latest Entries[*].Modified.
	CreateTime time.Time
}

// templatePlacement pairs an entry with the byte offset its local file
// header ends up at, once every preceding region's size is known.
type templatePlacement struct {
	*TemplateEntry
	offset uint64
}

// TemplateArchive is a fully laid-out ZIP archive backed by its entries'
// Content readers: the central directory, local headers and data
// descriptors are precomputed once at BuildTemplateArchive time and held in
// memory, while file content is fetched on demand through ReadAtContext, so
// serving a multi-gigabyte archive doesn't require buffering it.
type TemplateArchive struct {
	parts      multiReaderAt
	size       int64
	createTime time.Time
	etag       string
}

// BuildTemplateArchive lays out t into a servable archive. Every entry's
// CRC32/CompressedSize/UncompressedSize must already be populated: this
// function does not read Content to compute them.
func BuildTemplateArchive(t *Template) (*TemplateArchive, error) {
	if len(t.Comment) > int(sentinel16) {
		return nil, invalidInput(-1, "archive comment too long")
	}

	ar := &TemplateArchive{}
	etagHash := md5.New()

	if t.Prefix != nil {
		ar.parts.add(t.Prefix, t.PrefixSize)
		var buf [8]byte
		wb := writeBuf(buf[:])
		wb.uint64(uint64(t.PrefixSize))
		etagHash.Write(buf[:])
	}

	dir := make([]templatePlacement, 0, len(t.Entries))
	var maxTime time.Time

	for _, e := range t.Entries {
		if err := prepareTemplateEntry(e); err != nil {
			return nil, err
		}
		offset := uint64(ar.parts.size)
		dir = append(dir, templatePlacement{TemplateEntry: e, offset: offset})

		regionBytes, err := buildLocalRegion(e)
		if err != nil {
			return nil, err
		}
		ar.parts.addSized(readerutil.NewMultiReaderAt(bytes.NewReader(regionBytes)))
		etagHash.Write(regionBytes)

		isDir := IsDir(e.Name)
		if isDir {
			if e.Content != nil {
				return nil, invalidInput(-1, "directory entry has non-nil content: "+e.Name)
			}
		} else {
			if e.Content != nil {
				ar.parts.add(e.Content, int64(e.CompressedSize))
			} else if e.CompressedSize != 0 {
				return nil, invalidInput(-1, "empty entry with nonzero declared length: "+e.Name)
			}
			overflow := e.CompressedSize > uint64(sentinel32) || e.UncompressedSize > uint64(sentinel32)
			dd := encodeDataDescriptor(e.CRC32, e.CompressedSize, e.UncompressedSize, overflow)
			ar.parts.addSized(bytes.NewReader(dd))
			etagHash.Write(dd)
		}

		if e.Modified.After(maxTime) {
			maxTime = e.Modified
		}
	}

	cdOffset := uint64(ar.parts.size)
	cdBytes, err := buildCentralDirectory(cdOffset, dir, t.Comment)
	if err != nil {
		return nil, err
	}
	ar.parts.addSized(bytes.NewReader(cdBytes))
	etagHash.Write(cdBytes)

	ar.size = ar.parts.size
	ar.createTime = t.CreateTime
	if ar.createTime.IsZero() {
		ar.createTime = maxTime
	}
	ar.etag = fmt.Sprintf("%q", hex.EncodeToString(etagHash.Sum(nil)))

	return ar, nil
}

// prepareTemplateEntry fills in the derived fields (UTF-8 flag, creator
// version, extended timestamp extra) much as EntryBuilder.Create does for
// the streaming writer. Unlike Create, the creator system is always Unix,
// and the Extended Timestamp (added only when Modified is set) goes into
// both the local and the central directory headers.
func prepareTemplateEntry(e *TemplateEntry) error {
	if len(e.Name) > int(sentinel16) {
		return invalidInput(-1, "entry name too long: "+e.Name)
	}
	if len(e.Comment) > int(sentinel16) {
		return invalidInput(-1, "entry comment too long: "+e.Name)
	}

	nameValid, nameRequire := detectUTF8(e.Name)
	commentValid, commentRequire := detectUTF8(e.Comment)
	switch {
	case e.NonUTF8:
	case (nameRequire || commentRequire) && nameValid && commentValid:
		e.flags |= flagUTF8
	}

	e.creatorVersion = creatorUnix << 8

	if !e.Modified.IsZero() {
		if err := e.extra.AddField(extraIDExtTime, encodeExtendedTimestampModOnly(e.Modified), ExtraDefault); err != nil {
			return err
		}
	}

	if IsDir(e.Name) {
		e.Method = Store
	} else {
		e.flags |= flagDataDescriptor
	}
	return nil
}

// buildLocalRegion encodes one entry's local file header, name and local
// extra fields into a single byte slice. The LFH written here always
// carries zeroed crc32/sizes since the data descriptor that follows the
// content is authoritative.
func buildLocalRegion(e *TemplateEntry) ([]byte, error) {
	modDate, modTime := timeToDOSTime(e.Modified)
	lfh := encodeLocalFileHeader(localFileHeaderFields{
		readerVersion: versionNeeded20,
		flags:         e.flags,
		method:        e.Method,
		modDate:       modDate,
		modTime:       modTime,
		nameLen:       uint16(len(e.Name)),
		extraLen:      uint16(e.extra.LocalSize()),
	})

	var out bytes.Buffer
	out.Write(lfh[:])
	out.WriteString(e.Name)
	if err := e.extra.Write(ExtraLocal, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// buildCentralDirectory encodes the full central directory plus the
// trailing EOCD (and, when required, the ZIP64 EOCD record and locator).
func buildCentralDirectory(start uint64, dir []templatePlacement, comment string) ([]byte, error) {
	var out bytes.Buffer
	for _, d := range dir {
		modDate, modTime := timeToDOSTime(d.Modified)
		compressedSize := uint32(d.CompressedSize)
		uncompressedSize := uint32(d.UncompressedSize)
		localOffset := uint32(d.offset)
		extra := d.extra.Bytes(ExtraCentral)

		overflow := d.CompressedSize > uint64(sentinel32) || d.UncompressedSize > uint64(sentinel32) || d.offset > uint64(sentinel32)
		readerVersion := versionNeeded20
		if overflow {
			readerVersion = versionNeeded45
			compressedSize, uncompressedSize, localOffset = sentinel32, sentinel32, sentinel32
			extra = append(extra, encodeZip64Extra(d.UncompressedSize, d.CompressedSize, d.offset, true, true, true)...)
		}

		cdh := encodeCentralDirectoryHeader(centralDirectoryHeaderFields{
			creatorVersion: d.creatorVersion | readerVersion, readerVersion: readerVersion,
			flags: d.flags, method: d.Method, modDate: modDate, modTime: modTime,
			crc32: d.CRC32, compressedSize: compressedSize, uncompressedSize: uncompressedSize,
			nameLen: uint16(len(d.Name)), extraLen: uint16(len(extra)), commentLen: uint16(len(d.Comment)),
			externalAttrs: fileModeToUnixMode(d.Mode) << 16, localHeaderOffset: localOffset,
		})
		out.Write(cdh[:])
		out.WriteString(d.Name)
		out.Write(extra)
		out.WriteString(d.Comment)
	}

	size := uint64(out.Len())
	end := start + size
	entries := uint64(len(dir))

	if entries >= uint64(sentinel16) || size >= uint64(sentinel32) || start >= uint64(sentinel32) {
		zip64EOCD := encodeZip64EndOfCentralDir(entries, size, start)
		out.Write(zip64EOCD[:])
		zip64Loc := encodeZip64EndOfCentralLoc(end)
		out.Write(zip64Loc[:])
		entries, size, start = uint64(sentinel16), uint64(sentinel32), uint64(sentinel32)
	}

	eocd := encodeEndOfCentralDir(uint16(entries), uint32(size), uint32(start), uint16(len(comment)))
	out.Write(eocd[:])
	out.WriteString(comment)

	return out.Bytes(), nil
}

// Size returns the total archive size in bytes.
func (ar *TemplateArchive) Size() int64 { return ar.size }

func (ar *TemplateArchive) ReadAt(p []byte, off int64) (int, error) {
	return ar.parts.ReadAtContext(context.Background(), p, off)
}

func (ar *TemplateArchive) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	return ar.parts.ReadAtContext(ctx, p, off)
}

// ServeHTTP serves the archive with range-request support, mirroring
// net/http.ServeContent's semantics.
func (ar *TemplateArchive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.Header()["Content-Type"]; !ok {
		w.Header().Set("Content-Type", "application/zip")
	}
	if _, ok := w.Header()["Etag"]; !ok {
		w.Header().Set("Etag", ar.etag)
	}
	sr := io.NewSectionReader(contextBoundReaderAt{ctx: r.Context(), r: ar}, 0, ar.size)
	http.ServeContent(w, r, "", ar.createTime, sr)
}

// contextBoundReaderAt adapts a ReaderAt plus a fixed context to a plain
// io.ReaderAt, for the single lifetime of one HTTP request - deliberately
// not stored anywhere longer-lived than that request.
type contextBoundReaderAt struct {
	ctx context.Context
	r   ReaderAt
}

func (c contextBoundReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return c.r.ReadAtContext(c.ctx, p, off)
}

// multiReaderAt joins multiple ReaderAt regions sequentially, dispatching
// each read to whichever region(s) it overlaps. The static (in-memory)
// regions this package builds are added through addSized as
// readerutil.SizeReaderAt values (a bytes.Reader, or for local headers a
// go4.org/readerutil.NewMultiReaderAt over one), each as a single region.
type multiReaderAt struct {
	parts []offsetAndData
	size  int64
}

type offsetAndData struct {
	offset int64
	data   ReaderAt
}

func (m *multiReaderAt) add(data ReaderAt, size int64) {
	if size < 0 {
		panic(fmt.Sprintf("rawzip: region size cannot be negative: %d", size))
	}
	if size == 0 {
		return
	}
	m.parts = append(m.parts, offsetAndData{offset: m.size, data: data})
	m.size += size
}

// addSized adds a region known only as a readerutil.SizeReaderAt (plain
// io.ReaderAt, no context) by wrapping it with AsReaderAt.
func (m *multiReaderAt) addSized(r readerutil.SizeReaderAt) {
	m.add(AsReaderAt(r), r.Size())
}

func (m *multiReaderAt) endOffset(i int) int64 {
	if i == len(m.parts)-1 {
		return m.size
	}
	return m.parts[i+1].offset
}

func (m *multiReaderAt) ReadAtContext(ctx context.Context, p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off >= m.size {
		return 0, io.EOF
	}
	first := sort.Search(len(m.parts), func(i int) bool { return m.endOffset(i) > off })
	for i := first; i < len(m.parts) && len(p) > 0; i++ {
		partOff := off
		if i > first {
			partOff = m.parts[i].offset
		}
		remaining := m.endOffset(i) - partOff
		want := int64(len(p))
		if want > remaining {
			want = remaining
		}
		nn, rerr := m.parts[i].data.ReadAtContext(ctx, p[:want], partOff-m.parts[i].offset)
		n += nn
		if rerr != nil {
			return n, rerr
		}
		p = p[nn:]
	}
	if len(p) > 0 {
		return n, io.EOF
	}
	return n, nil
}
