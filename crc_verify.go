package rawzip

import "io"

// VerifyingReader wraps the raw (decompressed) bytes of an entry, running
// them through CRC-32 and a byte counter, and fails the final Read once EOF
// is reached if either doesn't match the central directory's declared
// values. Decompression itself is out of scope for this package; wrap a
// decompressor's output in a VerifyingReader to check its results.
type VerifyingReader struct {
	r         io.Reader
	wantCRC32 uint32
	wantSize  uint64
	size      uint64
	crc       uint32
	done      bool
}

// NewVerifyingReader wraps r, which must yield exactly the entry's
// decompressed bytes, and checks them against wantCRC32/wantSize (normally
// entry.CRC32/entry.UncompressedSize) once r is exhausted.
func NewVerifyingReader(r io.Reader, wantCRC32 uint32, wantSize uint64) *VerifyingReader {
	return &VerifyingReader{r: r, wantCRC32: wantCRC32, wantSize: wantSize}
}

func (v *VerifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.crc = crc32Update(v.crc, p[:n])
		v.size += uint64(n)
	}
	if err == io.EOF && !v.done {
		v.done = true
		if v.crc != v.wantCRC32 {
			return n, invalidChecksum(v.wantCRC32, v.crc)
		}
		if v.size != v.wantSize {
			return n, invalidSize(v.wantSize, v.size)
		}
	}
	return n, err
}
