package rawzip

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// BuildTemplateArchive followed by a normal Reader round trip must produce
// the same names/bytes a streaming ArchiveWriter would, since both paths
// share the same on-disk encoding.
func TestTemplateArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()

	fileData := []byte("template archive contents")
	dirModTime := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

	tmpl := &Template{
		Entries: []*TemplateEntry{
			{
				Name:             "dir/",
				Method:           Store,
				Modified:         dirModTime,
			},
			{
				Name:             "dir/file.txt",
				Method:           Store,
				Content:          SliceReaderAt(fileData),
				CRC32:            CRC32(fileData),
				CompressedSize:   uint64(len(fileData)),
				UncompressedSize: uint64(len(fileData)),
				Mode:             0644,
			},
		},
		Comment: "template archive",
	}

	ar, err := BuildTemplateArchive(tmpl)
	require.NoError(t, err)
	require.Greater(t, ar.Size(), int64(0))

	reader, err := OpenReader(ctx, ar, ar.Size())
	require.NoError(t, err)
	require.Equal(t, "template archive", string(reader.EndOfCentralDirectory().Comment))

	buf := make([]byte, RECOMMENDED_BUFFER_SIZE)
	it := reader.Entries(ctx)

	first, err := it.Next(buf)
	require.NoError(t, err)
	require.Equal(t, "dir/", first.Name())
	require.True(t, first.IsDir())

	second, err := it.Next(buf)
	require.NoError(t, err)
	require.Equal(t, "dir/file.txt", second.Name())

	resolved, err := reader.Resolve(ctx, second, buf)
	require.NoError(t, err)

	raw := reader.OpenRaw(ctx, resolved)
	vr := NewVerifyingReader(raw, second.CRC32, second.UncompressedSize)
	got, err := io.ReadAll(vr)
	require.NoError(t, err)
	require.Equal(t, fileData, got)

	mode, ok := second.Mode()
	require.True(t, ok)
	require.Equal(t, 0644, int(mode.Perm()))

	none, err := it.Next(buf)
	require.NoError(t, err)
	require.Nil(t, none)
}

// A TemplateArchive.ServeHTTP response, read end to end, is byte-identical
// to ar.Size() read directly, and honors range requests the way
// net/http.ServeContent does.
func TestTemplateArchiveServeHTTP(t *testing.T) {
	fileData := bytes.Repeat([]byte("x"), 4096)

	tmpl := &Template{
		Entries: []*TemplateEntry{
			{
				Name:             "blob.bin",
				Method:           Store,
				Content:          SliceReaderAt(fileData),
				CRC32:            CRC32(fileData),
				CompressedSize:   uint64(len(fileData)),
				UncompressedSize: uint64(len(fileData)),
			},
		},
	}

	ar, err := BuildTemplateArchive(tmpl)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(ar.ServeHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, ar.Size(), int64(len(body)))

	want := make([]byte, ar.Size())
	n, err := ar.ReadAt(want, 0)
	require.NoError(t, err)
	require.Equal(t, want[:n], body)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-9")
	rresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer rresp.Body.Close()
	require.Equal(t, http.StatusPartialContent, rresp.StatusCode)

	rbody, err := io.ReadAll(rresp.Body)
	require.NoError(t, err)
	require.Len(t, rbody, 10)
	require.Equal(t, body[:10], rbody)
}

// A Prefix region (e.g. a self-extractor stub) is preserved verbatim ahead
// of the ZIP data, and entry offsets are reported relative to the start of
// Prefix, matching what Locate's own base-offset recovery assumes.
func TestTemplateArchivePrefix(t *testing.T) {
	ctx := context.Background()
	prefix := []byte("#!/bin/sh\nexit 0\n# junk padding\n")

	tmpl := &Template{
		Prefix:     SliceReaderAt(prefix),
		PrefixSize: int64(len(prefix)),
		Entries: []*TemplateEntry{
			{Name: "a.txt", Method: Store, Content: SliceReaderAt([]byte("a")), CRC32: CRC32([]byte("a")), CompressedSize: 1, UncompressedSize: 1},
		},
	}

	ar, err := BuildTemplateArchive(tmpl)
	require.NoError(t, err)

	got := make([]byte, len(prefix))
	_, err = ar.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, prefix, got)

	reader, err := OpenReader(ctx, ar, ar.Size())
	require.NoError(t, err)
	it := reader.Entries(ctx)
	entry, err := it.Next(make([]byte, RECOMMENDED_BUFFER_SIZE))
	require.NoError(t, err)
	require.Equal(t, uint64(len(prefix)), entry.LocalHeaderOffset)
}
