package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

type entry struct {
	name string
	body string
	dir  bool
	link string
}

var sourceTree = []entry{
	{name: "binutils-2.31.1/", dir: true},
	{name: "binutils-2.31.1/configure", body: "#!/bin/sh\n"},
	{name: "binutils-2.31.1/gas/as.c", body: "int main(void) { return 0; }\n"},
	{name: "binutils-2.31.1/COPYING.link", link: "configure"},
}

func tarball(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o755, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		switch {
		case e.dir:
			hdr.Typeflag, hdr.Size = tar.TypeDir, 0
		case e.link != "":
			hdr.Typeflag, hdr.Linkname, hdr.Size = tar.TypeSymlink, e.link, 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func compress(t *testing.T, format Format, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch format {
	case Gzip:
		w = gzip.NewWriter(&buf)
	case XZ:
		w, err = xz.NewWriter(&buf)
	case Zstd:
		w, err = zstd.NewWriter(&buf)
	default:
		return data
	}
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writeArtifact(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e3b0c442")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestExtract_CompressedTarballs(t *testing.T) {
	for _, format := range []Format{Tar, Gzip, XZ, Zstd} {
		t.Run(string(format), func(t *testing.T) {
			data := compress(t, format, tarball(t, sourceTree))
			head := data
			if len(head) > 512 {
				head = head[:512]
			}
			assert.Equal(t, format, Detect(head))

			dest := filepath.Join(t.TempDir(), "src")
			srcDir, err := Extract(context.Background(), writeArtifact(t, data), dest, "binutils-2.31.1.tar")
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dest, "binutils-2.31.1"), srcDir)

			body, err := os.ReadFile(filepath.Join(srcDir, "gas", "as.c"))
			require.NoError(t, err)
			assert.Equal(t, "int main(void) { return 0; }\n", string(body))

			info, err := os.Stat(filepath.Join(srcDir, "configure"))
			require.NoError(t, err)
			assert.NotZero(t, info.Mode()&0o100, "executable bit is preserved")

			link, err := os.Readlink(filepath.Join(srcDir, "COPYING.link"))
			require.NoError(t, err)
			assert.Equal(t, "configure", link)
		})
	}
}

func TestExtract_Zip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("grub-2.06/configure")
	require.NoError(t, err)
	_, err = w.Write([]byte("#!/bin/sh\n"))
	require.NoError(t, err)
	w, err = zw.Create("grub-2.06/README")
	require.NoError(t, err)
	_, err = w.Write([]byte("GRUB\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	dest := filepath.Join(t.TempDir(), "src")
	srcDir, err := Extract(context.Background(), writeArtifact(t, buf.Bytes()), dest, "grub.zip")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "grub-2.06"), srcDir)
	assert.FileExists(t, filepath.Join(srcDir, "README"))
}

func TestExtract_RejectsTraversal(t *testing.T) {
	cases := map[string][]entry{
		"dotdot":   {{name: "../../etc/passwd", body: "root"}},
		"absolute": {{name: "/etc/passwd", body: "root"}},
		"symlink":  {{name: "escape", link: "../../../etc"}},
		"symlink chain": {
			{name: "d", link: "."},
			{name: "d/e", link: ".."},
			{name: "d/e/evil", body: "x"},
		},
		"file through symlink dir": {
			{name: "d", link: "."},
			{name: "d/evil", body: "x"},
		},
		"dir entry over symlink": {
			{name: "d", link: "."},
			{name: "d/", dir: true},
		},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			work := t.TempDir()
			dest := filepath.Join(work, "src")
			_, err := Extract(context.Background(), writeArtifact(t, tarball(t, entries)), dest, "evil.tar")
			assert.ErrorIs(t, err, ErrUnsafePath)
			assert.NoFileExists(t, filepath.Join(work, "evil"))
		})
	}
}

func TestExtract_FileReplacesSymlink(t *testing.T) {
	work := t.TempDir()
	dest := filepath.Join(work, "src")
	entries := []entry{
		{name: "sub/", dir: true},
		{name: "notes", link: "sub/../notes.txt"},
		{name: "notes", body: "inside\n"},
	}
	_, err := Extract(context.Background(), writeArtifact(t, tarball(t, entries)), dest, "notes.tar")
	require.NoError(t, err)

	info, err := os.Lstat(filepath.Join(dest, "notes"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
	assert.NoFileExists(t, filepath.Join(dest, "notes.txt"))
}

func TestExtract_DotEntries(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "src")
	entries := []entry{
		{name: "./", dir: true},
		{name: "./nasm-2.14/", dir: true},
		{name: "./nasm-2.14/configure", body: "#!/bin/sh\n"},
	}
	srcDir, err := Extract(context.Background(), writeArtifact(t, tarball(t, entries)), dest, "nasm.tar")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "nasm-2.14"), srcDir)
	assert.FileExists(t, filepath.Join(srcDir, "configure"))
}

func TestExtract_PlainFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "src")
	srcDir, err := Extract(context.Background(), writeArtifact(t, []byte("#!/bin/sh\necho hi\n")), dest, "install.sh")
	require.NoError(t, err)
	assert.Equal(t, dest, srcDir)
	assert.FileExists(t, filepath.Join(dest, "install.sh"))
}

func TestExtract_CompressedSingleFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "src")
	data := compress(t, Gzip, []byte("patch contents\n"))
	_, err := Extract(context.Background(), writeArtifact(t, data), dest, "fix.patch.gz")
	require.NoError(t, err)

	body, err := os.ReadFile(filepath.Join(dest, "fix.patch"))
	require.NoError(t, err)
	assert.Equal(t, "patch contents\n", string(body))
}
