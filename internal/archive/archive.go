// Package archive unpacks verified source artifacts into a build directory.
//
// The format is detected from the leading bytes rather than the file name,
// because artifacts are stored content-addressed without an extension.
// Compressed tarballs (gzip, xz, zstd, bzip2), plain tarballs and zip files
// are unpacked; anything else is copied in as a single file.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/specialistvlad/smelter/internal/fsutil"
	"github.com/ulikunitz/xz"
)

// Format is a detected artifact format.
type Format string

const (
	Gzip  Format = "gzip"
	XZ    Format = "xz"
	Zstd  Format = "zstd"
	Bzip2 Format = "bzip2"
	Zip   Format = "zip"
	Tar   Format = "tar"
	Plain Format = "plain"
)

// ErrUnsafePath is returned for entries that would land outside the
// destination directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

var magics = []struct {
	format Format
	magic  []byte
}{
	{Gzip, []byte{0x1f, 0x8b}},
	{XZ, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{Bzip2, []byte("BZh")},
	{Zip, []byte("PK\x03\x04")},
}

// Detect identifies the format from the first bytes of a file.
func Detect(head []byte) Format {
	for _, m := range magics {
		if bytes.HasPrefix(head, m.magic) {
			return m.format
		}
	}
	if isTar(head) {
		return Tar
	}
	return Plain
}

func isTar(head []byte) bool {
	return len(head) >= 262 && bytes.Equal(head[257:262], []byte("ustar"))
}

// Extract unpacks src into dest and returns the source directory: the single
// top-level directory of the archive when there is one, dest otherwise.
// name is the file name used when src is not an archive.
func Extract(ctx context.Context, src, dest, name string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("create source dir: %w", err)
	}
	root, err := os.OpenRoot(dest)
	if err != nil {
		return "", fmt.Errorf("open source dir: %w", err)
	}
	defer root.Close()
	x := &extractor{dest: filepath.Clean(dest), root: root}

	br := bufio.NewReaderSize(f, 64*1024)
	head, _ := br.Peek(512)

	switch format := Detect(head); format {
	case Zip:
		info, err := f.Stat()
		if err != nil {
			return "", err
		}
		err = x.unzip(ctx, f, info.Size())
		if err != nil {
			return "", err
		}
	default:
		r, closeFn, err := decompress(format, br)
		if err != nil {
			return "", fmt.Errorf("open %s stream: %w", format, err)
		}
		defer closeFn()
		if format != Plain && format != Tar {
			name = trimCompressionExt(name)
		}
		if err := x.stream(ctx, r, name); err != nil {
			return "", err
		}
	}

	return sourceDir(dest)
}

func decompress(format Format, r io.Reader) (io.Reader, func(), error) {
	noop := func() {}
	switch format {
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return zr, func() { zr.Close() }, nil
	case XZ:
		xr, err := xz.NewReader(r)
		return xr, noop, err
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return zr, zr.Close, nil
	case Bzip2:
		return bzip2.NewReader(r), noop, nil
	default:
		return r, noop, nil
	}
}

// extractor writes entries below dest. Files are created through root, and
// nothing is ever written through a symlink that an earlier entry created.
type extractor struct {
	dest string
	root *os.Root
}

// stream unpacks a tar stream, or writes a non-tar stream as one file.
func (x *extractor) stream(ctx context.Context, r io.Reader, name string) error {
	br := bufio.NewReaderSize(r, 64*1024)
	head, _ := br.Peek(512)
	if isTar(head) {
		return x.untar(ctx, br)
	}

	if name == "" {
		name = "artifact"
	}
	return x.writeFile(filepath.Base(name), br, 0o644)
}

func (x *extractor) untar(ctx context.Context, r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = x.mkdir(hdr.Name)
		case tar.TypeReg:
			err = x.writeFile(hdr.Name, tr, os.FileMode(hdr.Mode)&0o777)
		case tar.TypeSymlink:
			err = x.symlink(hdr.Name, hdr.Linkname)
		case tar.TypeLink:
			err = x.link(hdr.Name, hdr.Linkname)
		default:
			// Devices, fifos and the like have no place in a source tree.
		}
		if err != nil {
			return err
		}
	}
}

func (x *extractor) unzip(ctx context.Context, r io.ReaderAt, size int64) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("read zip: %w", err)
	}
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := x.mkdir(zf.Name); err != nil {
				return err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = x.writeFile(zf.Name, rc, zf.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// prepare validates name and creates its parent directories. The returned
// path is relative to dest.
func (x *extractor) prepare(name string) (string, error) {
	target, err := safeJoin(x.dest, name)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(x.dest, target)
	if err != nil || rel == "." {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	if err := x.checkParents(rel); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	return rel, nil
}

// checkParents fails when any existing directory on the way to rel is a
// symlink.
func (x *extractor) checkParents(rel string) error {
	cur := x.dest
	parts := strings.Split(filepath.Dir(rel), string(filepath.Separator))
	for _, part := range parts {
		if part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s passes through symlink %s", ErrUnsafePath, rel, cur)
		}
	}
	return nil
}

// replaceLink removes rel when it is a symlink, so the next create cannot
// follow it.
func (x *extractor) replaceLink(rel string) error {
	info, err := x.root.Lstat(rel)
	if err != nil || info.Mode()&fs.ModeSymlink == 0 {
		return nil
	}
	return x.root.Remove(rel)
}

func (x *extractor) mkdir(name string) error {
	if target, err := safeJoin(x.dest, name); err == nil && target == x.dest {
		return nil
	}
	rel, err := x.prepare(name)
	if err != nil {
		return err
	}
	info, err := x.root.Lstat(rel)
	switch {
	case err == nil && info.Mode()&fs.ModeSymlink != 0:
		return fmt.Errorf("%w: directory %s is a symlink", ErrUnsafePath, name)
	case err == nil:
		return nil
	}
	if err := x.root.Mkdir(rel, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	return nil
}

func (x *extractor) writeFile(name string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	rel, err := x.prepare(name)
	if err != nil {
		return err
	}
	if err := x.replaceLink(rel); err != nil {
		return err
	}
	out, err := x.root.OpenFile(rel, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return out.Close()
}

// symlink creates a link whose lexically resolved target stays inside dest.
func (x *extractor) symlink(name, linkname string) error {
	rel, err := x.prepare(name)
	if err != nil {
		return err
	}
	target := filepath.Join(x.dest, rel)
	resolved := linkname
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(target), linkname)
	}
	if !fsutil.Within(x.dest, resolved) {
		return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, name, linkname)
	}
	_ = x.root.Remove(rel)
	return os.Symlink(linkname, target)
}

func (x *extractor) link(name, oldname string) error {
	oldRel, err := x.prepare(oldname)
	if err != nil {
		return err
	}
	rel, err := x.prepare(name)
	if err != nil {
		return err
	}
	if _, err := x.root.Lstat(oldRel); err != nil {
		return fmt.Errorf("hard link %s: %w", name, err)
	}
	_ = x.root.Remove(rel)
	return os.Link(filepath.Join(x.dest, oldRel), filepath.Join(x.dest, rel))
}

func safeJoin(dest, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(dest, name)
	if !fsutil.Within(dest, target) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func trimCompressionExt(name string) string {
	for _, ext := range []string{".gz", ".xz", ".zst", ".bz2"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}

// sourceDir returns the only top-level directory of dest, or dest itself.
func sourceDir(dest string) (string, error) {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dest, entries[0].Name()), nil
	}
	return dest, nil
}
