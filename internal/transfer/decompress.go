package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"transferplane/internal/errs"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
)

// DefaultMaxDecompressedSize bounds the inflated size of an artifact.
const DefaultMaxDecompressedSize int64 = 10 << 30

// Decompressor inflates gzip artifacts in place.
type Decompressor struct {
	scratch *Scratch
	// MaxSize caps the decompressed size. Zero disables the pre-scan.
	MaxSize int64
}

// NewDecompressor returns a decompressor with the given cap. A negative cap means the default.
func NewDecompressor(scratch *Scratch, maxSize int64) *Decompressor {
	if maxSize < 0 {
		maxSize = DefaultMaxDecompressedSize
	}
	return &Decompressor{scratch: scratch, MaxSize: maxSize}
}

// Decompress inflates dir/filename into dir/<filename without .gz> and returns the output path.
// On failure both the source and any output are removed.
func (d *Decompressor) Decompress(ctx context.Context, dir, filename string) (out string, err error) {
	const op = "transfer.Decompress"

	if err := d.scratch.Confine(dir); err != nil {
		return "", err
	}
	if !validName(filename) {
		return "", errs.Validation(op, "invalid filename %q", filename)
	}

	src := filepath.Join(dir, filename)
	dest := filepath.Join(dir, strings.TrimSuffix(filename, ".gz"))
	if dest == src {
		dest = src + ".out"
	}

	defer func() {
		if err != nil {
			os.Remove(src)
			os.Remove(dest)
		}
	}()

	if err := rejectSymlink(op, src); err != nil {
		return "", err
	}
	if d.MaxSize > 0 {
		if err := d.validateSize(ctx, src); err != nil {
			return "", err
		}
	}
	if err := d.inflate(ctx, src, dest); err != nil {
		return "", err
	}
	if err := rejectSymlink(op, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// validateSize streams the archive once, counting inflated bytes up to the cap.
func (d *Decompressor) validateSize(ctx context.Context, src string) error {
	const op = "transfer.Decompress"

	f, err := os.Open(src)
	if err != nil {
		return errs.Validation(op, "cannot open %s", filepath.Base(src)).WithCause(err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return errs.Validation(op, "%s is not a gzip stream", filepath.Base(src)).WithCause(err)
	}
	defer zr.Close()

	n, err := io.Copy(io.Discard, io.LimitReader(&ctxReader{ctx: ctx, r: zr}, d.MaxSize+1))
	if err != nil {
		return errs.Validation(op, "corrupt gzip stream").WithCause(err)
	}
	if n > d.MaxSize {
		return errs.Security(op, "decompressed size exceeds limit of %s", humanize.IBytes(uint64(d.MaxSize)))
	}
	return nil
}

func (d *Decompressor) inflate(ctx context.Context, src, dest string) error {
	const op = "transfer.Decompress"

	in, err := os.Open(src)
	if err != nil {
		return errs.Validation(op, "cannot open %s", filepath.Base(src)).WithCause(err)
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return errs.Validation(op, "%s is not a gzip stream", filepath.Base(src)).WithCause(err)
	}
	defer zr.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return errs.Validation(op, "cannot create %s", filepath.Base(dest)).WithCause(err)
	}

	var r io.Reader = &ctxReader{ctx: ctx, r: zr}
	if d.MaxSize > 0 {
		r = io.LimitReader(r, d.MaxSize+1)
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errs.Validation(op, "decompress %s", filepath.Base(src)).WithCause(err)
	}
	if d.MaxSize > 0 && n > d.MaxSize {
		return errs.Security(op, "decompressed size exceeds limit of %s", humanize.IBytes(uint64(d.MaxSize)))
	}
	return nil
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
