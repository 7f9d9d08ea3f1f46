package transfer

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"transferplane/internal/errs"
)

// Extractor unpacks tar archives received from a source instance.
type Extractor struct {
	scratch *Scratch
}

func NewExtractor(scratch *Scratch) *Extractor {
	return &Extractor{scratch: scratch}
}

// Extract unpacks dir/filename into dir and returns the written files. Only regular
// files and directories are accepted. Links, devices and names escaping dir abort the
// extraction and remove whatever was already written.
func (e *Extractor) Extract(ctx context.Context, dir, filename string) ([]string, error) {
	written, err := e.extract(ctx, dir, filename)
	if err != nil {
		for _, p := range written {
			os.Remove(p)
		}
		return nil, err
	}
	return written, nil
}

func (e *Extractor) extract(ctx context.Context, dir, filename string) ([]string, error) {
	const op = "transfer.Extract"

	if err := e.scratch.Confine(dir); err != nil {
		return nil, err
	}
	if !validName(filename) {
		return nil, errs.Validation(op, "invalid filename %q", filename)
	}
	archive := filepath.Join(dir, filename)
	if hasTraversal(archive) {
		return nil, errs.Security(op, "archive path %q contains traversal segments", archive)
	}

	info, err := os.Lstat(archive)
	if err != nil {
		return nil, errs.Validation(op, "cannot stat %s", filename).WithCause(err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, errs.Security(op, "archive %s is a symbolic link", filename)
	}
	if !info.Mode().IsRegular() {
		return nil, errs.Validation(op, "archive %s is not a regular file", filename)
	}

	f, err := os.Open(archive)
	if err != nil {
		return nil, errs.Validation(op, "cannot open %s", filename).WithCause(err)
	}
	defer f.Close()

	var written []string
	tr := tar.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, errs.Validation(op, "corrupt archive %s", filename).WithCause(err)
		}

		target, err := entryPath(dir, hdr.Name)
		if err != nil {
			return written, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return written, errs.Validation(op, "create %s", hdr.Name).WithCause(err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return written, err
			}
			written = append(written, target)
		case tar.TypeSymlink, tar.TypeLink:
			return written, errs.Security(op, "archive entry %s is a link", hdr.Name)
		default:
			return written, errs.Security(op, "archive entry %s has unsupported type %q", hdr.Name, hdr.Typeflag)
		}
	}
}

// entryPath maps an archive name to a path inside dir.
func entryPath(dir, name string) (string, error) {
	const op = "transfer.Extract"

	if name == "" || strings.ContainsRune(name, 0) || strings.Contains(name, `\`) {
		return "", errs.Security(op, "invalid archive entry name %q", name)
	}
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return "", errs.Security(op, "archive entry %s is absolute", name)
	}
	if hasTraversal(name) {
		return "", errs.Security(op, "archive entry %s contains traversal segments", name)
	}
	target := filepath.Join(dir, filepath.FromSlash(path.Clean(name)))
	if !within(dir, target) {
		return "", errs.Security(op, "archive entry %s escapes the destination", name)
	}
	return target, nil
}

func writeEntry(target string, r io.Reader) error {
	const op = "transfer.Extract"

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return errs.Validation(op, "create parent of %s", filepath.Base(target)).WithCause(err)
	}
	// An existing symlink at target must not be followed.
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errs.Security(op, "%s is a symbolic link", filepath.Base(target))
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.Validation(op, "create %s", filepath.Base(target)).WithCause(err)
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errs.Validation(op, "write %s", filepath.Base(target)).WithCause(err)
	}
	return nil
}
