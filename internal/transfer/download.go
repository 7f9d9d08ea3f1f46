package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"transferplane/internal/errs"
	"transferplane/internal/observability"

	"github.com/dustin/go-humanize"
)

// DefaultMaxDownloadSize caps both the declared and the streamed size of a download.
const DefaultMaxDownloadSize int64 = 5 << 30

var allowedContentTypes = map[string]bool{
	"application/gzip":         true,
	"application/x-gzip":       true,
	"application/octet-stream": true,
}

// DownloaderConfig configures a Downloader.
type DownloaderConfig struct {
	BaseURL string
	Token   string
	MaxSize int64
	Policy  Policy
	Timeout time.Duration
}

// Downloader fetches artifacts from the source instance into the scratch root.
type Downloader struct {
	base    *url.URL
	token   string
	maxSize int64
	policy  Policy
	client  *http.Client
	scratch *Scratch
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewDownloader builds a downloader whose HTTP client refuses disallowed addresses at dial time.
func NewDownloader(cfg DownloaderConfig, scratch *Scratch, logger *slog.Logger, metrics *observability.Metrics) (*Downloader, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, errs.Validation("transfer.NewDownloader", "invalid base url %q", cfg.BaseURL)
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxDownloadSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Downloader{
		base:    base,
		token:   cfg.Token,
		maxSize: cfg.MaxSize,
		policy:  cfg.Policy,
		scratch: scratch,
		logger:  logger,
		metrics: metrics,
		client:  cfg.Policy.Client(cfg.Timeout),
	}, nil
}

// Download fetches relativePath (resolved against the base URL, query included)
// into dir/filename and returns the file path. On any failure no file is left behind.
func (d *Downloader) Download(ctx context.Context, relativePath, dir, filename string) (string, error) {
	const op = "transfer.Download"

	if err := d.scratch.Confine(dir); err != nil {
		return "", err
	}
	if !validName(filename) {
		return "", errs.Validation(op, "invalid filename %q", filename)
	}

	ref, err := url.Parse(relativePath)
	if err != nil {
		return "", errs.Validation(op, "invalid path %q", relativePath).WithCause(err)
	}
	target := d.base.ResolveReference(ref)
	if err := d.policy.CheckURL(ctx, target); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", errs.Validation(op, "build request").WithCause(err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			return "", e
		}
		return "", errs.Transport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errs.Transport(op, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, target.Path))
	}
	if err := d.validateHeaders(resp); err != nil {
		return "", err
	}

	dest := filepath.Join(dir, filename)
	n, err := d.stream(resp.Body, dest)
	if err != nil {
		return "", err
	}
	if err := rejectSymlink(op, dest); err != nil {
		return "", err
	}

	d.metrics.BytesDownloaded(ctx, n)
	d.logger.Debug("download finished", "path", target.Path, "file", filename, "size", humanize.IBytes(uint64(n)))
	return dest, nil
}

func (d *Downloader) validateHeaders(resp *http.Response) error {
	const op = "transfer.Download"

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !allowedContentTypes[mediaType] {
		return errs.Validation(op, "invalid content type %q", resp.Header.Get("Content-Type"))
	}
	if resp.ContentLength < 0 {
		return errs.Validation(op, "missing content length")
	}
	if resp.ContentLength > d.maxSize {
		return errs.Security(op, "file size %s exceeds limit of %s",
			humanize.IBytes(uint64(resp.ContentLength)), humanize.IBytes(uint64(d.maxSize)))
	}
	return nil
}

// stream copies body into a new file, aborting once more than maxSize bytes arrive.
// The file is removed on failure.
func (d *Downloader) stream(body io.Reader, dest string) (n int64, err error) {
	const op = "transfer.Download"

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, errs.Validation(op, "cannot create %s", filepath.Base(dest)).WithCause(err)
	}
	defer func() {
		if err != nil {
			os.Remove(dest)
		}
	}()

	n, err = io.Copy(f, io.LimitReader(body, d.maxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, errs.Transport(op, err)
	}
	if n > d.maxSize {
		return n, errs.Security(op, "stream exceeded limit of %s", humanize.IBytes(uint64(d.maxSize)))
	}
	return n, nil
}
