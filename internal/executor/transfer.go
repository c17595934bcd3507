package executor

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/dlqueue/pkg/types"
)

var (
	ErrHashMismatch      = errors.New("executor: downloaded resource hash does not match")
	ErrUnsupportedHash   = errors.New("executor: unsupported hash algorithm")
	ErrConnectTimeout    = errors.New("executor: connect timeout")
	ErrInvalidTargetName = errors.New("executor: invalid target name")
)

const partSuffix = ".part"

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Status)
}

// transientError marks a failure worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsRetryable reports whether a transfer error may succeed on a new attempt:
// transport failures, 5xx and 429 responses.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	var te *transientError
	return errors.As(err, &te)
}

// progressWriter counts written bytes and reports them at most once per
// interval, plus once at the end.
type progressWriter struct {
	w        io.Writer
	total    int64
	written  int64
	interval time.Duration
	last     time.Time
	nowFn    func() time.Time
	onUpdate func(written, total int64)
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.written += int64(n)
	if pw.onUpdate != nil {
		now := pw.nowFn()
		if now.Sub(pw.last) >= pw.interval {
			pw.last = now
			pw.onUpdate(pw.written, pw.total)
		}
	}
	return n, err
}

// transferResult is what a completed fetch produced.
type transferResult struct {
	localPath string
	written   int64
	total     int64
	skipped   bool // target already present
}

// validateTarget rejects names that would escape the download directory.
func validateTarget(req types.Request) error {
	name := req.FileName
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidTargetName, name)
	}
	return nil
}

func newHasher(info *types.HashInfo) (hash.Hash, error) {
	if info.IsEmpty() {
		return nil, nil
	}
	switch strings.ToLower(info.Algorithm) {
	case "md5":
		return md5.New(), nil
	case "sha1", "sha-1":
		return sha1.New(), nil
	case "sha256", "sha-256":
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedHash, info.Algorithm)
}

// fetch downloads req into dir/<target>. The body goes to a .part file next to
// the target, which is renamed into place only after the optional hash check.
func (e *Executor) fetch(ctx context.Context, req types.Request, connectTimeout time.Duration, onProgress func(written, total int64)) (transferResult, error) {
	target := filepath.Join(e.cfg.DownloadDir, filepath.FromSlash(req.TargetName()))
	res := transferResult{localPath: target}

	if !req.ReplaceExisting {
		if fi, err := os.Stat(target); err == nil && fi.Mode().IsRegular() {
			res.skipped = true
			res.written = fi.Size()
			res.total = fi.Size()
			return res, nil
		}
	}

	hasher, err := newHasher(req.Hash)
	if err != nil {
		return res, err
	}

	resp, err := e.get(ctx, req, connectTimeout)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	res.total = resp.ContentLength

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return res, fmt.Errorf("executor: create target dir: %w", err)
	}
	part := target + partSuffix
	file, err := os.Create(part)
	if err != nil {
		return res, fmt.Errorf("executor: create part file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = file.Close()
			_ = os.Remove(part)
		}
	}()

	var w io.Writer = file
	if hasher != nil {
		w = io.MultiWriter(file, hasher)
	}
	pw := &progressWriter{
		w:        w,
		total:    res.total,
		interval: e.cfg.ProgressInterval,
		nowFn:    e.nowFn,
		onUpdate: onProgress,
	}

	if _, err := io.Copy(pw, resp.Body); err != nil {
		res.written = pw.written
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return res, fmt.Errorf("executor: write part file: %w", err)
		}
		return res, &transientError{err: fmt.Errorf("executor: read body: %w", err)}
	}
	res.written = pw.written

	if err := file.Sync(); err != nil {
		return res, fmt.Errorf("executor: sync part file: %w", err)
	}
	if err := file.Close(); err != nil {
		return res, fmt.Errorf("executor: close part file: %w", err)
	}

	if hasher != nil {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, req.Hash.Value) {
			_ = os.Remove(part)
			committed = true
			return res, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, req.Hash.Value, got)
		}
	}

	if err := os.Rename(part, target); err != nil {
		_ = os.Remove(part)
		committed = true
		return res, fmt.Errorf("executor: move into place: %w", err)
	}
	committed = true

	if onProgress != nil {
		onProgress(res.written, res.total)
	}
	return res, nil
}

// get sends the request. connectTimeout bounds the wait for response headers;
// the body itself is only bounded by ctx.
func (e *Executor) get(ctx context.Context, req types.Request, connectTimeout time.Duration) (*http.Response, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("executor: build request: %w", err)
	}
	if e.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", e.cfg.UserAgent)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	var timer *time.Timer
	if connectTimeout > 0 {
		timer = time.AfterFunc(connectTimeout, func() { cancel(ErrConnectTimeout) })
	}
	resp, err := e.client.Do(httpReq)
	if timer != nil && !timer.Stop() && err == nil {
		// headers arrived as the timer fired; the request context is gone
		resp.Body.Close()
		cancel(nil)
		return nil, &transientError{err: ErrConnectTimeout}
	}
	if err != nil {
		cause := context.Cause(reqCtx)
		cancel(nil)
		if errors.Is(cause, ErrConnectTimeout) {
			return nil, &transientError{err: ErrConnectTimeout}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transientError{err: fmt.Errorf("executor: request %s: %w", req.URL, err)}
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
