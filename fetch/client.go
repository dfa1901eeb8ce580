// Package fetch moves remote corpus files onto the local filesystem: single
// files with File, batches of images through a BulkFetcher.
package fetch

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/valyala/fasthttp"
)

const (
	// DefaultTimeout bounds a stalled read and every write on a connection
	DefaultTimeout = 2 * time.Minute
	maxRedirects   = 5
	partSuffix     = ".part"
)

// NewClient returns a fasthttp client that streams response bodies, so a
// multi-gigabyte annotation file never sits in memory whole. timeout is an
// idle timeout: a read fails only when the server sends nothing for that
// long, however long the whole transfer takes.
func NewClient(timeout time.Duration) *fasthttp.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return newClient(timeout, func(addr string) (net.Conn, error) {
		return fasthttp.DialTimeout(addr, timeout)
	})
}

var (
	sharedClient     *fasthttp.Client
	sharedClientOnce sync.Once
)

// defaultClient is used by fetchers built without a client
func defaultClient() *fasthttp.Client {
	sharedClientOnce.Do(func() {
		sharedClient = NewClient(DefaultTimeout)
	})
	return sharedClient
}

func newClient(timeout time.Duration, dial fasthttp.DialFunc) *fasthttp.Client {
	return &fasthttp.Client{
		Name:                "oid-coco",
		WriteTimeout:        timeout,
		MaxConnsPerHost:     64,
		StreamResponseBody:  true,
		MaxIdleConnDuration: 30 * time.Second,
		Dial: func(addr string) (net.Conn, error) {
			conn, err := dial(addr)
			if err != nil {
				return nil, err
			}
			return &idleConn{Conn: conn, timeout: timeout}, nil
		},
	}
}

// idleConn pushes the read deadline forward on every read. fasthttp's own
// ReadTimeout is a single deadline over the whole streamed response.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

// saveURL streams url into dest. The body is written to dest+".part" first
// and renamed on success, so a failed transfer never leaves a file that a
// later run would mistake for a finished download.
func saveURL(ctx context.Context, c *fasthttp.Client, fs afero.Fs, url, dest string, progress func(size int64) io.Writer) (n int64, err error) {
	if err = ctx.Err(); err != nil {
		return
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err = c.DoRedirects(req, resp, maxRedirects); err != nil {
		return
	}

	if code := resp.StatusCode(); code < 200 || code >= 300 {
		err = errors.Errorf("unexpected status %d", code)
		return
	}

	tmp := dest + partSuffix
	f, err := fs.Create(tmp)
	if err != nil {
		return
	}

	cw := &countWriter{ctx: ctx, w: f}
	var w io.Writer = cw
	if progress != nil {
		if bar := progress(int64(resp.Header.ContentLength())); bar != nil {
			w = io.MultiWriter(cw, bar)
		}
	}

	err = resp.BodyWriteTo(w)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = fs.Remove(tmp)
		return
	}

	if err = fs.Rename(tmp, dest); err != nil {
		_ = fs.Remove(tmp)
		return
	}

	n = cw.n
	return
}

// countWriter counts what it writes and fails once ctx is done, which stops
// a streamed body mid transfer
type countWriter struct {
	ctx context.Context
	w   io.Writer
	n   int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// byteBar returns a byte progress bar for a transfer of size bytes (-1 when
// unknown).
func byteBar(quiet bool, desc string) func(size int64) io.Writer {
	if quiet {
		return nil
	}

	return func(size int64) io.Writer {
		if size <= 0 {
			size = -1
		}
		return progressbar.DefaultBytes(size, desc)
	}
}
