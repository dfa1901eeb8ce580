package fetch

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/model-collapse/oid-coco/errs"
)

// newTestClient serves handler over an in-memory listener and returns a
// client dialing it whatever host the URL names.
func newTestClient(t *testing.T, handler fasthttp.RequestHandler) *fasthttp.Client {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}

	go func() {
		_ = srv.Serve(ln)
	}()

	t.Cleanup(func() {
		_ = ln.Close()
	})

	return &fasthttp.Client{
		StreamResponseBody: true,
		Dial: func(addr string) (net.Conn, error) {
			return ln.Dial()
		},
	}
}

func TestFileFetchIsIdempotent(t *testing.T) {
	var hits int32

	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		atomic.AddInt32(&hits, 1)
		ctx.SetBodyString("LabelName,DisplayName\n/m/01,Snail\n")
	})

	fs := afero.NewMemMapFs()
	f := &File{Client: client, Fs: fs, Quiet: true}

	url := "http://corpus.test/v7/oidv7-class-descriptions.csv"

	first, err := f.Fetch(context.Background(), url, "csv")
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}

	second, err := f.Fetch(context.Background(), url, "csv")
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}

	if first != second || first != filepath.Join("csv", "oidv7-class-descriptions.csv") {
		t.Errorf("unexpected paths %q, %q", first, second)
	}

	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("expected 1 request, got %d", n)
	}

	data, err := afero.ReadFile(fs, first)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(data), "Snail") {
		t.Errorf("unexpected content %q", data)
	}
}

func TestFileFetchFailureLeavesNoFile(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	})

	fs := afero.NewMemMapFs()
	f := &File{Client: client, Fs: fs, Quiet: true}

	url := "http://corpus.test/missing.csv"
	_, err := f.Fetch(context.Background(), url, "csv")

	if !errs.Is(err, errs.Transport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), url) || !strings.Contains(err.Error(), "missing.csv") {
		t.Errorf("error should name url and file: %v", err)
	}

	for _, name := range []string{"csv/missing.csv", "csv/missing.csv" + partSuffix} {
		if ok, _ := afero.Exists(fs, name); ok {
			t.Errorf("%s should not exist after a failed download", name)
		}
	}
}

func TestFileName(t *testing.T) {

	tests := []struct {
		url     string
		name    string
		wantErr bool
	}{
		{"https://storage.googleapis.com/openimages/v7/oidv7-val-annotations-bbox.csv", "oidv7-val-annotations-bbox.csv", false},
		{"https://example.com/a/b.csv?x=1,2", "b.csv", false},
		{"https://example.com/", "", true},
		{"https://example.com", "", true},
	}

	for _, tc := range tests {
		name, err := FileName(tc.url)
		if tc.wantErr {
			if !errs.Is(err, errs.Config) {
				t.Errorf("FileName(%q) expected config error, got %v", tc.url, err)
			}
			continue
		}
		if err != nil || name != tc.name {
			t.Errorf("FileName(%q) expected %q, got %q (%v)", tc.url, tc.name, name, err)
		}
	}
}

func TestHTTPBulkFetcherBestEffort(t *testing.T) {
	var requested pathLog

	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		requested.add(string(ctx.Path()))
		if strings.HasSuffix(string(ctx.Path()), "bad.jpg") {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			return
		}
		ctx.SetBodyString("jpeg bytes")
	})

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "list.txt", []byte("validation/a.jpg\n\nvalidation/bad.jpg\nvalidation/c.jpg\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "out/valid/c.jpg", []byte("cached"), 0644); err != nil {
		t.Fatal(err)
	}

	h := &HTTPBulkFetcher{Client: client, Fs: fs, BaseURL: "http://bucket.test/", Quiet: true}

	report, err := h.Fetch(context.Background(), Job{DownloadFolder: "out/valid", ImageList: "list.txt", Concurrency: 2})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if report.Requested != 3 || report.Downloaded != 1 || report.Skipped != 1 || len(report.Failed) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Failed[0].Path != "validation/bad.jpg" {
		t.Errorf("unexpected failure %+v", report.Failed[0])
	}

	if ok, _ := afero.Exists(fs, "out/valid/a.jpg"); !ok {
		t.Errorf("a.jpg should be stored under the local split folder")
	}
	if ok, _ := afero.Exists(fs, "out/valid/bad.jpg"); ok {
		t.Errorf("bad.jpg should not exist")
	}
	if requested.has("/validation/c.jpg") {
		t.Errorf("cached image should not be requested")
	}
	if !requested.has("/validation/a.jpg") {
		t.Errorf("expected remote path /validation/a.jpg to be requested, got %v", requested.list())
	}
}

func TestHTTPBulkFetcherCancelled(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("x")
	})

	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "list.txt", []byte("train/a.jpg\n"), 0644)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := &HTTPBulkFetcher{Client: client, Fs: fs, BaseURL: "http://bucket.test", Quiet: true}
	_, err := h.Fetch(ctx, Job{DownloadFolder: "out", ImageList: "list.txt", Concurrency: 1})

	if !errs.Is(err, errs.Transport) {
		t.Errorf("expected transport error on cancelled context, got %v", err)
	}
}

func TestReadListMissing(t *testing.T) {
	_, err := ReadList(afero.NewMemMapFs(), "nope.txt")
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestScriptFetcher(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "downloader.sh")
	body := `list="$1"
dir="${2#--download_folder=}"
while read -r p; do
  case "$p" in *missing*) continue ;; esac
  [ -n "$p" ] && echo x > "$dir/$(basename "$p")"
done < "$list"
exit 0
`
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}

	list := filepath.Join(dir, "list.txt")
	if err := os.WriteFile(list, []byte("train/a.jpg\ntrain/missing.jpg\n"), 0644); err != nil {
		t.Fatal(err)
	}

	s := &ScriptFetcher{Python: "sh", Script: script}
	report, err := s.Fetch(context.Background(), Job{
		DownloadFolder: filepath.Join(dir, "train"),
		ImageList:      list,
		Concurrency:    5,
	})
	if err != nil {
		t.Fatalf("script fetch failed: %v", err)
	}

	if report.Downloaded != 1 || len(report.Failed) != 1 || report.Failed[0].Path != "train/missing.jpg" {
		t.Errorf("unexpected report %+v", report)
	}
}

// pathLog records request paths from concurrent handlers
type pathLog struct {
	mu    sync.Mutex
	paths []string
}

func (l *pathLog) add(p string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, p)
}

func (l *pathLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}

func (l *pathLog) has(p string) bool {
	for _, next := range l.list() {
		if next == p {
			return true
		}
	}
	return false
}

// newIdleClient is newTestClient with the idle read timeout of NewClient.
func newIdleClient(t *testing.T, timeout time.Duration, handler fasthttp.RequestHandler) *fasthttp.Client {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}

	go func() {
		_ = srv.Serve(ln)
	}()

	t.Cleanup(func() {
		_ = ln.Close()
	})

	return newClient(timeout, func(addr string) (net.Conn, error) {
		return ln.Dial()
	})
}

// trickle streams chunks of size bytes, pausing every between them
func trickle(chunks, size int, every time.Duration) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			for i := 0; i < chunks; i++ {
				if _, err := w.WriteString(strings.Repeat("x", size)); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
				time.Sleep(every)
			}
		})
	}
}

func TestFileFetchSlowStreamOutlastsTimeout(t *testing.T) {
	client := newIdleClient(t, 300*time.Millisecond, trickle(10, 17, 100*time.Millisecond))

	fs := afero.NewMemMapFs()
	f := &File{Client: client, Fs: fs, Quiet: true}

	start := time.Now()
	dest, err := f.Fetch(context.Background(), "http://corpus.test/slow.csv", "csv")
	if err != nil {
		t.Fatalf("a live stream longer than the timeout should succeed: %v", err)
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Errorf("transfer finished before the timeout elapsed, the stream is not slow enough")
	}

	data, err := afero.ReadFile(fs, dest)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(data) != 170 {
		t.Errorf("expected 170 bytes, got %d", len(data))
	}
}

func TestFileFetchStalledStreamTimesOut(t *testing.T) {
	client := newIdleClient(t, 200*time.Millisecond, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			_, _ = w.WriteString("hello")
			_ = w.Flush()
			time.Sleep(1500 * time.Millisecond)
		})
	})

	fs := afero.NewMemMapFs()
	f := &File{Client: client, Fs: fs, Quiet: true}

	start := time.Now()
	_, err := f.Fetch(context.Background(), "http://corpus.test/stalled.csv", "csv")
	if !errs.Is(err, errs.Transport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stalled stream took %v to fail", elapsed)
	}

	for _, name := range []string{"csv/stalled.csv", "csv/stalled.csv" + partSuffix} {
		if ok, _ := afero.Exists(fs, name); ok {
			t.Errorf("%s should not exist after a stalled download", name)
		}
	}
}

func TestFileFetchCancelledMidTransfer(t *testing.T) {
	client := newIdleClient(t, time.Second, trickle(20, 8, 100*time.Millisecond))

	fs := afero.NewMemMapFs()
	f := &File{Client: client, Fs: fs, Quiet: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(150*time.Millisecond, cancel)

	start := time.Now()
	_, err := f.Fetch(ctx, "http://corpus.test/big.csv", "csv")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !errs.Is(err, errs.Transport) {
		t.Errorf("expected transport kind, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled transfer took %v to stop", elapsed)
	}

	for _, name := range []string{"csv/big.csv", "csv/big.csv" + partSuffix} {
		if ok, _ := afero.Exists(fs, name); ok {
			t.Errorf("%s should not exist after a cancelled download", name)
		}
	}
}

func TestNilClientUsesSharedDefault(t *testing.T) {
	var wg sync.WaitGroup
	clients := make([]*fasthttp.Client, 8)

	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				clients[i] = NewFile(nil).client()
			} else {
				clients[i] = NewHTTPBulkFetcher(nil).client()
			}
		}(i)
	}
	wg.Wait()

	for i, c := range clients {
		if c == nil || c != clients[0] {
			t.Errorf("client %d should be the shared default", i)
		}
	}

	f := &File{}
	if f.client() != clients[0] || f.Client != nil {
		t.Errorf("client() should not fill in the Client field")
	}
}
