package manifest

import (
	"context"
	"net"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/model-collapse/oid-coco/errs"
	"github.com/model-collapse/oid-coco/fetch"
)

const sample = `# Open Images v7 annotation links
class,https://storage.googleapis.com/openimages/v7/oidv7-class-descriptions.csv

train,https://storage.googleapis.com/openimages/v7/oidv7-train-annotations-bbox.csv
valid,https://storage.googleapis.com/openimages/v5/validation-annotations-bbox.csv
test,https://storage.googleapis.com/openimages/v5/test-annotations-bbox.csv
this line has no comma
odd,https://example.com/x.csv?a=1,b=2
`

// local mirrors the sample over plain http for the in-memory server
const local = `class,http://corpus.test/v7/oidv7-class-descriptions.csv
train,http://corpus.test/v7/oidv7-train-annotations-bbox.csv
valid,http://corpus.test/v5/validation-annotations-bbox.csv
test,http://corpus.test/v5/test-annotations-bbox.csv
odd,http://corpus.test/x.csv?a=1,b=2
`

func TestParse(t *testing.T) {
	entries, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}

	if !reflect.DeepEqual(names, []string{"class", "train", "valid", "test", "odd"}) {
		t.Errorf("unexpected names %v", names)
	}

	if entries[4].URL != "https://example.com/x.csv?a=1,b=2" {
		t.Errorf("url should keep commas after the first, got %q", entries[4].URL)
	}
}

func TestRequire(t *testing.T) {
	m := Manifest{"class": "c.csv", "train": "t.csv", "test": "x.csv"}

	err := m.Require("train", "valid", "test", ClassKey)
	if !errs.Is(err, errs.Config) {
		t.Fatalf("expected config error, got %v", err)
	}
	if !strings.Contains(err.Error(), "valid") {
		t.Errorf("error should name the missing key: %v", err)
	}

	m["valid"] = "v.csv"
	if err := m.Require("train", "valid", "test", ClassKey); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = fs.MkdirAll("adir", 0755)

	for _, name := range []string{"nope.txt", "adir"} {
		if _, err := Load(fs, name); !errs.Is(err, errs.NotFound) {
			t.Errorf("Load(%q) expected not found, got %v", name, err)
		}
	}
}

// countingFetcher records requested urls
type countingFetcher struct {
	urls []string
}

func (c *countingFetcher) Fetch(ctx context.Context, url, destDir string) (string, error) {
	c.urls = append(c.urls, url)
	name, err := fetch.FileName(url)
	if err != nil {
		return "", err
	}
	return destDir + "/" + name, nil
}

func TestResolveFetchesEachURLOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "m.txt", []byte("a,http://h/x.csv\nb,http://h/x.csv\nc,http://h/y.csv\nc,http://h/z.csv\n"), 0644)

	f := &countingFetcher{}
	r := &Resolver{Fs: fs, Fetcher: f}

	m, err := r.Resolve(context.Background(), "m.txt", "csv")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if !reflect.DeepEqual(f.urls, []string{"http://h/x.csv", "http://h/y.csv", "http://h/z.csv"}) {
		t.Errorf("unexpected fetches %v", f.urls)
	}

	want := Manifest{"a": "csv/x.csv", "b": "csv/x.csv", "c": "csv/z.csv"}
	if !reflect.DeepEqual(m, want) {
		t.Errorf("expected %v, got %v", want, m)
	}

	if ok, _ := afero.DirExists(fs, "csv"); !ok {
		t.Errorf("download dir should be created")
	}
}

func TestResolveTwiceIsIdempotent(t *testing.T) {
	var hits int32

	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()

	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
			atomic.AddInt32(&hits, 1)
			ctx.SetBodyString("ImageID,LabelName\n")
		})
	}()

	client := &fasthttp.Client{
		StreamResponseBody: true,
		Dial: func(addr string) (net.Conn, error) {
			return ln.Dial()
		},
	}

	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "m.txt", []byte(local), 0644)

	r := &Resolver{Fs: fs, Fetcher: &fetch.File{Client: client, Fs: fs, Quiet: true}}

	first, err := r.Resolve(context.Background(), "m.txt", "csv")
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	n := atomic.LoadInt32(&hits)
	if n != 5 {
		t.Errorf("expected 5 downloads, got %d", n)
	}

	second, err := r.Resolve(context.Background(), "m.txt", "csv")
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}

	if atomic.LoadInt32(&hits) != n {
		t.Errorf("second resolve should not touch the network")
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("mappings differ: %v vs %v", first, second)
	}
	if first["odd"] != "csv/x.csv" {
		t.Errorf("odd should map to csv/x.csv, got %q", first["odd"])
	}
}
