package fetch

import (
	"bufio"
	"context"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/valyala/fasthttp"

	"github.com/model-collapse/oid-coco/errs"
)

const (
	// DefaultConcurrency is the worker count used for bulk image fetches
	DefaultConcurrency = 5
	// DefaultImageBaseURL is the public bucket serving corpus images
	DefaultImageBaseURL = "https://open-images-dataset.s3.amazonaws.com"
)

// Job describes one bulk transfer. ImageList is a file of newline-delimited
// paths relative to the remote image root, e.g. "validation/0a1b2c.jpg".
// Each image lands in DownloadFolder under its base name.
type Job struct {
	DownloadFolder string
	ImageList      string
	Concurrency    int
}

// Failure is an image that could not be fetched
type Failure struct {
	Path string
	Err  error
}

// Report summarises a bulk transfer
type Report struct {
	Requested  int
	Downloaded int
	Skipped    int
	Failed     []Failure
}

// BulkFetcher transfers a batch of corpus images. Failures of individual
// images are reported, not returned as an error; an error means the batch as
// a whole could not run.
type BulkFetcher interface {
	Fetch(ctx context.Context, job Job) (*Report, error)
}

// ReadList loads an image list file, dropping blank lines.
func ReadList(fs afero.Fs, name string) ([]string, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "read image list", name, err)
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		paths = append(paths, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading image list %q", name)
	}

	return paths, nil
}

// HTTPBulkFetcher downloads every listed image from BaseURL with a fixed pool
// of workers.
type HTTPBulkFetcher struct {
	Client  *fasthttp.Client
	Fs      afero.Fs
	BaseURL string
	// Retries is the number of extra attempts for an image before it is
	// recorded as failed
	Retries int
	Quiet   bool
}

// NewHTTPBulkFetcher returns a fetcher reading from the public corpus bucket
// on the OS filesystem.
func NewHTTPBulkFetcher(c *fasthttp.Client) *HTTPBulkFetcher {
	if c == nil {
		c = defaultClient()
	}
	return &HTTPBulkFetcher{
		Client:  c,
		Fs:      afero.NewOsFs(),
		BaseURL: DefaultImageBaseURL,
		Retries: 1,
	}
}

type outcome int

const (
	downloaded outcome = iota
	skipped
	failed
)

// Fetch runs the job. A cancelled context stops scheduling new images and is
// returned as a transport error together with the partial report.
func (h *HTTPBulkFetcher) Fetch(ctx context.Context, job Job) (*Report, error) {
	paths, err := ReadList(h.Fs, job.ImageList)
	if err != nil {
		return nil, err
	}

	if err := h.Fs.MkdirAll(job.DownloadFolder, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create download folder %q", job.DownloadFolder)
	}

	workers := job.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}

	report := &Report{Requested: len(paths)}
	if len(paths) == 0 {
		return report, nil
	}

	log.Info().Str("folder", job.DownloadFolder).Int("images", len(paths)).
		Int("workers", workers).Msg("fetching images")

	var bar *progressbar.ProgressBar
	if !h.Quiet {
		bar = progressbar.Default(int64(len(paths)), "Downloading images")
	}

	chPath := make(chan string, 100)
	go func() {
		defer close(chPath)
		for _, p := range paths {
			select {
			case chPath <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	mu := sync.Mutex{}
	wg := sync.WaitGroup{}
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for p := range chPath {
				res, err := h.fetchOne(ctx, job.DownloadFolder, p)

				mu.Lock()
				switch res {
				case downloaded:
					report.Downloaded++
				case skipped:
					report.Skipped++
				case failed:
					report.Failed = append(report.Failed, Failure{Path: p, Err: err})
					log.Warn().Err(err).Str("image", p).Msg("image fetch failed")
				}
				mu.Unlock()

				if bar != nil {
					_ = bar.Add(1)
				}
			}
		}()
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return report, errs.Wrap(errs.Transport, "bulk fetch", job.DownloadFolder, err)
	}

	log.Info().Int("downloaded", report.Downloaded).Int("skipped", report.Skipped).
		Int("failed", len(report.Failed)).Msg("image fetch done")

	return report, nil
}

func (h *HTTPBulkFetcher) fetchOne(ctx context.Context, folder, rel string) (outcome, error) {
	dest := filepath.Join(folder, path.Base(rel))

	if ok, _ := afero.Exists(h.Fs, dest); ok {
		return skipped, nil
	}

	url := strings.TrimRight(h.BaseURL, "/") + "/" + strings.TrimLeft(rel, "/")

	var err error
	for attempt := 0; attempt <= h.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return failed, ctx.Err()
			}
		}

		if _, err = saveURL(ctx, h.client(), h.Fs, url, dest, nil); err == nil {
			return downloaded, nil
		}
	}

	return failed, errs.Wrap(errs.Transport, "fetch image", url, err)
}

func (h *HTTPBulkFetcher) client() *fasthttp.Client {
	if h.Client == nil {
		return defaultClient()
	}
	return h.Client
}
