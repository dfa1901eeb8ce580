package fetch

import (
	"context"
	"net/url"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/valyala/fasthttp"

	"github.com/model-collapse/oid-coco/errs"
)

// File downloads single files into a directory. A file already present under
// its URL's base name is reused and never fetched again.
type File struct {
	Client *fasthttp.Client
	Fs     afero.Fs
	// Quiet disables the progress bar
	Quiet bool
}

// NewFile returns a File downloader on the OS filesystem.
func NewFile(c *fasthttp.Client) *File {
	if c == nil {
		c = defaultClient()
	}
	return &File{Client: c, Fs: afero.NewOsFs()}
}

// FileName returns the local file name used for rawURL, the base name of its
// path.
func FileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errs.Wrap(errs.Config, "parse url", rawURL, err)
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", errs.New(errs.Config, "parse url", rawURL, "could not extract filename from URL")
	}

	return name, nil
}

// Fetch downloads rawURL into destDir and returns the local path. destDir is
// created when missing.
func (f *File) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	name, err := FileName(rawURL)
	if err != nil {
		return "", err
	}

	if err := f.Fs.MkdirAll(destDir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create download dir %q", destDir)
	}

	dest := filepath.Join(destDir, name)

	exists, err := afero.Exists(f.Fs, dest)
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat %q", dest)
	}
	if exists {
		log.Info().Str("file", dest).Msg("already exists, skipping download")
		return dest, nil
	}

	log.Info().Str("file", dest).Str("url", rawURL).Msg("downloading")

	n, err := saveURL(ctx, f.client(), f.Fs, rawURL, dest, byteBar(f.Quiet, name))
	if err != nil {
		return "", errs.Wrap(errs.Transport, "download", rawURL,
			errors.Wrapf(err, "failed to download %s", name))
	}

	log.Info().Str("file", dest).Str("size", humanize.Bytes(uint64(n))).Msg("download done")
	return dest, nil
}

func (f *File) client() *fasthttp.Client {
	if f.Client == nil {
		return defaultClient()
	}
	return f.Client
}
