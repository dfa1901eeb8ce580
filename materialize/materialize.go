// Package materialize downloads the images a split references and reads
// back their true pixel sizes.
package materialize

import (
	"bufio"
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/model-collapse/oid-coco/fetch"
)

// ImageExt is the extension of every corpus image
const ImageExt = ".jpg"

// DefaultRemoteSplits returns the local to remote split renames: the corpus
// bucket names the validation split in full.
func DefaultRemoteSplits() map[string]string {
	return map[string]string{"valid": "validation"}
}

// RequestPaths returns the remote relative path "<split>/<id>.jpg" of every
// id whose local file root/<split>/<id>.jpg does not exist yet. When split has
// a remote name, each occurrence of the split name in the path is replaced by
// it; the local layout keeps the short name.
func RequestPaths(fs afero.Fs, imageIDs []string, split, root string, remote map[string]string) ([]string, error) {
	rename, hasRename := remote[split]

	paths := make([]string, 0, len(imageIDs))
	for _, id := range imageIDs {
		rel := split + "/" + id + ImageExt

		exists, err := afero.Exists(fs, filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stat %q", rel)
		}
		if exists {
			continue
		}

		if hasRename {
			rel = strings.ReplaceAll(rel, split, rename)
		}
		paths = append(paths, rel)
	}

	return paths, nil
}

// Materializer fetches a split's images into root/<split> and reads their
// sizes.
type Materializer struct {
	Fs           afero.Fs
	Fetcher      fetch.BulkFetcher
	Concurrency  int
	RemoteSplits map[string]string
	Read         ReadOptions
}

// Result of materializing one split
type Result struct {
	Dimensions *Dimensions
	Report     *fetch.Report
	// Requested holds the remote paths handed to the fetcher
	Requested []string
}

// Materialize fetches the missing images of imageIDs and reads the size of
// every image in root/<split>.
func (m *Materializer) Materialize(ctx context.Context, imageIDs []string, split, root string) (*Result, error) {
	remote := m.RemoteSplits
	if remote == nil {
		remote = DefaultRemoteSplits()
	}

	paths, err := RequestPaths(m.Fs, imageIDs, split, root, remote)
	if err != nil {
		return nil, err
	}

	folder := filepath.Join(root, split)
	if err := m.Fs.MkdirAll(folder, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create %q", folder)
	}

	log.Info().Str("split", split).Int("images", len(imageIDs)).
		Int("missing", len(paths)).Msg("materializing images")

	res := &Result{Requested: paths, Report: &fetch.Report{}}

	if len(paths) > 0 {
		list, err := writeList(m.Fs, split, paths)
		if err != nil {
			return nil, err
		}
		defer m.Fs.Remove(list)

		concurrency := m.Concurrency
		if concurrency <= 0 {
			concurrency = fetch.DefaultConcurrency
		}

		res.Report, err = m.Fetcher.Fetch(ctx, fetch.Job{
			DownloadFolder: folder,
			ImageList:      list,
			Concurrency:    concurrency,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "split %s", split)
		}
	}

	if res.Dimensions, err = ReadDimensions(m.Fs, folder, m.Read); err != nil {
		return nil, errors.Wrapf(err, "split %s", split)
	}

	return res, nil
}

func writeList(fs afero.Fs, split string, paths []string) (string, error) {
	f, err := afero.TempFile(fs, "", "oid-coco-"+split+"-*.txt")
	if err != nil {
		return "", errors.Wrap(err, "failed to create image list")
	}

	w := bufio.NewWriter(f)
	for _, p := range paths {
		_, _ = w.WriteString(p)
		_ = w.WriteByte('\n')
	}

	err = w.Flush()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fs.Remove(f.Name())
		return "", errors.Wrap(err, "failed to write image list")
	}

	return f.Name(), nil
}
