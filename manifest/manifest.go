// Package manifest resolves a "name,url" manifest into local file paths,
// downloading every referenced file once.
package manifest

import (
	"bufio"
	"context"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/model-collapse/oid-coco/errs"
)

// ClassKey is the manifest entry holding the label table
const ClassKey = "class"

// Entry is one manifest line
type Entry struct {
	Name string
	URL  string
}

// Manifest maps logical names (train, valid, test, class, ...) to local paths
type Manifest map[string]string

// Require fails with a config error naming the first key in keys that the
// manifest lacks.
func (m Manifest) Require(keys ...string) error {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return errs.New(errs.Config, "check manifest", k, "key %q is missing in the manifest", k)
		}
	}
	return nil
}

// Names returns the entry names in sorted order
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Parse reads manifest lines of the form "name,url". Blank lines, lines
// starting with '#' and lines without a comma are skipped. Only the first
// comma separates name from url.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, url, ok := strings.Cut(line, ",")
		if !ok {
			continue
		}

		entries = append(entries, Entry{Name: name, URL: url})
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "error reading manifest")
	}

	return entries, nil
}

// Load parses the manifest file at name.
func Load(fs afero.Fs, name string) ([]Entry, error) {
	info, err := fs.Stat(name)
	if err != nil || info.IsDir() {
		if err == nil {
			err = os.ErrNotExist
		}
		return nil, errs.Wrap(errs.NotFound, "load manifest", name, err)
	}

	f, err := fs.Open(name)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "load manifest", name, err)
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest %q", name)
	}

	return entries, nil
}

// Fetcher downloads url into destDir, reusing a file already there, and
// returns the local path.
type Fetcher interface {
	Fetch(ctx context.Context, url, destDir string) (string, error)
}

// Resolver turns a manifest file into a Manifest of local paths.
type Resolver struct {
	Fs      afero.Fs
	Fetcher Fetcher
}

// Resolve downloads every manifest entry into downloadDir. A url shared by
// several entries is fetched once; a name repeated later in the file
// overrides the earlier one.
func (r *Resolver) Resolve(ctx context.Context, manifestPath, downloadDir string) (Manifest, error) {
	entries, err := Load(r.Fs, manifestPath)
	if err != nil {
		return nil, err
	}

	if err := r.Fs.MkdirAll(downloadDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create download dir %q", downloadDir)
	}

	log.Info().Str("manifest", manifestPath).Int("files", len(entries)).Msg("resolving manifest")

	byURL := make(map[string]string, len(entries))
	m := make(Manifest, len(entries))

	for _, e := range entries {
		local, ok := byURL[e.URL]
		if !ok {
			if local, err = r.Fetcher.Fetch(ctx, e.URL, downloadDir); err != nil {
				return nil, errors.Wrapf(err, "manifest entry %q", e.Name)
			}
			byURL[e.URL] = local
		}
		m[e.Name] = local
	}

	return m, nil
}
