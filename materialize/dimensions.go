package materialize

import (
	"image"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/model-collapse/oid-coco/errs"
)

// CorruptPolicy decides what an unreadable image does to its split
type CorruptPolicy int

const (
	// Abort fails the split on the first unreadable image
	Abort CorruptPolicy = iota
	// Skip leaves unreadable images out and lists them in Dimensions.Corrupt
	Skip
)

// String returns the config name of the policy
func (p CorruptPolicy) String() string {
	if p == Skip {
		return "skip"
	}
	return "abort"
}

// ParsePolicy reads "abort" or "skip"; empty means abort.
func ParsePolicy(s string) (CorruptPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return Abort, nil
	case "skip":
		return Skip, nil
	}
	return Abort, errs.New(errs.Config, "parse corrupt policy", s, "expected abort or skip")
}

// ReadOptions tune ReadDimensions
type ReadOptions struct {
	Policy CorruptPolicy
	// Verify decodes every image fully instead of reading its header only,
	// catching truncated files
	Verify bool
}

// Size of one image in pixels
type Size struct {
	Width  int
	Height int
}

// Corrupt is an image whose size could not be read
type Corrupt struct {
	File string
	Err  error
}

// Dimensions maps image key (file name without extension) to its size
type Dimensions struct {
	Sizes   map[string]Size
	Corrupt []Corrupt
}

// ReadDimensions opens every .jpg file (any case) in dir and records its
// pixel size.
func ReadDimensions(fs afero.Fs, dir string, opts ReadOptions) (*Dimensions, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "read dimensions", dir, err)
	}

	dims := &Dimensions{Sizes: make(map[string]Size, len(entries))}

	for _, entry := range entries {
		name := entry.Name()
		ext := filepath.Ext(name)
		if entry.IsDir() || !strings.EqualFold(ext, ".jpg") {
			continue
		}

		file := filepath.Join(dir, name)

		size, err := probe(fs, file, opts.Verify)
		if err != nil {
			if opts.Policy == Abort {
				return nil, errs.Wrap(errs.Integrity, "read dimensions", file, err)
			}
			log.Warn().Err(err).Str("file", file).Msg("unreadable image skipped")
			dims.Corrupt = append(dims.Corrupt, Corrupt{File: file, Err: err})
			continue
		}

		dims.Sizes[strings.TrimSuffix(name, ext)] = size
	}

	return dims, nil
}

func probe(fs afero.Fs, file string, verify bool) (s Size, err error) {
	f, err := fs.Open(file)
	if err != nil {
		return
	}
	defer f.Close()

	if verify {
		var img image.Image
		if img, _, err = image.Decode(f); err != nil {
			err = errors.Wrap(err, "decode")
			return
		}
		b := img.Bounds()
		s = Size{Width: b.Dx(), Height: b.Dy()}
	} else {
		var conf image.Config
		if conf, _, err = image.DecodeConfig(f); err != nil {
			err = errors.Wrap(err, "decode header")
			return
		}
		s = Size{Width: conf.Width, Height: conf.Height}
	}

	if s.Width <= 0 || s.Height <= 0 {
		err = errors.Errorf("empty image %dx%d", s.Width, s.Height)
	}

	return
}
