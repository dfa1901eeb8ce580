// Package extract streams a per-split bounding box annotation file and keeps
// the rows of the target labels.
package extract

import (
	"bufio"
	"encoding/csv"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"

	"github.com/model-collapse/oid-coco/errs"
	"github.com/model-collapse/oid-coco/index"
)

// Column names of the annotation files
const (
	ImageIDColumn   = "ImageID"
	LabelNameColumn = "LabelName"
	XMinColumn      = "XMin"
	YMinColumn      = "YMin"
	XMaxColumn      = "XMax"
	YMaxColumn      = "YMax"
)

var boxColumns = [4]string{XMinColumn, YMinColumn, XMaxColumn, YMaxColumn}

// Annotation ties a kept row to the dense index of its image and the
// position of its label in the target labels.
type Annotation struct {
	ImageID    int
	CategoryID int
}

// Box is a normalized [xmin, ymin, xmax, ymax] in [0,1]
type Box [4]float64

// Result is what one split yields. Annotations and Boxes are index aligned
// and follow input row order; ImageIDs[k] is the image every annotation with
// ImageID k refers to.
type Result struct {
	ImageIDs    []string
	Annotations []Annotation
	Boxes       []Box
}

// Options tune Extract
type Options struct {
	// Quiet disables the progress bar
	Quiet bool
}

// Extract streams the annotation file at name. Only the kept rows and the
// distinct images they reference are held in memory.
func Extract(fs afero.Fs, name string, labels []string, opts Options) (*Result, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "extract", name, err)
	}
	defer f.Close()

	var r io.Reader = f

	if !opts.Quiet {
		size := int64(-1)
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
		bar := progressbar.DefaultBytes(size, "Processing "+filepath.Base(name))
		defer bar.Close()
		r = io.TeeReader(f, bar)
	}

	res, err := FromReader(r, labels)
	if err != nil {
		return nil, errors.Wrapf(err, "annotation file %q", name)
	}

	if info, err := f.Stat(); err == nil {
		log.Info().Str("file", name).Str("size", humanize.Bytes(uint64(info.Size()))).
			Int("images", len(res.ImageIDs)).Int("annotations", len(res.Annotations)).
			Msg("extracted annotations")
	}

	return res, nil
}

// FromReader extracts from an annotation CSV stream. A row is kept when its
// label is one of labels; its category is the first position of that label in
// labels. Images get dense indices in the order kept rows first reference
// them.
func FromReader(r io.Reader, labels []string) (*Result, error) {
	categories := index.Of(labels...)
	images := index.New[string]()

	reader := csv.NewReader(bufio.NewReaderSize(r, 1<<20))
	reader.ReuseRecord = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return &Result{}, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Integrity, "extract", "header", err)
	}

	cols, err := locate(header)
	if err != nil {
		return nil, err
	}

	res := &Result{}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.Integrity, "extract", "row", err)
		}

		// a row too short to carry a label cannot match one
		if len(row) <= cols.label {
			continue
		}

		category, ok := categories.Lookup(row[cols.label])
		if !ok {
			continue
		}

		if len(row) <= cols.max {
			line, _ := reader.FieldPos(0)
			return nil, errs.New(errs.Integrity, "extract", "line "+strconv.Itoa(line),
				"expected at least %d fields, got %d", cols.max+1, len(row))
		}

		var box Box
		for i, c := range cols.box {
			if box[i], err = strconv.ParseFloat(strings.TrimSpace(row[c]), 64); err != nil {
				line, _ := reader.FieldPos(c)
				return nil, errs.New(errs.Integrity, "extract", "line "+strconv.Itoa(line),
					"bad %s value %q", boxColumns[i], row[c])
			}
		}

		imageID := row[cols.image]
		img, seen := images.Lookup(imageID)
		if !seen {
			// the record buffer is shared with the whole line, keep only the id
			img, _ = images.Assign(strings.Clone(imageID))
		}

		res.Annotations = append(res.Annotations, Annotation{ImageID: img, CategoryID: category})
		res.Boxes = append(res.Boxes, box)
	}

	res.ImageIDs = images.Keys()
	return res, nil
}

type columns struct {
	image int
	label int
	box   [4]int
	max   int
}

func locate(header []string) (c columns, err error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}

	find := func(name string) int {
		i, ok := pos[name]
		if !ok && err == nil {
			err = errs.New(errs.Integrity, "extract", "header", "missing column %s in %v", name, header)
		}
		if i > c.max {
			c.max = i
		}
		return i
	}

	c.image = find(ImageIDColumn)
	c.label = find(LabelNameColumn)
	for i, name := range boxColumns {
		c.box[i] = find(name)
	}

	return
}
