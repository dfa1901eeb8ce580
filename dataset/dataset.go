// Package dataset assembles a COCO detection dataset from the corpus
// manifests: labels are resolved once, then every split is extracted,
// materialized, denormalized and written.
package dataset

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/model-collapse/oid-coco/coco"
	"github.com/model-collapse/oid-coco/errs"
	"github.com/model-collapse/oid-coco/extract"
	"github.com/model-collapse/oid-coco/labels"
	"github.com/model-collapse/oid-coco/manifest"
	"github.com/model-collapse/oid-coco/materialize"
)

// DefaultSplits returns the splits built, in processing order
func DefaultSplits() []string {
	return []string{"train", "valid", "test"}
}

// Options tune an Assembler
type Options struct {
	// Splits to build, DefaultSplits when empty
	Splits []string
	// Supercategory of every category, coco.DefaultSupercategory when empty
	Supercategory string
	// Parallel builds the splits concurrently. Split directories are
	// disjoint; labels and categories are computed before the fan out.
	Parallel bool
	// Quiet disables progress bars
	Quiet bool
}

// Assembler builds the dataset
type Assembler struct {
	Fs           afero.Fs
	Materializer *materialize.Materializer
	Options
}

// SplitSummary describes one written split
type SplitSummary struct {
	Split       string
	File        string
	Images      int
	Annotations int
	// Requested is the number of images handed to the fetcher
	Requested int
	// FetchFailed is the number of images the fetcher could not download
	FetchFailed int
	// Dropped lists images left out because no readable file exists for
	// them (only under the skip policy)
	Dropped []string
	// Issues counts violated document invariants, see coco.Check
	Issues int
}

// Summary of a run
type Summary struct {
	LabelIDs   []string
	Categories []coco.Category
	Splits     []SplitSummary
}

// Assemble writes root/<split>/_annotations.coco.json and the split's images
// for every split. names are the target class display names; their order
// fixes the category ids.
func (a *Assembler) Assemble(ctx context.Context, m manifest.Manifest, names []string, root string) (*Summary, error) {
	splits := a.Splits
	if len(splits) == 0 {
		splits = DefaultSplits()
	}

	required := append(append([]string{}, splits...), manifest.ClassKey)
	if err := m.Require(required...); err != nil {
		return nil, err
	}

	labelIDs, err := labels.Resolve(a.Fs, m[manifest.ClassKey], names)
	if err != nil {
		return nil, err
	}

	super := a.Supercategory
	if super == "" {
		super = coco.DefaultSupercategory
	}

	summary := &Summary{
		LabelIDs:   labelIDs,
		Categories: coco.Categories(names, super),
		Splits:     make([]SplitSummary, len(splits)),
	}

	log.Info().Strs("classes", names).Strs("labels", labelIDs).Msg("resolved target classes")

	run := func(i int) error {
		s, err := a.split(ctx, splits[i], m[splits[i]], labelIDs, summary.Categories, root)
		if err != nil {
			return errors.Wrapf(err, "split %s", splits[i])
		}
		summary.Splits[i] = *s
		return nil
	}

	if !a.Parallel {
		for i := range splits {
			if err := run(i); err != nil {
				return nil, err
			}
		}
		return summary, nil
	}

	failures := make([]error, len(splits))
	wg := sync.WaitGroup{}
	wg.Add(len(splits))

	for i := range splits {
		go func(i int) {
			defer wg.Done()
			failures[i] = run(i)
		}(i)
	}

	wg.Wait()

	for _, err := range failures {
		if err != nil {
			return nil, err
		}
	}

	return summary, nil
}

func (a *Assembler) split(ctx context.Context, split, csvPath string, labelIDs []string, categories []coco.Category, root string) (*SplitSummary, error) {
	log.Info().Str("split", split).Str("file", csvPath).Msg("building split")

	ext, err := extract.Extract(a.Fs, csvPath, labelIDs, extract.Options{Quiet: a.Quiet})
	if err != nil {
		return nil, err
	}

	mat, err := a.Materializer.Materialize(ctx, ext.ImageIDs, split, root)
	if err != nil {
		return nil, err
	}

	doc, dropped, err := Build(ext, mat.Dimensions.Sizes, categories, a.Materializer.Read.Policy)
	if err != nil {
		return nil, err
	}

	s := &SplitSummary{
		Split:       split,
		File:        filepath.Join(root, split, coco.AnnotationFile),
		Images:      len(doc.Images),
		Annotations: len(doc.Annotations),
		Requested:   len(mat.Requested),
		FetchFailed: len(mat.Report.Failed),
		Dropped:     dropped,
	}

	if issues := coco.Check(doc); len(issues) > 0 {
		s.Issues = len(issues)
		log.Warn().Str("split", split).Int("issues", len(issues)).Str("first", issues[0]).
			Msg("annotation document has inconsistencies")
		for _, issue := range issues {
			log.Debug().Str("split", split).Msg(issue)
		}
	}

	if err := coco.Write(a.Fs, s.File, doc); err != nil {
		return nil, err
	}

	log.Info().Str("split", split).Int("images", s.Images).Int("annotations", s.Annotations).
		Int("dropped", len(dropped)).Str("file", s.File).Msg("split written")

	return s, nil
}

// Build turns one split's extraction into its COCO document. Boxes are
// scaled by the size of the image they belong to and area is that image's
// full pixel area. An image without a size is an integrity error under the
// abort policy; under the skip policy it is dropped together with its
// annotations and the remaining ids are renumbered densely in the same order.
func Build(ext *extract.Result, sizes map[string]materialize.Size, categories []coco.Category, policy materialize.CorruptPolicy) (doc *coco.Dataset, dropped []string, err error) {
	doc = coco.New(categories)

	// extraction image index -> document image id, -1 when dropped
	remap := make([]int, len(ext.ImageIDs))

	for k, key := range ext.ImageIDs {
		size, ok := sizes[key]
		if !ok {
			if policy == materialize.Abort {
				return nil, nil, errs.New(errs.Integrity, "assemble", key+materialize.ImageExt,
					"no readable image for %s", key)
			}
			remap[k] = -1
			dropped = append(dropped, key)
			continue
		}

		remap[k] = len(doc.Images)
		doc.Images = append(doc.Images, coco.Image{
			ID:       remap[k],
			FileName: key + materialize.ImageExt,
			Height:   size.Height,
			Width:    size.Width,
		})
	}

	for j, ann := range ext.Annotations {
		id := remap[ann.ImageID]
		if id < 0 {
			continue
		}

		img := doc.Images[id]
		doc.Annotations = append(doc.Annotations, coco.Annotation{
			ID:         len(doc.Annotations),
			ImageID:    id,
			CategoryID: ann.CategoryID,
			BBox:       coco.Denormalize(ext.Boxes[j], img.Width, img.Height),
			Area:       float64(img.Width * img.Height),
			IsCrowd:    0,
		})
	}

	if len(dropped) > 0 {
		log.Warn().Int("dropped", len(dropped)).Msg("images without a readable file left out")
	}

	return
}
