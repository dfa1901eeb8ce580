// Package coco holds the COCO detection document written for every split and
// the helpers to build, write and read it back.
package coco

import (
	"fmt"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/model-collapse/oid-coco/errs"
)

// AnnotationFile is the name of the COCO document inside a split directory
const AnnotationFile = "_annotations.coco.json"

// DefaultSupercategory is used for every category
const DefaultSupercategory = "none"

type Category struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory"`
}

type Image struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Height   int    `json:"height"`
	Width    int    `json:"width"`
}

// BBox is [x, y, width, height] in absolute pixels
type BBox [4]float64

type Annotation struct {
	ID         int     `json:"id"`
	ImageID    int     `json:"image_id"`
	CategoryID int     `json:"category_id"`
	BBox       BBox    `json:"bbox"`
	Area       float64 `json:"area"`
	IsCrowd    int     `json:"iscrowd"`
}

// Dataset is one split's annotation document
type Dataset struct {
	Info        map[string]interface{} `json:"info"`
	Licenses    map[string]interface{} `json:"licenses"`
	Categories  []Category             `json:"categories"`
	Images      []Image                `json:"images"`
	Annotations []Annotation           `json:"annotations"`
}

// New returns an empty document over categories. Info and licenses are
// written as empty objects, images and annotations as empty arrays.
func New(categories []Category) *Dataset {
	if categories == nil {
		categories = []Category{}
	}

	return &Dataset{
		Info:        map[string]interface{}{},
		Licenses:    map[string]interface{}{},
		Categories:  categories,
		Images:      []Image{},
		Annotations: []Annotation{},
	}
}

// Categories builds the category list: id is the position in names.
func Categories(names []string, supercategory string) []Category {
	cats := make([]Category, len(names))
	for i, n := range names {
		cats[i] = Category{ID: i, Name: n, Supercategory: supercategory}
	}
	return cats
}

// Denormalize converts a normalized [xmin, ymin, xmax, ymax] box into an
// absolute [x, y, w, h] box of a width x height image.
func Denormalize(xyxyn [4]float64, width, height int) BBox {
	w, h := float64(width), float64(height)

	return BBox{
		xyxyn[0] * w,
		xyxyn[1] * h,
		(xyxyn[2] - xyxyn[0]) * w,
		(xyxyn[3] - xyxyn[1]) * h,
	}
}

// Write stores doc at name, indented with four spaces. The document is
// written next to its final name and renamed into place.
func Write(fs afero.Fs, name string, doc *Dataset) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return errors.Wrap(err, "failed to encode COCO document")
	}

	if err := fs.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return errors.Wrapf(err, "failed to create %q", filepath.Dir(name))
	}

	tmp := name + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", tmp)
	}

	if err := fs.Rename(tmp, name); err != nil {
		_ = fs.Remove(tmp)
		return errors.Wrapf(err, "failed to write %q", name)
	}

	return nil
}

// Load reads a COCO document
func Load(fs afero.Fs, name string) (ret *Dataset, err error) {
	data, err := afero.ReadFile(fs, name)
	if err != nil {
		err = errs.Wrap(errs.NotFound, "load annotations", name, err)
		return
	}

	if err = json.Unmarshal(data, &ret); err != nil {
		err = errs.Wrap(errs.Integrity, "load annotations", name, err)
		return
	}

	return
}

// FileNameIndex maps image id to file name
func FileNameIndex(imgs []Image) (ret map[int]string) {
	ret = make(map[int]string, len(imgs))
	for _, img := range imgs {
		ret[img.ID] = img.FileName
	}

	return
}

// ByImage groups annotations by image id, keeping document order
func ByImage(anns []Annotation) (ret map[int][]Annotation) {
	ret = make(map[int][]Annotation)
	for _, a := range anns {
		ret[a.ImageID] = append(ret[a.ImageID], a)
	}

	return
}

// Check lists every violated invariant of doc: sequential ids, annotations
// pointing at existing images and categories, boxes inside their image.
// Boxes are not clamped anywhere; callers decide how to report.
func Check(doc *Dataset) (issues []string) {
	for i, img := range doc.Images {
		if img.ID != i {
			issues = append(issues, fmt.Sprintf("image %d has id %d", i, img.ID))
		}
	}

	const eps = 1e-6

	for i, a := range doc.Annotations {
		if a.ID != i {
			issues = append(issues, fmt.Sprintf("annotation %d has id %d", i, a.ID))
		}

		if a.CategoryID < 0 || a.CategoryID >= len(doc.Categories) {
			issues = append(issues, fmt.Sprintf("annotation %d has unknown category %d", i, a.CategoryID))
		}

		if a.ImageID < 0 || a.ImageID >= len(doc.Images) {
			issues = append(issues, fmt.Sprintf("annotation %d points at missing image %d", i, a.ImageID))
			continue
		}

		img := doc.Images[a.ImageID]
		b := a.BBox
		if b[0] < -eps || b[1] < -eps || b[2] < -eps || b[3] < -eps ||
			b[0]+b[2] > float64(img.Width)+eps || b[1]+b[3] > float64(img.Height)+eps {
			issues = append(issues, fmt.Sprintf("annotation %d box %v outside image %d (%dx%d)",
				i, b, img.ID, img.Width, img.Height))
		}
	}

	return
}
