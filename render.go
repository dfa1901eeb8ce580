package main

import (
	"fmt"
	"image"
	"image/color"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"gocv.io/x/gocv"

	"github.com/model-collapse/oid-coco/coco"
	"github.com/model-collapse/oid-coco/errs"
	"github.com/model-collapse/oid-coco/trainer"
)

var (
	boxColor   = color.RGBA{255, 255, 0, 0}
	labelColor = color.RGBA{255, 0, 0, 255}
)

func drawBoundingBoxOnImage(img *gocv.Mat, bboxes []image.Rectangle, names []string) {
	for i, bbox := range bboxes {
		log.Debug().Str("name", names[i]).Msgf("rendering... %v", bbox)
		gocv.Rectangle(img, bbox, boxColor, 1)

		size := gocv.GetTextSize(names[i], gocv.FontHersheyComplex, 0.5, 1)
		org := image.Pt(bbox.Min.X, bbox.Min.Y-2)
		if org.Y-size.Y < 0 {
			org.Y = bbox.Min.Y + size.Y + 2
		}
		gocv.PutText(img, names[i], org, gocv.FontHersheyComplex, 0.5, labelColor, 1)
	}
}

// annotationBoxes returns the boxes drawn on image id and their category names
func annotationBoxes(doc *coco.Dataset, id int) (bboxes []image.Rectangle, names []string) {
	for _, a := range coco.ByImage(doc.Annotations)[id] {
		b := a.BBox
		bboxes = append(bboxes, image.Rect(int(b[0]), int(b[1]), int(b[0]+b[2]), int(b[1]+b[3])))

		name := fmt.Sprintf("#%d", a.CategoryID)
		if a.CategoryID >= 0 && a.CategoryID < len(doc.Categories) {
			name = doc.Categories[a.CategoryID].Name
		}
		names = append(names, name)
	}

	return
}

func detectionBoxes(det *trainer.Detections, classes []string) (bboxes []image.Rectangle, names []string) {
	for i, b := range det.Boxes {
		bboxes = append(bboxes, image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3])))

		name := fmt.Sprintf("id: %d", det.ClassIDs[i])
		if id := det.ClassIDs[i]; id >= 0 && id < len(classes) {
			name = classes[id]
		}
		names = append(names, fmt.Sprintf("%s (conf: %.2f)", name, det.Confidences[i]))
	}

	return
}

// renderPreview returns image id of a split as JPEG, its annotations drawn
// when box is set
func renderPreview(fs afero.Fs, dir string, doc *coco.Dataset, id int, box bool) (data []byte, err error) {
	if id < 0 || id >= len(doc.Images) {
		return nil, errs.New(errs.NotFound, "preview", dir, "no image %d", id)
	}

	file := filepath.Join(dir, doc.Images[id].FileName)
	raw, err := afero.ReadFile(fs, file)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "preview", file, err)
	}

	img, err := gocv.IMDecode(raw, gocv.IMReadColor)
	if err != nil {
		return nil, errs.Wrap(errs.Integrity, "preview", file, err)
	}
	defer img.Close()

	if img.Empty() {
		return nil, errs.New(errs.Integrity, "preview", file, "could not decode image")
	}

	if box {
		bboxes, names := annotationBoxes(doc, id)
		drawBoundingBoxOnImage(&img, bboxes, names)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, errs.Wrap(errs.Integrity, "preview", file, err)
	}
	defer buf.Close()

	data = append(data, buf.GetBytes()...)
	return
}

// saveDetections draws det over img and writes the result to path
func saveDetections(img image.Image, det *trainer.Detections, classes []string, path string) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return errs.Wrap(errs.Integrity, "save detections", path, err)
	}
	defer mat.Close()

	bboxes, names := detectionBoxes(det, classes)
	drawBoundingBoxOnImage(&mat, bboxes, names)

	if !gocv.IMWrite(path, mat) {
		return errs.New(errs.Integrity, "save detections", path, "could not write image")
	}

	return nil
}
