package main

import (
	"image"
	"math"
	"strings"

	"github.com/model-collapse/oid-coco/coco"
)

// boxPolygon returns the outline of an annotation box as x0, y0, x1, y1, ...
func boxPolygon(b coco.BBox) []float64 {
	x0, y0 := b[0], b[1]
	x1, y1 := b[0]+b[2], b[1]+b[3]

	return []float64{x0, y0, x1, y0, x1, y1, x0, y1}
}

func extractBoundingBox(bds []float64) (r image.Rectangle) {
	r.Min = image.Point{X: math.MaxInt32, Y: math.MaxInt32}
	r.Max = image.Point{X: math.MinInt32, Y: math.MinInt32}

	for i := 0; i+1 < len(bds); i += 2 {
		x := bds[i]
		y := bds[i+1]

		r.Min.X = min(r.Min.X, int(math.Floor(x)))
		r.Min.Y = min(r.Min.Y, int(math.Floor(y)))

		r.Max.X = max(r.Max.X, int(math.Ceil(x)))
		r.Max.Y = max(r.Max.Y, int(math.Ceil(y)))
	}

	return
}

// categoryDir names the output folder of a category
func categoryDir(categories []coco.Category, id int) string {
	if id < 0 || id >= len(categories) {
		return "unknown"
	}

	name := strings.TrimSpace(categories[id].Name)
	name = strings.NewReplacer(" ", "_", "/", "_", "\\", "_").Replace(name)
	if name == "" || name == "." || name == ".." {
		return "unknown"
	}
	return name
}
