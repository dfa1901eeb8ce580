package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"

	_ "image/jpeg"

	"github.com/llgcode/draw2d/draw2dimg"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/model-collapse/oid-coco/coco"
)

type extractor struct {
	fs         afero.Fs
	dir        string
	out        string
	fns        map[int]string
	categories []coco.Category
}

func (e *extractor) extractObject(a coco.Annotation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("stack", string(debug.Stack())).Msgf("Panic = %v", r)
			err = errors.Errorf("annotation %d: panic %v", a.ID, r)
		}
	}()

	fn, ok := e.fns[a.ImageID]
	if !ok {
		return errors.Errorf("annotation %d: image id %d, does not exist", a.ID, a.ImageID)
	}

	f, err := e.fs.Open(filepath.Join(e.dir, fn))
	if err != nil {
		return errors.Wrapf(err, "annotation %d", a.ID)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return errors.Wrapf(err, "annotation %d: decode %s", a.ID, fn)
	}

	bc := boxPolygon(a.BBox)
	bnd := extractBoundingBox(bc).Intersect(img.Bounds())
	if bnd.Empty() {
		return errors.Errorf("annotation %d: boundary out of image scope", a.ID)
	}

	nbnd := image.Rectangle{Max: bnd.Size()}

	// boxes are in float pixels; the anti-aliased fill leaves the pixels the
	// box only partly covers semi-transparent
	mask := image.NewRGBA(nbnd)
	gc := draw2dimg.NewGraphicContext(mask)
	gc.SetFillColor(color.RGBA{0, 0, 0, 255})

	gc.MoveTo(bc[len(bc)-2]-float64(bnd.Min.X), bc[len(bc)-1]-float64(bnd.Min.Y))
	for i := 0; i < len(bc); i += 2 {
		gc.LineTo(bc[i]-float64(bnd.Min.X), bc[i+1]-float64(bnd.Min.Y))
	}

	gc.Close()
	gc.Fill()

	patch := image.NewRGBA(nbnd)
	draw.DrawMask(patch, nbnd, img, bnd.Min, mask, image.Point{}, draw.Src)

	dir := filepath.Join(e.out, categoryDir(e.categories, a.CategoryID))
	if err := e.fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "annotation %d", a.ID)
	}

	fw, err := e.fs.OpenFile(filepath.Join(dir, fmt.Sprintf("%d.png", a.ID)), os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "annotation %d", a.ID)
	}
	defer fw.Close()

	if err := png.Encode(fw, patch); err != nil {
		return errors.Wrapf(err, "annotation %d", a.ID)
	}

	return nil
}

// extractSplit writes a patch for every annotation of the split in dir and
// returns how many were written and how many failed
func extractSplit(fs afero.Fs, dir, out string, workers int) (written, failed int64, err error) {
	annFile, err := coco.Load(fs, filepath.Join(dir, coco.AnnotationFile))
	if err != nil {
		return
	}

	log.Info().Int("annotations", len(annFile.Annotations)).Int("images", len(annFile.Images)).Str("split", dir).Msg("loaded")

	e := &extractor{
		fs:         fs,
		dir:        dir,
		out:        out,
		fns:        coco.FileNameIndex(annFile.Images),
		categories: annFile.Categories,
	}

	if workers <= 0 {
		workers = 1
	}

	chAnn := make(chan coco.Annotation, 100)
	go func() {
		for _, a := range annFile.Annotations {
			chAnn <- a
		}

		close(chAnn)
	}()

	wg := sync.WaitGroup{}
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()

			for a := range chAnn {
				if err := e.extractObject(a); err != nil {
					log.Warn().Err(err).Msg("skipped")
					atomic.AddInt64(&failed, 1)
					continue
				}
				atomic.AddInt64(&written, 1)
			}
		}()
	}

	wg.Wait()
	return
}

func main() {
	root := flag.String("dataset", "dataset", "root of the COCO dataset")
	split := flag.String("split", "train", "split to crop")
	out := flag.String("out", "objs", "output folder, one subfolder per category")
	workers := flag.Int("workers", 10, "parallel workers")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	written, failed, err := extractSplit(afero.NewOsFs(), filepath.Join(*root, *split), *out, *workers)
	if err != nil {
		log.Fatal().Err(err).Msg("failed")
	}

	log.Info().Int64("written", written).Int64("failed", failed).Str("out", *out).Msg("done")
}
