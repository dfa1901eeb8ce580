// Package trainer is the client side of the detection model: training
// parameters, the Trainer and Predictor contracts and a Remote adapter
// talking to a model service over HTTP.
package trainer

import (
	"context"
	"image"
	"path/filepath"
	"strings"
	"time"

	"github.com/model-collapse/oid-coco/errs"
)

// ModelSizes lists the accepted model size selectors, smallest first
var ModelSizes = []string{"nano", "small", "medium", "base", "large"}

// Params of one fine tuning run
type Params struct {
	DatasetDir     string  `json:"dataset_dir" yaml:"dataset_dir"`
	Epochs         int     `json:"epochs" yaml:"epochs"`
	BatchSize      int     `json:"batch_size" yaml:"batch_size"`
	GradAccumSteps int     `json:"grad_accum_steps" yaml:"grad_accum_steps"`
	LR             float64 `json:"lr" yaml:"lr"`
	OutputDir      string  `json:"output_dir" yaml:"output_dir"`
	ModelSize      string  `json:"model_size" yaml:"model_size"`
	EarlyStopping  bool    `json:"early_stopping" yaml:"early_stopping"`
	NumClasses     int     `json:"num_classes" yaml:"num_classes"`
}

// DefaultParams returns the stock fine tuning setup
func DefaultParams() Params {
	return Params{
		Epochs:         10,
		BatchSize:      8,
		GradAccumSteps: 1,
		LR:             1e-4,
		ModelSize:      "base",
	}
}

// Validate reports the first unusable parameter as a config error
func (p Params) Validate() error {
	const op = "validate training params"

	switch {
	case p.DatasetDir == "":
		return errs.New(errs.Config, op, "dataset_dir", "dataset directory is required")
	case p.OutputDir == "":
		return errs.New(errs.Config, op, "output_dir", "output directory is required")
	case p.Epochs <= 0:
		return errs.New(errs.Config, op, "epochs", "expected a positive value, got %d", p.Epochs)
	case p.BatchSize <= 0:
		return errs.New(errs.Config, op, "batch_size", "expected a positive value, got %d", p.BatchSize)
	case p.GradAccumSteps <= 0:
		return errs.New(errs.Config, op, "grad_accum_steps", "expected a positive value, got %d", p.GradAccumSteps)
	case p.LR <= 0:
		return errs.New(errs.Config, op, "lr", "expected a positive value, got %g", p.LR)
	case p.NumClasses < 0:
		return errs.New(errs.Config, op, "num_classes", "expected a non negative value, got %d", p.NumClasses)
	}

	for _, s := range ModelSizes {
		if p.ModelSize == s {
			return nil
		}
	}

	return errs.New(errs.Config, op, "model_size", "%q not recognized, available sizes: %s",
		p.ModelSize, strings.Join(ModelSizes, ", "))
}

// EpochMetrics is what the model reports at the end of an epoch
type EpochMetrics struct {
	Epoch   int                `json:"epoch"`
	Metrics map[string]float64 `json:"metrics"`
}

// History holds one entry per finished epoch, in order
type History []EpochMetrics

// Trainer fine tunes a detection model on a COCO dataset directory
type Trainer interface {
	Train(ctx context.Context, p Params) (History, error)
}

// Detections are index aligned: box i has class ClassIDs[i] with
// confidence Confidences[i]. Boxes are absolute [xmin, ymin, xmax, ymax].
type Detections struct {
	Boxes       [][4]float64 `json:"xyxy"`
	ClassIDs    []int        `json:"class_id"`
	Confidences []float64    `json:"confidence"`
}

// Len returns the number of detections
func (d *Detections) Len() int {
	return len(d.Boxes)
}

func (d *Detections) check() error {
	if len(d.ClassIDs) != len(d.Boxes) || len(d.Confidences) != len(d.Boxes) {
		return errs.New(errs.Integrity, "predict", "",
			"misaligned detections: %d boxes, %d classes, %d confidences",
			len(d.Boxes), len(d.ClassIDs), len(d.Confidences))
	}
	return nil
}

// Predictor runs a trained model on one image
type Predictor interface {
	Predict(ctx context.Context, img image.Image) (*Detections, error)
}

// DefaultResultFolder names a run after its classes and start minute:
// results/<class>_<class>_<YYYYMMDD_HHMM>.
func DefaultResultFolder(classes []string, now time.Time) string {
	return filepath.Join("results", strings.Join(classes, "_")+"_"+now.Format("20060102_1504"))
}
