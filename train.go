package main

import (
	"context"
	"image"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	http "github.com/valyala/fasthttp"

	"github.com/model-collapse/oid-coco/errs"
	"github.com/model-collapse/oid-coco/trainer"
)

const historyFile = "history.json"

func newRemote(conf *Config) *trainer.Remote {
	return trainer.NewRemote(&http.Client{Name: "oid-coco"}, conf.TrainerURL)
}

// train builds the dataset and fine tunes the remote model on it
func train(ctx context.Context, fs afero.Fs, conf *Config) error {
	remote := newRemote(conf)
	if err := remote.CheckHealth(ctx); err != nil {
		return errors.Wrap(err, "model service is not reachable")
	}

	summary, err := build(ctx, fs, conf)
	if err != nil {
		return err
	}

	p := conf.Training
	p.DatasetDir = conf.DatasetFolder
	p.OutputDir = conf.ResultFolder
	if p.OutputDir == "" {
		p.OutputDir = trainer.DefaultResultFolder(conf.Classes, time.Now())
	}
	p.NumClasses = len(summary.Categories)

	log.Info().Msg("------ Step 3: Fine tuning ------")

	history, err := remote.Train(ctx, p)
	if err != nil {
		return err
	}

	for _, epoch := range history {
		ev := log.Info().Int("epoch", epoch.Epoch)
		for k, v := range epoch.Metrics {
			ev = ev.Float64(k, v)
		}
		ev.Msg("epoch done")
	}

	return saveHistory(fs, p.OutputDir, p, history)
}

func saveHistory(fs afero.Fs, dir string, p trainer.Params, history trainer.History) error {
	data, err := json.MarshalIndent(struct {
		Params  trainer.Params  `json:"params"`
		History trainer.History `json:"history"`
	}{p, history}, "", "    ")
	if err != nil {
		return errors.Wrap(err, "failed to encode history")
	}

	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errs.Wrap(errs.Config, "save history", dir, err)
	}

	file := filepath.Join(dir, historyFile)
	if err := afero.WriteFile(fs, file, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", file)
	}

	log.Info().Str("file", file).Int("epochs", len(history)).Msg("history saved")
	return nil
}

// predict runs the remote model on one image and saves it annotated
func predict(ctx context.Context, fs afero.Fs, conf *Config, input, output, checkpoint string, width int) error {
	f, err := fs.Open(input)
	if err != nil {
		return errs.Wrap(errs.NotFound, "predict", input, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return errs.Wrap(errs.Integrity, "predict", input, err)
	}

	remote := newRemote(conf)
	remote.Width = width
	remote.Checkpoint = checkpoint

	det, err := remote.Predict(ctx, img)
	if err != nil {
		return err
	}

	if det.Len() == 0 {
		log.Info().Msg("No detections to annotate.")
	}

	if err := saveDetections(img, det, conf.Classes, output); err != nil {
		return err
	}

	log.Info().Str("file", output).Int("detections", det.Len()).Msg("Image saved")
	return nil
}
