package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	http "github.com/valyala/fasthttp"

	"github.com/model-collapse/oid-coco/dataset"
	"github.com/model-collapse/oid-coco/fetch"
	"github.com/model-collapse/oid-coco/manifest"
	"github.com/model-collapse/oid-coco/materialize"
)

func newBulkFetcher(ctx context.Context, fs afero.Fs, conf *Config, client *http.Client, file *fetch.File) (fetch.BulkFetcher, error) {
	if conf.Fetcher == FetcherScript {
		script := conf.ScriptPath
		if ok, _ := afero.Exists(fs, script); !ok {
			var err error
			if script, err = file.Fetch(ctx, fetch.DownloaderScriptURL, filepath.Dir(script)); err != nil {
				return nil, err
			}
		}

		return &fetch.ScriptFetcher{
			Python: conf.Python,
			Script: script,
			Stdout: os.Stderr,
			Stderr: os.Stderr,
		}, nil
	}

	f := fetch.NewHTTPBulkFetcher(client)
	f.Fs = fs
	f.BaseURL = conf.ImageBaseURL
	f.Retries = conf.Retries
	f.Quiet = conf.Quiet
	return f, nil
}

// build downloads the manifest files and assembles the dataset
func build(ctx context.Context, fs afero.Fs, conf *Config) (*dataset.Summary, error) {
	timeout, err := conf.TimeoutDuration()
	if err != nil {
		return nil, err
	}

	policy, err := materialize.ParsePolicy(conf.CorruptPolicy)
	if err != nil {
		return nil, err
	}

	client := fetch.NewClient(timeout)
	file := &fetch.File{Client: client, Fs: fs, Quiet: conf.Quiet}

	log.Info().Msg("------ Step 1: Download files ------")

	resolver := &manifest.Resolver{Fs: fs, Fetcher: file}
	m, err := resolver.Resolve(ctx, conf.ManifestPath, conf.CSVFolder)
	if err != nil {
		return nil, err
	}

	bulk, err := newBulkFetcher(ctx, fs, conf, client, file)
	if err != nil {
		return nil, err
	}

	log.Info().Msg("------ Step 2: Dataset creation ------")

	a := &dataset.Assembler{
		Fs: fs,
		Materializer: &materialize.Materializer{
			Fs:           fs,
			Fetcher:      bulk,
			Concurrency:  conf.Concurrency,
			RemoteSplits: conf.RemoteSplits,
			Read:         materialize.ReadOptions{Policy: policy, Verify: conf.Verify},
		},
		Options: dataset.Options{
			Splits:        conf.Splits,
			Supercategory: conf.Supercategory,
			Parallel:      conf.Parallel,
			Quiet:         conf.Quiet,
		},
	}

	summary, err := a.Assemble(ctx, m, conf.Classes, conf.DatasetFolder)
	if err != nil {
		return nil, err
	}

	for _, s := range summary.Splits {
		log.Info().Str("split", s.Split).
			Str("images", humanize.Comma(int64(s.Images))).
			Str("annotations", humanize.Comma(int64(s.Annotations))).
			Int("fetch_failed", s.FetchFailed).
			Int("dropped", len(s.Dropped)).
			Int("issues", s.Issues).
			Str("file", s.File).Msg("summary")
	}

	return summary, nil
}
