package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/model-collapse/oid-coco/errs"
	"github.com/model-collapse/oid-coco/trainer"
)

const usage = `usage: oid-coco [-v] [-json-log] <command> [flags] [class ...]

commands:
  build    download annotations and images, write the COCO dataset
  train    build, then fine tune the model service on the dataset
  predict  run the model service on one image and save it annotated
  serve    serve annotations and previews of a built dataset
`

func setupLogging(verbose, jsonLog bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if !jsonLog {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

func run(ctx context.Context, fs afero.Fs, args []string) error {
	cmd, args := args[0], args[1:]
	set := flag.NewFlagSet(cmd, flag.ContinueOnError)

	switch cmd {
	case "build":
		if err := parseConfig(fs, set, args, &GConf); err != nil {
			return err
		}
		if err := GConf.Validate(); err != nil {
			return err
		}
		_, err := build(ctx, fs, &GConf)
		return err

	case "train":
		if err := parseConfig(fs, set, args, &GConf); err != nil {
			return err
		}
		if err := GConf.Validate(); err != nil {
			return err
		}
		return train(ctx, fs, &GConf)

	case "predict":
		input := set.String("image", "", "input image")
		output := set.String("output", "output.jpg", "annotated output image")
		width := set.Int("width", trainer.DefaultPredictWidth, "width the image is scaled to before inference")
		checkpoint := set.String("checkpoint", "", "checkpoint the service predicts with, its latest when empty")
		if err := parseConfig(fs, set, args, &GConf); err != nil {
			return err
		}
		if *input == "" {
			return errs.New(errs.Config, "predict", "image", "an input image is required")
		}
		return predict(ctx, fs, &GConf, *input, *output, *checkpoint, *width)

	case "serve":
		if err := parseConfig(fs, set, args, &GConf); err != nil {
			return err
		}
		return serve(ctx, fs, &GConf)
	}

	return errs.New(errs.Config, "parse command", cmd, "unknown command")
}

func main() {
	verbose := flag.Bool("v", false, "debug logging")
	jsonLog := flag.Bool("json-log", false, "log JSON lines instead of console output")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	setupLogging(*verbose, *jsonLog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, afero.NewOsFs(), flag.Args())
	if err == nil {
		return
	}

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}

	log.Error().Err(err).Str("kind", errs.KindOf(err).String()).Msg("failed")
	stop()
	os.Exit(1)
}
