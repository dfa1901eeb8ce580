package fetch

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/model-collapse/oid-coco/errs"
)

// DownloaderScriptURL is the corpus' own bulk downloader
const DownloaderScriptURL = "https://raw.githubusercontent.com/openimages/dataset/master/downloader.py"

// ScriptFetcher hands the job to the corpus' downloader script:
//
//	python downloader.py <image list> --download_folder=<dir> --num_processes=<n>
//
// It works on the OS filesystem only.
type ScriptFetcher struct {
	Python string
	Script string
	Stdout io.Writer
	Stderr io.Writer
}

// Fetch runs the script and builds the report by checking which listed images
// exist afterwards.
func (s *ScriptFetcher) Fetch(ctx context.Context, job Job) (*Report, error) {
	fs := afero.NewOsFs()

	paths, err := ReadList(fs, job.ImageList)
	if err != nil {
		return nil, err
	}

	report := &Report{Requested: len(paths)}
	if len(paths) == 0 {
		return report, nil
	}

	workers := job.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}

	python := s.Python
	if python == "" {
		python = "python3"
	}

	if err := fs.MkdirAll(job.DownloadFolder, 0755); err != nil {
		return nil, errs.Wrap(errs.Config, "bulk fetch", job.DownloadFolder, err)
	}

	// existing files are left to the script's own skip logic; count them
	// first so the report matches the HTTP fetcher's
	present := make(map[string]bool, len(paths))
	for _, p := range paths {
		if ok, _ := afero.Exists(fs, filepath.Join(job.DownloadFolder, path.Base(p))); ok {
			present[p] = true
		}
	}

	cmd := exec.CommandContext(ctx, python, s.Script, job.ImageList,
		"--download_folder="+job.DownloadFolder,
		"--num_processes="+strconv.Itoa(workers))
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	log.Info().Str("script", s.Script).Str("folder", job.DownloadFolder).
		Int("images", len(paths)).Msg("running downloader script")

	if err := cmd.Run(); err != nil {
		return report, errs.Wrap(errs.Transport, "bulk fetch", s.Script, err)
	}

	for _, p := range paths {
		switch {
		case present[p]:
			report.Skipped++
		default:
			if ok, _ := afero.Exists(fs, filepath.Join(job.DownloadFolder, path.Base(p))); ok {
				report.Downloaded++
				continue
			}
			report.Failed = append(report.Failed, Failure{
				Path: p,
				Err:  errs.New(errs.Transport, "fetch image", p, "not produced by downloader script"),
			})
		}
	}

	return report, nil
}
