package main

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	http "github.com/valyala/fasthttp"

	"github.com/model-collapse/oid-coco/coco"
	"github.com/model-collapse/oid-coco/errs"
)

type cachedDoc struct {
	doc     *coco.Dataset
	modTime time.Time
}

// datasetServer exposes a built dataset read only
type datasetServer struct {
	fs     afero.Fs
	root   string
	splits map[string]bool

	mu   sync.Mutex
	docs map[string]cachedDoc
}

func newDatasetServer(fs afero.Fs, root string, splits []string) *datasetServer {
	s := &datasetServer{
		fs:     fs,
		root:   root,
		splits: make(map[string]bool, len(splits)),
		docs:   make(map[string]cachedDoc),
	}
	for _, split := range splits {
		s.splits[split] = true
	}
	return s
}

// load returns the split's annotations, reading the file again when it
// changed since the last call
func (s *datasetServer) load(split string) (*coco.Dataset, error) {
	if !s.splits[split] {
		return nil, errs.New(errs.Config, "load split", split, "unknown split")
	}

	file := filepath.Join(s.root, split, coco.AnnotationFile)
	st, err := s.fs.Stat(file)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "load split", file, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.docs[split]; ok && c.modTime.Equal(st.ModTime()) {
		return c.doc, nil
	}

	doc, err := coco.Load(s.fs, file)
	if err != nil {
		return nil, err
	}

	s.docs[split] = cachedDoc{doc: doc, modTime: st.ModTime()}
	return doc, nil
}

func (s *datasetServer) fail(c *http.RequestCtx, err error) {
	code := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.Config:
		code = http.StatusBadRequest
	case errs.NotFound:
		code = http.StatusNotFound
	}

	log.Warn().Err(err).Int("status", code).Str("uri", c.URI().String()).Msg("request failed")
	c.Error(err.Error(), code)
}

func (s *datasetServer) handle(c *http.RequestCtx) {
	args := c.URI().QueryArgs()

	switch string(c.Path()) {
	case "/health":
		c.SetBodyString("ok")

	case "/annotations":
		doc, err := s.load(string(args.Peek("split")))
		if err != nil {
			s.fail(c, err)
			return
		}

		data, err := json.Marshal(doc)
		if err != nil {
			s.fail(c, err)
			return
		}

		c.SetContentType("application/json")
		c.Write(data)

	case "/preview":
		split := string(args.Peek("split"))
		doc, err := s.load(split)
		if err != nil {
			s.fail(c, err)
			return
		}

		id := args.GetUintOrZero("image")
		data, err := renderPreview(s.fs, filepath.Join(s.root, split), doc, id, string(args.Peek("box")) == "true")
		if err != nil {
			s.fail(c, err)
			return
		}

		c.SetContentType("image/jpeg")
		c.Write(data)

	default:
		c.NotFound()
	}
}

func serve(ctx context.Context, fs afero.Fs, conf *Config) error {
	s := newDatasetServer(fs, conf.DatasetFolder, conf.Splits)
	srv := &http.Server{
		Handler: s.handle,
		Name:    "oid-coco",
	}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown()
	}()

	log.Info().Str("addr", conf.ServeAddr).Str("dataset", conf.DatasetFolder).Msg("Serving...")

	if err := srv.ListenAndServe(conf.ServeAddr); err != nil {
		return errs.Wrap(errs.Transport, "serve", conf.ServeAddr, err)
	}
	return nil
}
