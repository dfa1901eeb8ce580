package trainer

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
	"golang.org/x/image/draw"

	"github.com/model-collapse/oid-coco/errs"
)

const (
	// DefaultPredictWidth is the width images are scaled to before inference
	DefaultPredictWidth = 640
	// DefaultThreshold drops detections below this confidence
	DefaultThreshold = 0.5

	maxErrorBody = 512
)

// Remote drives a model service:
//
//	GET  /health   any 2xx when ready
//	POST /train    JSON Params, answers {"history": [...]}
//	POST /predict  multipart "image" (JPEG), "threshold" and an optional
//	               "checkpoint", answers Detections
type Remote struct {
	Client *fasthttp.Client
	URL    string
	// Timeout bounds a request when ctx has no deadline; zero waits forever,
	// which suits training
	Timeout time.Duration
	// Width images are scaled to before Predict, DefaultPredictWidth when zero
	Width     int
	Threshold float64
	// Checkpoint names the weights Predict runs; empty lets the service pick
	// its latest
	Checkpoint string
}

// NewRemote returns a Remote for the service at url
func NewRemote(c *fasthttp.Client, url string) *Remote {
	return &Remote{
		Client:    c,
		URL:       strings.TrimRight(url, "/"),
		Width:     DefaultPredictWidth,
		Threshold: DefaultThreshold,
	}
}

// CheckHealth fails with a transport error unless the service answers
func (r *Remote) CheckHealth(ctx context.Context) error {
	_, err := r.do(ctx, fasthttp.MethodGet, "/health", "", nil)
	return err
}

// Train posts p and blocks until the service reports the run's history
func (r *Remote) Train(ctx context.Context, p Params) (History, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode training params")
	}

	log.Info().Str("url", r.URL).Str("dataset", p.DatasetDir).Int("epochs", p.Epochs).
		Str("model", p.ModelSize).Msg("starting remote training")

	data, err := r.do(ctx, fasthttp.MethodPost, "/train", "application/json", body)
	if err != nil {
		return nil, err
	}

	var ret struct {
		History History `json:"history"`
	}
	if err := json.Unmarshal(data, &ret); err != nil {
		return nil, errs.Wrap(errs.Integrity, "train", r.URL, errors.Wrap(err, "bad response"))
	}

	return ret.History, nil
}

// Predict scales img to the configured width, sends it and maps the
// detections back onto img's own coordinates.
func (r *Remote) Predict(ctx context.Context, img image.Image) (*Detections, error) {
	scaled, factor := Resize(img, r.Width)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("image", "image.jpg")
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	if err := jpeg.Encode(part, scaled, &jpeg.Options{Quality: 95}); err != nil {
		return nil, errors.Wrap(err, "failed to encode image")
	}

	threshold := r.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if err := mw.WriteField("threshold", strconv.FormatFloat(threshold, 'f', -1, 64)); err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	if r.Checkpoint != "" {
		if err := mw.WriteField("checkpoint", r.Checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to build request")
		}
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	data, err := r.do(ctx, fasthttp.MethodPost, "/predict", mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return nil, err
	}

	det := &Detections{}
	if err := json.Unmarshal(data, det); err != nil {
		return nil, errs.Wrap(errs.Integrity, "predict", r.URL, errors.Wrap(err, "bad response"))
	}
	if err := det.check(); err != nil {
		return nil, err
	}

	for i := range det.Boxes {
		for j := range det.Boxes[i] {
			det.Boxes[i][j] /= factor
		}
	}

	log.Debug().Int("detections", det.Len()).Msg("prediction done")

	return det, nil
}

// Resize scales img to width keeping its aspect ratio and returns the scale
// factor applied. A non positive width leaves img untouched.
func Resize(img image.Image, width int) (image.Image, float64) {
	b := img.Bounds()
	if width <= 0 || b.Dx() == 0 || b.Dx() == width {
		return img, 1
	}

	factor := float64(width) / float64(b.Dx())
	height := int(float64(b.Dy()) * factor)
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	return dst, factor
}

func (r *Remote) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	op := strings.TrimPrefix(path, "/")
	url := r.URL + path

	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.Transport, op, url, err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	if contentType != "" {
		req.Header.SetContentType(contentType)
	}
	if body != nil {
		req.SetBodyRaw(body)
	}

	c := r.Client
	if c == nil {
		c = &fasthttp.Client{}
	}

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.DoDeadline(req, resp, deadline)
	} else if r.Timeout > 0 {
		err = c.DoTimeout(req, resp, r.Timeout)
	} else {
		err = c.Do(req, resp)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Transport, op, url, err)
	}

	data := resp.Body()
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		msg := string(data)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, errs.New(errs.Transport, op, url, "unexpected status %d: %s", code, strings.TrimSpace(msg))
	}

	return append([]byte(nil), data...), nil
}
