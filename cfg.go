package main

import (
	"flag"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/model-collapse/oid-coco/dataset"
	"github.com/model-collapse/oid-coco/errs"
	"github.com/model-collapse/oid-coco/fetch"
	"github.com/model-collapse/oid-coco/materialize"
	"github.com/model-collapse/oid-coco/trainer"
)

const (
	FetcherHTTP   = "http"
	FetcherScript = "script"
)

type Config struct {
	ManifestPath  string `json:"manifest_path" yaml:"manifest_path"`
	CSVFolder     string `json:"csv_folder" yaml:"csv_folder"`
	DatasetFolder string `json:"dataset_folder" yaml:"dataset_folder"`
	// ResultFolder defaults to trainer.DefaultResultFolder when empty
	ResultFolder string `json:"result_folder" yaml:"result_folder"`

	Classes       []string          `json:"classes" yaml:"classes"`
	Splits        []string          `json:"splits" yaml:"splits"`
	RemoteSplits  map[string]string `json:"remote_splits" yaml:"remote_splits"`
	Supercategory string            `json:"supercategory" yaml:"supercategory"`

	Fetcher      string `json:"fetcher" yaml:"fetcher"`
	ImageBaseURL string `json:"image_base_url" yaml:"image_base_url"`
	ScriptPath   string `json:"script_path" yaml:"script_path"`
	Python       string `json:"python" yaml:"python"`
	Concurrency  int    `json:"concurrency" yaml:"concurrency"`
	Timeout      string `json:"timeout" yaml:"timeout"`
	Retries      int    `json:"retries" yaml:"retries"`

	CorruptPolicy string `json:"corrupt_policy" yaml:"corrupt_policy"`
	Verify        bool   `json:"verify" yaml:"verify"`
	Parallel      bool   `json:"parallel" yaml:"parallel"`
	Quiet         bool   `json:"quiet" yaml:"quiet"`

	Training   trainer.Params `json:"training" yaml:"training"`
	TrainerURL string         `json:"trainer_url" yaml:"trainer_url"`
	ServeAddr  string         `json:"serve_addr" yaml:"serve_addr"`
}

var GConf = DefaultConfig()

func DefaultConfig() Config {
	return Config{
		ManifestPath:  "csv_manifest.txt",
		CSVFolder:     "OIDv7_csv",
		DatasetFolder: "dataset",
		Splits:        dataset.DefaultSplits(),
		RemoteSplits:  materialize.DefaultRemoteSplits(),
		Fetcher:       FetcherHTTP,
		ImageBaseURL:  fetch.DefaultImageBaseURL,
		ScriptPath:    "downloader.py",
		Python:        "python3",
		Concurrency:   fetch.DefaultConcurrency,
		Timeout:       fetch.DefaultTimeout.String(),
		Retries:       1,
		CorruptPolicy: materialize.Abort.String(),
		Training:      trainer.DefaultParams(),
		TrainerURL:    "http://127.0.0.1:8000",
		ServeAddr:     "0.0.0.0:8093",
	}
}

// LoadConfig reads a YAML (.yaml, .yml) or JSON (.json) file over conf.
// Keys absent from the file keep their current value.
func LoadConfig(fs afero.Fs, path string, conf *Config) (err error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return errs.Wrap(errs.NotFound, "load config", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, conf)
	case ".json":
		err = json.Unmarshal(data, conf)
	default:
		return errs.New(errs.Config, "load config", path, "unknown config format, expected .yaml, .yml or .json")
	}

	return errs.Wrap(errs.Config, "load config", path, err)
}

func (c *Config) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return fetch.DefaultTimeout, nil
	}

	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, errs.Wrap(errs.Config, "parse timeout", c.Timeout, err)
	}
	return d, nil
}

// Validate checks what every command needs
func (c *Config) Validate() error {
	if len(c.Classes) == 0 {
		return errs.New(errs.Config, "validate config", "classes", "at least one target class is required")
	}

	for _, name := range c.Classes {
		if strings.TrimSpace(name) == "" {
			return errs.New(errs.Config, "validate config", "classes", "empty class name")
		}
	}

	if c.Fetcher != FetcherHTTP && c.Fetcher != FetcherScript {
		return errs.New(errs.Config, "validate config", "fetcher", "expected %s or %s, got %q", FetcherHTTP, FetcherScript, c.Fetcher)
	}

	if c.Concurrency <= 0 {
		return errs.New(errs.Config, "validate config", "concurrency", "expected a positive value, got %d", c.Concurrency)
	}

	if c.Retries < 0 {
		return errs.New(errs.Config, "validate config", "retries", "expected a non negative value, got %d", c.Retries)
	}

	if _, err := materialize.ParsePolicy(c.CorruptPolicy); err != nil {
		return err
	}

	_, err := c.TimeoutDuration()
	return err
}

// listValue is a comma separated flag; each use replaces the list
type listValue struct {
	list *[]string
}

func (l listValue) String() string {
	if l.list == nil {
		return ""
	}
	return strings.Join(*l.list, ",")
}

func (l listValue) Set(s string) error {
	*l.list = (*l.list)[:0:0]
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*l.list = append(*l.list, item)
		}
	}
	return nil
}

// bindFlags registers every config field on set, defaulting to conf's values
func bindFlags(set *flag.FlagSet, conf *Config) {
	set.StringVar(&conf.ManifestPath, "manifest", conf.ManifestPath, "manifest of annotation file links")
	set.StringVar(&conf.CSVFolder, "csv-folder", conf.CSVFolder, "where annotation files are downloaded")
	set.StringVar(&conf.DatasetFolder, "dataset", conf.DatasetFolder, "root of the COCO dataset")
	set.StringVar(&conf.ResultFolder, "result-folder", conf.ResultFolder, "training output, timestamped and named after the classes when empty")

	set.Var(listValue{&conf.Classes}, "classes", "comma separated target classes, extra arguments are added")
	set.Var(listValue{&conf.Splits}, "splits", "comma separated splits to build")
	set.StringVar(&conf.Supercategory, "supercategory", conf.Supercategory, "supercategory of every category")

	set.StringVar(&conf.Fetcher, "fetcher", conf.Fetcher, "image fetcher, http or script")
	set.StringVar(&conf.ImageBaseURL, "image-base-url", conf.ImageBaseURL, "corpus image bucket for the http fetcher")
	set.StringVar(&conf.ScriptPath, "script", conf.ScriptPath, "downloader script for the script fetcher")
	set.StringVar(&conf.Python, "python", conf.Python, "python interpreter running the downloader script")
	set.IntVar(&conf.Concurrency, "concurrency", conf.Concurrency, "parallel image downloads")
	set.StringVar(&conf.Timeout, "timeout", conf.Timeout, "network read and write timeout")
	set.IntVar(&conf.Retries, "retries", conf.Retries, "extra attempts per image")

	set.StringVar(&conf.CorruptPolicy, "corrupt", conf.CorruptPolicy, "unreadable image policy, abort or skip")
	set.BoolVar(&conf.Verify, "verify", conf.Verify, "fully decode every image")
	set.BoolVar(&conf.Parallel, "parallel", conf.Parallel, "build splits concurrently")
	set.BoolVar(&conf.Quiet, "quiet", conf.Quiet, "hide progress bars")

	set.IntVar(&conf.Training.Epochs, "epochs", conf.Training.Epochs, "training epochs")
	set.Float64Var(&conf.Training.LR, "lr", conf.Training.LR, "learning rate")
	set.IntVar(&conf.Training.BatchSize, "batch-size", conf.Training.BatchSize, "batch size")
	set.IntVar(&conf.Training.GradAccumSteps, "grad-accum-steps", conf.Training.GradAccumSteps, "gradient accumulation steps")
	set.StringVar(&conf.Training.ModelSize, "model-size", conf.Training.ModelSize, "model size, one of "+strings.Join(trainer.ModelSizes, ", "))
	set.BoolVar(&conf.Training.EarlyStopping, "early-stopping", conf.Training.EarlyStopping, "stop when validation stops improving")
	set.StringVar(&conf.TrainerURL, "trainer-url", conf.TrainerURL, "model service")

	set.StringVar(&conf.ServeAddr, "addr", conf.ServeAddr, "listen address of the dataset server")
}

// parseConfig reads args into conf. A -config file is applied over the
// defaults first, flags given on the command line override it.
func parseConfig(fs afero.Fs, set *flag.FlagSet, args []string, conf *Config) error {
	var path string
	set.StringVar(&path, "config", "", "YAML or JSON config file")
	bindFlags(set, conf)

	if err := set.Parse(args); err != nil {
		return errs.Wrap(errs.Config, "parse flags", set.Name(), err)
	}

	if path != "" {
		*conf = DefaultConfig()
		if err := LoadConfig(fs, path, conf); err != nil {
			return err
		}
		// second pass puts the explicit flags back on top
		if err := set.Parse(args); err != nil {
			return errs.Wrap(errs.Config, "parse flags", set.Name(), err)
		}
	}

	conf.Classes = append(conf.Classes, set.Args()...)
	return nil
}
