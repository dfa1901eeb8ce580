// Package labels maps human readable class names to the corpus' stable
// label ids using the class description table.
package labels

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/model-collapse/oid-coco/errs"
)

const (
	// LabelNameColumn holds the stable label id
	LabelNameColumn = "LabelName"
	// DisplayNameColumn holds the human readable name
	DisplayNameColumn = "DisplayName"
)

var normalizer = strings.NewReplacer(" ", "", "_", "")

// Normalize returns the matching form of a display name: trimmed, lower case,
// without spaces or underscores.
func Normalize(name string) string {
	return normalizer.Replace(strings.ToLower(strings.TrimSpace(name)))
}

// Resolve reads the label table at tablePath and returns the stable id of
// every name, in the order of names.
func Resolve(fs afero.Fs, tablePath string, names []string) ([]string, error) {
	f, err := fs.Open(tablePath)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "resolve labels", tablePath, err)
	}
	defer f.Close()

	ids, err := ResolveReader(f, names)
	if err != nil {
		return nil, errors.Wrapf(err, "label table %q", tablePath)
	}

	return ids, nil
}

// ResolveReader is Resolve over an already opened table. names must not
// contain duplicates. Matching uses Normalize on both sides; when two table
// rows normalize to the same requested name the later row wins.
func ResolveReader(r io.Reader, names []string) ([]string, error) {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return nil, errs.New(errs.Config, "resolve labels", n, "class names must be unique")
		}
		seen[n] = true
	}

	// normalized name -> requested name
	targets := make(map[string]string, len(names))
	for _, n := range names {
		targets[Normalize(n)] = n
	}

	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, errs.Wrap(errs.Integrity, "resolve labels", "header", err)
	}

	labelCol, displayCol := column(header, LabelNameColumn), column(header, DisplayNameColumn)
	if labelCol < 0 || displayCol < 0 {
		return nil, errs.New(errs.Integrity, "resolve labels", "header",
			"table needs %s and %s columns, got %v", LabelNameColumn, DisplayNameColumn, header)
	}

	results := make(map[string]string, len(names))

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.Integrity, "resolve labels", "row", err)
		}
		if len(row) <= labelCol || len(row) <= displayCol {
			continue
		}

		if original, ok := targets[Normalize(row[displayCol])]; ok {
			if prev, dup := results[original]; dup && prev != row[labelCol] {
				log.Debug().Str("class", original).Str("previous", prev).Str("label", row[labelCol]).
					Msg("display name matched twice, keeping the later row")
			}
			results[original] = row[labelCol]
		}
	}

	ids := make([]string, len(names))
	for i, n := range names {
		id, ok := results[n]
		if !ok {
			return nil, errs.New(errs.Resolution, "resolve labels", n, "%s is not a valid label", n)
		}
		ids[i] = id
	}

	return ids, nil
}

func column(header []string, name string) int {
	for i, h := range header {
		// the corpus tables are written with a UTF-8 BOM
		if strings.TrimPrefix(strings.TrimSpace(h), "\ufeff") == name {
			return i
		}
	}
	return -1
}
