package extract

import (
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/model-collapse/oid-coco/errs"
)

const header = "ImageID,Source,LabelName,Confidence,XMin,XMax,YMin,YMax,IsOccluded\n"

func TestFromReaderIndexAssignment(t *testing.T) {
	data := header +
		"a,xclick,L1,1,0.1,0.5,0.2,0.6,0\n" +
		"b,xclick,L2,1,0.0,1.0,0.0,1.0,0\n" +
		"a,xclick,L1,1,0.2,0.3,0.4,0.5,1\n"

	res, err := FromReader(strings.NewReader(data), []string{"L1"})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	if !reflect.DeepEqual(res.ImageIDs, []string{"a"}) {
		t.Errorf("expected image ids [a], got %v", res.ImageIDs)
	}

	wantAnn := []Annotation{{0, 0}, {0, 0}}
	if !reflect.DeepEqual(res.Annotations, wantAnn) {
		t.Errorf("expected %v, got %v", wantAnn, res.Annotations)
	}

	// columns are located by name, so XMax before YMin in the file is fine
	wantBox := []Box{{0.1, 0.2, 0.5, 0.6}, {0.2, 0.4, 0.3, 0.5}}
	if !reflect.DeepEqual(res.Boxes, wantBox) {
		t.Errorf("expected %v, got %v", wantBox, res.Boxes)
	}
}

func TestFromReaderCategoryFollowsTargetPosition(t *testing.T) {
	data := header +
		"img1,x,L2,1,0,1,0,1,0\n" +
		"img2,x,L9,1,0,1,0,1,0\n" +
		"img3,x,L1,1,0,1,0,1,0\n" +
		"img1,x,L1,1,0,1,0,1,0\n"

	res, err := FromReader(strings.NewReader(data), []string{"L1", "L2", "L1"})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	if !reflect.DeepEqual(res.ImageIDs, []string{"img1", "img3"}) {
		t.Errorf("unexpected image ids %v", res.ImageIDs)
	}

	want := []Annotation{{0, 1}, {1, 0}, {0, 0}}
	if !reflect.DeepEqual(res.Annotations, want) {
		t.Errorf("expected %v, got %v", want, res.Annotations)
	}

	if len(res.Boxes) != len(res.Annotations) {
		t.Errorf("boxes and annotations must be index aligned")
	}
}

func TestFromReaderNoMatch(t *testing.T) {

	tests := []string{
		"",
		header,
		header + "a,x,L5,1,0,1,0,1,0\n",
	}

	for _, data := range tests {
		res, err := FromReader(strings.NewReader(data), []string{"L1"})
		if err != nil {
			t.Errorf("input %q: unexpected error %v", data, err)
			continue
		}
		if len(res.ImageIDs) != 0 || len(res.Annotations) != 0 || len(res.Boxes) != 0 {
			t.Errorf("input %q: expected empty result, got %+v", data, res)
		}
	}
}

func TestFromReaderMalformed(t *testing.T) {

	tests := []struct {
		data    string
		contain string
	}{
		{"ImageID,LabelName,XMin,YMin,XMax\n", "YMax"},
		{header + "a,x,L1,1,zero,1,0,1,0\n", "XMin"},
		{header + "a,x,L1\n", "fields"},
	}

	for _, tc := range tests {
		_, err := FromReader(strings.NewReader(tc.data), []string{"L1"})
		if !errs.Is(err, errs.Integrity) {
			t.Errorf("input %q: expected integrity error, got %v", tc.data, err)
			continue
		}
		if !strings.Contains(err.Error(), tc.contain) {
			t.Errorf("input %q: error %q should mention %q", tc.data, err, tc.contain)
		}
	}
}

func TestFromReaderSkipsBadValuesInDroppedRows(t *testing.T) {
	data := header + "a,x,L5,1,n/a,1,0,1,0\n"

	if _, err := FromReader(strings.NewReader(data), []string{"L1"}); err != nil {
		t.Errorf("rows of other labels should not be parsed: %v", err)
	}
}

func TestFromReaderSkipsShortRowsOfOtherLabels(t *testing.T) {
	data := header +
		"a,x,L5\n" +
		"b\n" +
		"c,x,L1,1,0,1,0,1,0\n"

	res, err := FromReader(strings.NewReader(data), []string{"L1"})
	if err != nil {
		t.Fatalf("short rows of other labels should be skipped: %v", err)
	}
	if !reflect.DeepEqual(res.ImageIDs, []string{"c"}) || len(res.Annotations) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExtractFromFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "csv/train.csv", []byte(header+"a,x,L1,1,0,1,0,1,0\n"), 0644)

	res, err := Extract(fs, "csv/train.csv", []string{"L1"}, Options{Quiet: true})
	if err != nil || len(res.ImageIDs) != 1 {
		t.Errorf("unexpected result %+v (%v)", res, err)
	}

	if _, err := Extract(fs, "csv/none.csv", []string{"L1"}, Options{Quiet: true}); !errs.Is(err, errs.NotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
