package training

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/poultry-check/internal/labels"
)

// IndexRow is one entry of the label index: an image path relative to the
// image directory and its class name.
type IndexRow struct {
	Path  string
	Label string
	Line  int
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// ReadLabelIndex parses a two-column CSV label index. A leading header row is
// recognised and skipped: its label column is not a known class and its path
// column carries no image extension. Paths are trimmed, labels are kept
// verbatim so that class matching stays exact.
func ReadLabelIndex(path string) ([]IndexRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open label index: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows []IndexRow
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read label index %s: %w", path, err)
		}
		line, _ := r.FieldPos(0)
		if len(record) < 2 {
			return nil, fmt.Errorf("label index %s line %d: want 2 columns, got %d", path, line, len(record))
		}

		row := IndexRow{
			Path:  strings.TrimSpace(record[0]),
			Label: record[1],
			Line:  line,
		}
		if len(rows) == 0 && line == 1 && isHeader(row) {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isHeader(row IndexRow) bool {
	if labels.IsKnown(row.Label) {
		return false
	}
	return !imageExtensions[strings.ToLower(filepath.Ext(row.Path))]
}
