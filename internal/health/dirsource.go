package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DirSource is a file-backed DataSource: a directory of JSON files, each
// holding an array of samples (the format device exports and test
// fixtures use). It stands in for the platform health-data API when the
// engine runs outside a device, e.g. in the reference binary or an
// integration test.
//
// Files are re-read on every query; the source keeps no cursor state,
// matching the one-shot Query contract.
type DirSource struct {
	dir string
}

// NewDirSource creates a source over a directory of sample files.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Query implements DataSource.
func (d *DirSource) Query(_ context.Context, dataType string, from, to time.Time) ([]Sample, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read sample dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Sample
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(d.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read sample file %s: %w", name, err)
		}
		var samples []Sample
		if err := json.Unmarshal(data, &samples); err != nil {
			return nil, fmt.Errorf("decode sample file %s: %w", name, err)
		}
		for _, s := range samples {
			if s.DataType != dataType {
				continue
			}
			if !s.RecordedAt.Before(from) && s.RecordedAt.Before(to) {
				out = append(out, s)
			}
		}
	}
	return out, nil
}
