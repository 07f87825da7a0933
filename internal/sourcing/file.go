package sourcing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConnector reads candidates from a YAML or JSON list on disk.
type FileConnector struct {
	Path string
}

type candidateFile struct {
	Leads []Candidate `yaml:"leads"`
}

func (f FileConnector) Name() string {
	base := filepath.Base(f.Path)
	return "file:" + strings.TrimSuffix(base, filepath.Ext(base))
}

func (f FileConnector) Fetch(ctx context.Context) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}

	// a bare list or {leads: [...]}; JSON parses as YAML
	var list []Candidate
	if err := yaml.Unmarshal(b, &list); err == nil {
		return list, nil
	}
	var doc candidateFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	return doc.Leads, nil
}
