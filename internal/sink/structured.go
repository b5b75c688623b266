package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/studiowebux/lanebench/internal/aggregate"
)

// Structured writes machine-readable reports: one JSON object per line, or
// one YAML document per report.
type Structured struct {
	mu     sync.Mutex
	format string
	json   *json.Encoder
	yaml   *yaml.Encoder
}

// NewStructured returns a sink for format "json" or "yaml"
func NewStructured(w io.Writer, format string) (*Structured, error) {
	s := &Structured{format: format}
	switch format {
	case "json":
		s.json = json.NewEncoder(w)
	case "yaml":
		s.yaml = yaml.NewEncoder(w)
		s.yaml.SetIndent(2)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	return s, nil
}

func (s *Structured) Emit(ctx context.Context, r aggregate.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.json != nil {
		err = s.json.Encode(r)
	} else {
		err = s.yaml.Encode(r)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s report: %w", s.format, err)
	}
	return nil
}

// Close flushes the YAML stream
func (s *Structured) Close() error {
	if s.yaml != nil {
		return s.yaml.Close()
	}
	return nil
}
