package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/viewreplay/mutation"
)

// Stdout writes one JSON line per batch to an io.Writer (default os.Stdout).
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) Send(_ context.Context, batch mutation.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(batch)
}

func (s *Stdout) Close() error { return nil }
