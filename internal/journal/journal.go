// Package journal appends committed trades to a JSONL file. It is an audit
// record, not a recovery log: the portfolio itself lives in the state store.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bullet3113/risk-engine/internal/ledger"
)

type Entry struct {
	ID         string      `json:"id"`
	DecisionID string      `json:"decision_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Fill       ledger.Fill `json:"fill"`
}

type Journal struct {
	mu   sync.Mutex
	path string
}

func New(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	return &Journal{path: path}, nil
}

// Record appends one committed fill. decisionID links the entry back to the
// admission check that approved it.
func (j *Journal) Record(decisionID string, fill ledger.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{
		ID:         uuid.NewString(),
		DecisionID: decisionID,
		Timestamp:  time.Now().UTC(),
		Fill:       fill,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}
