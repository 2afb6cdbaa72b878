package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const journalFile = "jobs_journal.json"

// journalDoc is the on-disk shape at <data_dir>/jobs_journal.json.
type journalDoc struct {
	Jobs []*Job `json:"jobs"`
}

// Journal persists the full job set to one file, rewritten in full on each
// durable transition (small job counts expected). Writes go to
// "<file>.tmp" and are renamed into place, so a reader never observes a
// partially written journal.
type Journal struct {
	path string
}

func NewJournal(dataDir string) *Journal {
	return &Journal{path: filepath.Join(dataDir, journalFile)}
}

// Load reads every persisted job. A missing file is not an error — it
// means an empty set: reads tolerate an absent file.
func (j *Journal) Load() ([]*Job, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobs: read journal: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var doc journalDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("jobs: parse journal: %w", err)
	}
	return doc.Jobs, nil
}

// Save serializes jobs as the full journal array and writes it atomically.
func (j *Journal) Save(jobs []*Job) error {
	doc := journalDoc{Jobs: jobs}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("jobs: marshal journal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("jobs: create data dir: %w", err)
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("jobs: write temp journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("jobs: rename journal into place: %w", err)
	}
	return nil
}
