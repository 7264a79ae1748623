package orchestration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const checkpointFileName = "checkpoint.json"

// checkpointKeys is the explicit whitelist of shared-data keys that survive
// a checkpoint round trip. Arbitrary objects are never serialized: values
// outside this list may be cyclic or non-restorable, and the event log can
// rebuild anything important.
var checkpointKeys = []string{
	"architecture",
	"team_composition",
	"execution_plan",
	"repositories",
	"base_branch",
	"cost_summary",
}

// Checkpoint is a serialized snapshot of the run context. It is an
// accelerator for recovery, subordinate to the event log: a missing or
// corrupt checkpoint degrades to full event replay, never to data loss.
type Checkpoint struct {
	TaskID       string                  `json:"task_id"`
	SavedAt      time.Time               `json:"saved_at"`
	SharedData   map[string]any          `json:"shared_data"`
	Branches     map[string]*BranchInfo  `json:"branches"`
	PhaseResults map[string]PhaseOutcome `json:"phase_results"`
}

// ToCheckpoint snapshots the context. Only whitelisted shared-data keys
// are included; the branch registry and phase results are copied whole.
func (c *Context) ToCheckpoint() *Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ckpt := &Checkpoint{
		TaskID:       c.TaskID,
		SavedAt:      time.Now().UTC(),
		SharedData:   make(map[string]any),
		Branches:     make(map[string]*BranchInfo, len(c.branches)),
		PhaseResults: make(map[string]PhaseOutcome, len(c.phaseResults)),
	}

	for _, key := range checkpointKeys {
		if v, ok := c.sharedData[key]; ok {
			ckpt.SharedData[key] = v
		}
	}
	for name, info := range c.branches {
		clone := *info
		ckpt.Branches[name] = &clone
	}
	for phase, outcome := range c.phaseResults {
		ckpt.PhaseResults[phase] = outcome
	}
	return ckpt
}

// RestoreFromCheckpoint loads a checkpoint into the context. The branch
// registry and phase results are replaced wholesale; shared data is merged
// key by key, and only whitelisted keys are trusted (anything else in the
// file is dropped, not errored).
func (c *Context) RestoreFromCheckpoint(ckpt *Checkpoint) {
	if ckpt == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range checkpointKeys {
		if v, ok := ckpt.SharedData[key]; ok {
			c.sharedData[key] = v
		}
	}

	c.branches = make(map[string]*BranchInfo, len(ckpt.Branches))
	for name, info := range ckpt.Branches {
		clone := *info
		c.branches[name] = &clone
	}

	c.phaseResults = make(map[string]PhaseOutcome, len(ckpt.PhaseResults))
	for phase, outcome := range ckpt.PhaseResults {
		c.phaseResults[phase] = outcome
	}
}

// SaveCheckpoint writes the current context snapshot to dir atomically:
// data goes to a temporary file first, then is renamed into place. A file
// lock is held for cross-process safety.
func (c *Context) SaveCheckpoint(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := json.MarshalIndent(c.ToCheckpoint(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	target := filepath.Join(dir, checkpointFileName)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// LoadCheckpoint reads the checkpoint from dir. A missing file returns
// (nil, nil); an unreadable or corrupt file returns an error the caller
// should treat as "replay the event log instead", not as fatal.
func LoadCheckpoint(dir string) (*Checkpoint, error) {
	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(filepath.Join(dir, checkpointFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &ckpt, nil
}
