package planstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/codeready-toolchain/planexec/pkg/planmodel"
)

// fileFormatVersion is bumped on incompatible changes to the on-disk shape.
const fileFormatVersion = 1

// defaultRetainedSubjectCap bounds the retained-subject archive.
const defaultRetainedSubjectCap = 1000

// fileDocument is the single JSON document the file backend serialises.
type fileDocument struct {
	Version          int                                                 `json:"version"`
	PlanMetadata     map[string]planmodel.PlanMetadata                   `json:"planMetadata"`
	Entries          map[string]map[string]planmodel.PersistedStepEntry `json:"entries"`
	RetainedSubjects map[string]planmodel.Subject                        `json:"retainedSubjects"`
}

// FileStore is the local-file Plan State Store backend: one JSON document
// written atomically (temp file + rename) under an advisory process lock.
// Suitable for single-node deployments.
type FileStore struct {
	path       string
	procLock   *flock.Flock
	subjectCap int

	mu  sync.Mutex
	doc fileDocument
}

// NewFileStore opens (or creates) the state file at path and takes the
// advisory process lock beside it.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	procLock := flock.New(path + ".lock")
	locked, err := procLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to take process lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("state file %s is locked by another process", path)
	}

	s := &FileStore{
		path:       path,
		procLock:   procLock,
		subjectCap: defaultRetainedSubjectCap,
		doc: fileDocument{
			Version:          fileFormatVersion,
			PlanMetadata:     map[string]planmodel.PlanMetadata{},
			Entries:          map[string]map[string]planmodel.PersistedStepEntry{},
			RetainedSubjects: map[string]planmodel.Subject{},
		},
	}

	if err := s.load(); err != nil {
		_ = procLock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	if doc.Version != fileFormatVersion {
		return fmt.Errorf("unsupported state file version %d", doc.Version)
	}
	if doc.PlanMetadata == nil {
		doc.PlanMetadata = map[string]planmodel.PlanMetadata{}
	}
	if doc.Entries == nil {
		doc.Entries = map[string]map[string]planmodel.PersistedStepEntry{}
	}
	if doc.RetainedSubjects == nil {
		doc.RetainedSubjects = map[string]planmodel.Subject{}
	}
	s.doc = doc
	return nil
}

// save writes the document atomically: temp file in the same directory,
// fsync, rename over the target. Caller holds s.mu.
func (s *FileStore) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// RememberPlanMetadata stores (or replaces) a plan's metadata.
func (s *FileStore) RememberPlanMetadata(_ context.Context, planID string, md planmodel.PlanMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.PlanMetadata[planID] = md
	return s.save()
}

// GetPlanMetadata returns a copy of a plan's metadata.
func (s *FileStore) GetPlanMetadata(_ context.Context, planID string) (*planmodel.PlanMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.doc.PlanMetadata[planID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := md
	clone.Steps = append([]planmodel.PlanStepDescriptor(nil), md.Steps...)
	return &clone, nil
}

// ForgetPlanMetadata drops a plan's metadata.
func (s *FileStore) ForgetPlanMetadata(_ context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.PlanMetadata[planID]; !ok {
		return nil
	}
	delete(s.doc.PlanMetadata, planID)
	return s.save()
}

// ListPlanMetadata returns every plan's metadata, sorted by plan id.
func (s *FileStore) ListPlanMetadata(_ context.Context) ([]planmodel.PlanMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]planmodel.PlanMetadata, 0, len(s.doc.PlanMetadata))
	for _, md := range s.doc.PlanMetadata {
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out, nil
}

// RememberStep persists a step entry, idempotent by idempotency key.
func (s *FileStore) RememberStep(_ context.Context, planID string, step planmodel.Step, traceID string, opts RememberStepOptions) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.doc.Entries[planID]
	if !ok {
		plan = map[string]planmodel.PersistedStepEntry{}
		s.doc.Entries[planID] = plan
	}

	if existing, ok := plan[step.ID]; ok {
		applyRemember(&existing, opts, now)
		plan[step.ID] = existing
		return s.save()
	}

	plan[step.ID] = newEntry(planID, step, traceID, opts, now)
	return s.save()
}

// SetState applies a lifecycle transition, refusing illegal ones.
func (s *FileStore) SetState(_ context.Context, planID, stepID string, state planmodel.StepState, opts SetStateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.doc.Entries[planID]
	if !ok {
		return ErrNotFound
	}
	entry, ok := plan[stepID]
	if !ok {
		return ErrNotFound
	}

	if !planmodel.ValidTransition(entry.State, state) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, entry.State, state, entry.IdempotencyKey)
	}

	entry.State = state
	if opts.Summary != "" {
		entry.Summary = opts.Summary
	}
	if !opts.Output.IsNull() {
		entry.Output = opts.Output
	}
	if opts.Attempt != nil && *opts.Attempt > entry.Attempt {
		entry.Attempt = *opts.Attempt
	}
	entry.UpdatedAt = time.Now()
	plan[stepID] = entry
	return s.save()
}

// GetEntry returns a copy of one step's persisted entry.
func (s *FileStore) GetEntry(_ context.Context, planID, stepID string) (*planmodel.PersistedStepEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.doc.Entries[planID]
	if !ok {
		return nil, ErrNotFound
	}
	entry, ok := plan[stepID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := entry
	clone.Approvals = copyApprovals(entry.Approvals)
	return &clone, nil
}

// ForgetStep drops one step's entry.
func (s *FileStore) ForgetStep(_ context.Context, planID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.doc.Entries[planID]
	if !ok {
		return nil
	}
	if _, ok := plan[stepID]; !ok {
		return nil
	}
	delete(plan, stepID)
	if len(plan) == 0 {
		delete(s.doc.Entries, planID)
	}
	return s.save()
}

// ListActiveSteps returns every non-terminal entry, ordered by plan id then
// step creation time.
func (s *FileStore) ListActiveSteps(_ context.Context) ([]planmodel.PersistedStepEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []planmodel.PersistedStepEntry
	for _, plan := range s.doc.Entries {
		for _, entry := range plan {
			if !entry.State.Terminal() {
				clone := entry
				clone.Approvals = copyApprovals(entry.Approvals)
				out = append(out, clone)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlanID != out[j].PlanID {
			return out[i].PlanID < out[j].PlanID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// EnsureApprovals returns the step's approvals map, empty when no entry
// exists yet.
func (s *FileStore) EnsureApprovals(_ context.Context, planID, stepID string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if plan, ok := s.doc.Entries[planID]; ok {
		if entry, ok := plan[stepID]; ok {
			return copyApprovals(entry.Approvals), nil
		}
	}
	return map[string]bool{}, nil
}

// RecordApproval sets one capability's approval on the step entry.
func (s *FileStore) RecordApproval(_ context.Context, planID, stepID, capability string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.doc.Entries[planID]
	if !ok {
		return ErrNotFound
	}
	entry, ok := plan[stepID]
	if !ok {
		return ErrNotFound
	}
	if entry.Approvals == nil {
		entry.Approvals = map[string]bool{}
	}
	entry.Approvals[capability] = value
	entry.UpdatedAt = time.Now()
	plan[stepID] = entry
	return s.save()
}

// ClearApprovals drops every approval from the step entry.
func (s *FileStore) ClearApprovals(_ context.Context, planID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.doc.Entries[planID]
	if !ok {
		return nil
	}
	entry, ok := plan[stepID]
	if !ok {
		return nil
	}
	entry.Approvals = map[string]bool{}
	entry.UpdatedAt = time.Now()
	plan[stepID] = entry
	return s.save()
}

// RetainSubject archives a plan's subject, evicting the lexically smallest
// plan id beyond the cap so the archive stays bounded.
func (s *FileStore) RetainSubject(_ context.Context, planID string, subject planmodel.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.RetainedSubjects[planID] = subject
	if len(s.doc.RetainedSubjects) > s.subjectCap {
		keys := make([]string, 0, len(s.doc.RetainedSubjects))
		for k := range s.doc.RetainedSubjects {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys[:len(keys)-s.subjectCap] {
			delete(s.doc.RetainedSubjects, k)
		}
	}
	return s.save()
}

// RetainedSubject returns an archived subject.
func (s *FileStore) RetainedSubject(_ context.Context, planID string) (*planmodel.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subject, ok := s.doc.RetainedSubjects[planID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := subject
	return &clone, nil
}

// ForgetRetainedSubject drops an archived subject.
func (s *FileStore) ForgetRetainedSubject(_ context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.RetainedSubjects[planID]; !ok {
		return nil
	}
	delete(s.doc.RetainedSubjects, planID)
	return s.save()
}

// Sweep removes terminal entries not updated since cutoff. Entries in
// waiting_approval are exempt from age-based pruning. Retained subjects for
// plans left with no entries are pruned too.
func (s *FileStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for planID, plan := range s.doc.Entries {
		for stepID, entry := range plan {
			if entry.State.Terminal() && entry.UpdatedAt.Before(cutoff) {
				delete(plan, stepID)
				removed++
			}
		}
		if len(plan) == 0 {
			delete(s.doc.Entries, planID)
			// the plan aged out entirely; its archived subject goes with it
			delete(s.doc.RetainedSubjects, planID)
		}
	}

	if removed == 0 {
		return 0, nil
	}
	return removed, s.save()
}

// Close releases the advisory process lock.
func (s *FileStore) Close() error {
	return s.procLock.Unlock()
}

func copyApprovals(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
