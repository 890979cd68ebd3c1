package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prpkit/ralph/internal/log"
)

// Relative paths of the nine memory documents.
const (
	DocWorkingContext = "working/context.json"
	DocDecisions      = "episodic/decisions.json"
	DocArchitecture   = "semantic/architecture.json"
	DocEntities       = "semantic/entities.json"
	DocConstraints    = "semantic/constraints.json"
	DocFailures       = "procedural/failures.json"
	DocSuccesses      = "procedural/successes.json"
	DocPatterns       = "procedural/patterns.json"
	DocRules          = "learned/rules.json"
)

// Store provides typed access to the nine memory documents rooted at a
// single directory.
//
// The store assumes a single writer: one loop per memory directory. There is
// no file locking; running two loops against the same directory is operator
// error.
type Store struct {
	dir string
}

// New creates a Store rooted at dir. The directory does not need to exist
// yet; call Initialize before reading.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the memory root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Initialize creates the nine documents with their default empty schema.
// It is idempotent: documents that already exist are left untouched.
func (s *Store) Initialize() error {
	defaults := map[string]any{
		DocWorkingContext: WorkingContext{Version: SchemaVersion, RelevantMemory: RelevantMemory{}},
		DocDecisions:      decisionsDoc{Version: SchemaVersion, MaxEntries: MaxDecisions, Entries: []DecisionEntry{}},
		DocArchitecture:   ArchitectureProfile{Version: SchemaVersion, TechStack: map[string]string{}, Structure: map[string]string{}, Patterns: map[string]string{}},
		DocEntities:       entitiesDoc{Version: SchemaVersion, Entities: []Entity{}},
		DocConstraints:    constraintsDoc{Version: SchemaVersion, Constraints: []string{}, Rules: []string{}},
		DocFailures:       failuresDoc{Version: SchemaVersion, Entries: []FailureEntry{}},
		DocSuccesses:      successesDoc{Version: SchemaVersion, Entries: []SuccessEntry{}},
		DocPatterns:       patternsDoc{Version: SchemaVersion, Patterns: PatternGroups{CodePatterns: []Pattern{}, NamingConventions: map[string]string{}, ProjectSpecificRules: []string{}}},
		DocRules:          rulesDoc{Version: SchemaVersion, Metadata: map[string]any{}, Rules: []LearnedRule{}},
	}

	for rel, doc := range defaults {
		path := filepath.Join(s.dir, filepath.FromSlash(rel))
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat %s: %w", rel, err)
		}
		if err := s.writeDoc(rel, doc); err != nil {
			return err
		}
		log.Debug("initialized memory document", "doc", rel)
	}
	return nil
}

// readDoc reads and decodes a document, translating a missing file into
// ErrNotFound.
func (s *Store) readDoc(rel string, v any) error {
	path := filepath.Join(s.dir, filepath.FromSlash(rel))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", rel, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", rel, err)
	}
	return nil
}

// writeDoc atomically replaces a document: write to a temp file in the same
// directory, then rename over the target.
func (s *Store) writeDoc(rel string, v any) error {
	path := filepath.Join(s.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create memory directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", rel, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".memory-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", rel, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", rel, err)
	}
	return nil
}

// checkVersion validates a document's version field on read. Mismatched
// documents fail fast instead of being partially accepted.
func checkVersion(rel string, version int) error {
	if version != SchemaVersion {
		return validationErr(rel, "version", fmt.Sprintf("is %d, want %d", version, SchemaVersion))
	}
	return nil
}

// =============================================================================
// Procedural memory
// =============================================================================

// Failures returns all recorded failure entries in append order.
func (s *Store) Failures() ([]FailureEntry, error) {
	var doc failuresDoc
	if err := s.readDoc(DocFailures, &doc); err != nil {
		return nil, err
	}
	if err := checkVersion(DocFailures, doc.Version); err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

// AppendFailure validates and appends a failure entry, generating its ID.
// Returns the assigned ID. The collection is strictly additive.
func (s *Store) AppendFailure(entry FailureEntry) (string, error) {
	if strings.TrimSpace(entry.Approach) == "" {
		return "", validationErr(DocFailures, "approach", "must be non-empty")
	}
	if strings.TrimSpace(entry.RootCause) == "" {
		return "", validationErr(DocFailures, "rootCause", "must be non-empty")
	}
	if strings.TrimSpace(entry.Prevention) == "" {
		return "", validationErr(DocFailures, "prevention", "must be non-empty")
	}
	if entry.Category == "" {
		entry.Category = CategoryOther
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var doc failuresDoc
	if err := s.readDoc(DocFailures, &doc); err != nil {
		return "", err
	}
	id, err := assignID("fail", entry.ID, entry.Timestamp, failureIDs(doc.Entries))
	if err != nil {
		return "", err
	}
	entry.ID = id
	doc.Entries = append(doc.Entries, entry)
	if err := s.writeDoc(DocFailures, doc); err != nil {
		return "", err
	}
	return id, nil
}

// Successes returns all recorded success entries in append order.
func (s *Store) Successes() ([]SuccessEntry, error) {
	var doc successesDoc
	if err := s.readDoc(DocSuccesses, &doc); err != nil {
		return nil, err
	}
	if err := checkVersion(DocSuccesses, doc.Version); err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

// AppendSuccess validates and appends a success entry, generating its ID.
func (s *Store) AppendSuccess(entry SuccessEntry) (string, error) {
	if strings.TrimSpace(entry.Approach) == "" {
		return "", validationErr(DocSuccesses, "approach", "must be non-empty")
	}
	if strings.TrimSpace(entry.WhyItWorked) == "" {
		return "", validationErr(DocSuccesses, "whyItWorked", "must be non-empty")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var doc successesDoc
	if err := s.readDoc(DocSuccesses, &doc); err != nil {
		return "", err
	}
	ids := make([]string, len(doc.Entries))
	for i, e := range doc.Entries {
		ids[i] = e.ID
	}
	id, err := assignID("success", entry.ID, entry.Timestamp, ids)
	if err != nil {
		return "", err
	}
	entry.ID = id
	doc.Entries = append(doc.Entries, entry)
	if err := s.writeDoc(DocSuccesses, doc); err != nil {
		return "", err
	}
	return id, nil
}

// Patterns returns the pattern groups document.
func (s *Store) Patterns() (PatternGroups, error) {
	var doc patternsDoc
	if err := s.readDoc(DocPatterns, &doc); err != nil {
		return PatternGroups{}, err
	}
	if err := checkVersion(DocPatterns, doc.Version); err != nil {
		return PatternGroups{}, err
	}
	return doc.Patterns, nil
}

// AppendPattern validates and appends a code pattern, generating its ID.
// The referenced success entry must exist at creation time.
func (s *Store) AppendPattern(p Pattern) (string, error) {
	if strings.TrimSpace(p.Name) == "" {
		return "", validationErr(DocPatterns, "name", "must be non-empty")
	}
	if strings.TrimSpace(p.Description) == "" {
		return "", validationErr(DocPatterns, "description", "must be non-empty")
	}
	if strings.TrimSpace(p.ExtractedFrom) == "" {
		return "", validationErr(DocPatterns, "extractedFrom", "must reference a success entry")
	}

	successes, err := s.Successes()
	if err != nil {
		return "", err
	}
	found := false
	for _, succ := range successes {
		if succ.ID == p.ExtractedFrom {
			found = true
			break
		}
	}
	if !found {
		return "", validationErr(DocPatterns, "extractedFrom", fmt.Sprintf("references unknown success entry %q", p.ExtractedFrom))
	}

	var doc patternsDoc
	if err := s.readDoc(DocPatterns, &doc); err != nil {
		return "", err
	}
	ids := make([]string, len(doc.Patterns.CodePatterns))
	for i, cp := range doc.Patterns.CodePatterns {
		ids[i] = cp.ID
	}
	id, err := assignID("pattern", p.ID, time.Now().UTC(), ids)
	if err != nil {
		return "", err
	}
	p.ID = id
	doc.Patterns.CodePatterns = append(doc.Patterns.CodePatterns, p)
	if err := s.writeDoc(DocPatterns, doc); err != nil {
		return "", err
	}
	return id, nil
}

// =============================================================================
// Episodic memory
// =============================================================================

// Decisions returns episodic decision entries, oldest first.
func (s *Store) Decisions() ([]DecisionEntry, error) {
	var doc decisionsDoc
	if err := s.readDoc(DocDecisions, &doc); err != nil {
		return nil, err
	}
	if err := checkVersion(DocDecisions, doc.Version); err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

// AppendDecision appends an episodic decision entry, then evicts the oldest
// entries (by timestamp) until at most MaxDecisions remain.
func (s *Store) AppendDecision(entry DecisionEntry) (string, error) {
	if strings.TrimSpace(entry.Decision) == "" {
		return "", validationErr(DocDecisions, "decision", "must be non-empty")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var doc decisionsDoc
	if err := s.readDoc(DocDecisions, &doc); err != nil {
		return "", err
	}
	ids := make([]string, len(doc.Entries))
	for i, e := range doc.Entries {
		ids[i] = e.ID
	}
	id, err := assignID("dec", entry.ID, entry.Timestamp, ids)
	if err != nil {
		return "", err
	}
	entry.ID = id
	doc.Entries = append(doc.Entries, entry)

	max := doc.MaxEntries
	if max <= 0 {
		max = MaxDecisions
	}
	if len(doc.Entries) > max {
		sort.SliceStable(doc.Entries, func(i, j int) bool {
			return doc.Entries[i].Timestamp.Before(doc.Entries[j].Timestamp)
		})
		doc.Entries = doc.Entries[len(doc.Entries)-max:]
	}

	if err := s.writeDoc(DocDecisions, doc); err != nil {
		return "", err
	}
	return id, nil
}

// =============================================================================
// Learned memory
// =============================================================================

// Rules returns all learned rules, including inactive ones.
func (s *Store) Rules() ([]LearnedRule, error) {
	var doc rulesDoc
	if err := s.readDoc(DocRules, &doc); err != nil {
		return nil, err
	}
	if err := checkVersion(DocRules, doc.Version); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

// ActiveRules returns only the rules whose active flag is set.
func (s *Store) ActiveRules() ([]LearnedRule, error) {
	rules, err := s.Rules()
	if err != nil {
		return nil, err
	}
	active := rules[:0:0]
	for _, r := range rules {
		if r.Active {
			active = append(active, r)
		}
	}
	return active, nil
}

// AppendRule validates and appends a learned rule, generating its ID.
func (s *Store) AppendRule(rule LearnedRule) (string, error) {
	if strings.TrimSpace(rule.Trigger) == "" {
		return "", validationErr(DocRules, "trigger", "must be non-empty")
	}
	if strings.TrimSpace(rule.Rule) == "" {
		return "", validationErr(DocRules, "rule", "must be non-empty")
	}
	switch rule.Source {
	case SourceUserCorrection, SourcePatternExtraction:
	default:
		return "", validationErr(DocRules, "source", fmt.Sprintf("has unknown value %q", rule.Source))
	}
	switch rule.Confidence {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
	default:
		return "", validationErr(DocRules, "confidence", fmt.Sprintf("has unknown value %q", rule.Confidence))
	}
	if rule.Timestamp.IsZero() {
		rule.Timestamp = time.Now().UTC()
	}

	var doc rulesDoc
	if err := s.readDoc(DocRules, &doc); err != nil {
		return "", err
	}
	ids := make([]string, len(doc.Rules))
	for i, r := range doc.Rules {
		ids[i] = r.ID
	}
	id, err := assignID("rule", rule.ID, rule.Timestamp, ids)
	if err != nil {
		return "", err
	}
	rule.ID = id
	doc.Rules = append(doc.Rules, rule)
	now := time.Now().UTC()
	doc.LastUpdated = &now
	if err := s.writeDoc(DocRules, doc); err != nil {
		return "", err
	}
	return id, nil
}

// SetRuleActive flips a rule's active flag. This is the only mutation the
// learned collection permits; rule content is immutable.
func (s *Store) SetRuleActive(id string, active bool) error {
	var doc rulesDoc
	if err := s.readDoc(DocRules, &doc); err != nil {
		return err
	}
	for i := range doc.Rules {
		if doc.Rules[i].ID == id {
			doc.Rules[i].Active = active
			now := time.Now().UTC()
			doc.LastUpdated = &now
			return s.writeDoc(DocRules, doc)
		}
	}
	return fmt.Errorf("rule %s: %w", id, ErrNotFound)
}

// =============================================================================
// Semantic memory
// =============================================================================

// Architecture returns the project architecture profile.
func (s *Store) Architecture() (ArchitectureProfile, error) {
	var doc ArchitectureProfile
	if err := s.readDoc(DocArchitecture, &doc); err != nil {
		return ArchitectureProfile{}, err
	}
	if err := checkVersion(DocArchitecture, doc.Version); err != nil {
		return ArchitectureProfile{}, err
	}
	return doc, nil
}

// UpdateArchitecture replaces the architecture profile, stamping
// discoveredAt on first write and lastUpdated always.
func (s *Store) UpdateArchitecture(profile ArchitectureProfile) error {
	now := time.Now().UTC()
	existing, err := s.Architecture()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && existing.DiscoveredAt != nil {
		profile.DiscoveredAt = existing.DiscoveredAt
	} else if profile.DiscoveredAt == nil {
		profile.DiscoveredAt = &now
	}
	profile.Version = SchemaVersion
	profile.LastUpdated = &now
	return s.writeDoc(DocArchitecture, profile)
}

// Entities returns all discovered entities.
func (s *Store) Entities() ([]Entity, error) {
	var doc entitiesDoc
	if err := s.readDoc(DocEntities, &doc); err != nil {
		return nil, err
	}
	if err := checkVersion(DocEntities, doc.Version); err != nil {
		return nil, err
	}
	return doc.Entities, nil
}

// UpsertEntity creates an entity on first discovery or updates it in place
// on rediscovery (matched by name and file). Entities are never deleted.
func (s *Store) UpsertEntity(entity Entity) error {
	if strings.TrimSpace(entity.Name) == "" {
		return validationErr(DocEntities, "name", "must be non-empty")
	}
	if entity.DiscoveredAt.IsZero() {
		entity.DiscoveredAt = time.Now().UTC()
	}

	var doc entitiesDoc
	if err := s.readDoc(DocEntities, &doc); err != nil {
		return err
	}
	for i, existing := range doc.Entities {
		if existing.Name == entity.Name && existing.File == entity.File {
			entity.ID = existing.ID
			entity.DiscoveredAt = existing.DiscoveredAt
			doc.Entities[i] = entity
			return s.writeDoc(DocEntities, doc)
		}
	}
	if entity.ID == "" {
		ids := make([]string, len(doc.Entities))
		for i, e := range doc.Entities {
			ids[i] = e.ID
		}
		id, err := assignID("ent", "", entity.DiscoveredAt, ids)
		if err != nil {
			return err
		}
		entity.ID = id
	}
	doc.Entities = append(doc.Entities, entity)
	return s.writeDoc(DocEntities, doc)
}

// Constraints returns the semantic constraints document contents.
func (s *Store) Constraints() (constraints, rules []string, err error) {
	var doc constraintsDoc
	if err := s.readDoc(DocConstraints, &doc); err != nil {
		return nil, nil, err
	}
	if err := checkVersion(DocConstraints, doc.Version); err != nil {
		return nil, nil, err
	}
	return doc.Constraints, doc.Rules, nil
}

// AddConstraint appends a constraint string if not already present.
func (s *Store) AddConstraint(constraint string) error {
	if strings.TrimSpace(constraint) == "" {
		return validationErr(DocConstraints, "constraints", "must be non-empty")
	}
	var doc constraintsDoc
	if err := s.readDoc(DocConstraints, &doc); err != nil {
		return err
	}
	for _, c := range doc.Constraints {
		if c == constraint {
			return nil
		}
	}
	doc.Constraints = append(doc.Constraints, constraint)
	return s.writeDoc(DocConstraints, doc)
}

// =============================================================================
// Working memory
// =============================================================================

// WorkingContext returns the current compiled session context.
func (s *Store) WorkingContext() (WorkingContext, error) {
	var doc WorkingContext
	if err := s.readDoc(DocWorkingContext, &doc); err != nil {
		return WorkingContext{}, err
	}
	if err := checkVersion(DocWorkingContext, doc.Version); err != nil {
		return WorkingContext{}, err
	}
	return doc, nil
}

// WriteWorkingContext replaces the working context in full. The document is
// rebuilt every session, never incrementally patched.
func (s *Store) WriteWorkingContext(wc WorkingContext) error {
	if strings.TrimSpace(wc.SessionID) == "" {
		return validationErr(DocWorkingContext, "sessionId", "must be non-empty")
	}
	wc.Version = SchemaVersion
	if wc.ComputedAt.IsZero() {
		wc.ComputedAt = time.Now().UTC()
	}
	return s.writeDoc(DocWorkingContext, wc)
}

// =============================================================================
// ID generation
// =============================================================================

// assignID returns explicit if the caller supplied one (rejecting
// duplicates), otherwise generates "<prefix>-<YYYYMMDD>-<seq>" where seq is
// the smallest positive integer not already used for that prefix and date.
// The gap-filling scan keeps same-day ids collision-free across runs.
func assignID(prefix, explicit string, ts time.Time, existing []string) (string, error) {
	if explicit != "" {
		for _, id := range existing {
			if id == explicit {
				return "", fmt.Errorf("%s: %w", explicit, ErrDuplicateID)
			}
		}
		return explicit, nil
	}

	date := ts.UTC().Format("20060102")
	idPrefix := prefix + "-" + date + "-"
	used := make(map[int]bool)
	for _, id := range existing {
		if !strings.HasPrefix(id, idPrefix) {
			continue
		}
		if seq, err := strconv.Atoi(id[len(idPrefix):]); err == nil && seq > 0 {
			used[seq] = true
		}
	}
	seq := 1
	for used[seq] {
		seq++
	}
	return fmt.Sprintf("%s%d", idPrefix, seq), nil
}

// failureIDs extracts ids from failure entries.
func failureIDs(entries []FailureEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
