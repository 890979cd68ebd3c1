// Package recorder is the write path into memory after each validation
// cycle.
package recorder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/prpkit/ralph/internal/log"
	"github.com/prpkit/ralph/internal/memory"
)

// Outcome is the validation result being recorded.
type Outcome string

const (
	OutcomeFail Outcome = "FAIL"
	OutcomePass Outcome = "PASS"
)

// ErrDuplicate is returned when an outcome identical to the most recently
// recorded one for the same plan and iteration is submitted again. Process
// retries must not double-count.
var ErrDuplicate = errors.New("duplicate outcome submission")

// Context carries everything the recorder may persist about one outcome.
type Context struct {
	Plan      string
	Iteration int
	Approach  string
	Files     []string

	// Failure fields.
	Errors     []string
	RootCause  string
	Prevention string
	Category   memory.FailureCategory

	// Success fields.
	Significant  bool // only significant passes become SuccessEntries
	WhyItWorked  string
	Pattern      string // candidate pattern description for extraction
	PatternName  string
	Verification map[string]string
	Lessons      []string

	// Episodic fields.
	Feature      string
	Rationale    string
	Alternatives []string
	Impact       string
}

// Recorder appends failures, successes, decisions, and extracted patterns
// to the memory store.
type Recorder struct {
	store *memory.Store
}

// New creates a Recorder over the given store.
func New(store *memory.Store) *Recorder {
	return &Recorder{store: store}
}

// RecordOutcome persists one validation outcome. The returned id is the
// failure or success entry id, or the decision id for an insignificant pass.
//
// Ordering guarantee: the episodic DecisionEntry for an iteration is always
// appended after its FailureEntry or SuccessEntry, so episodic readers see
// decisions in validation order.
func (r *Recorder) RecordOutcome(outcome Outcome, c Context) (string, error) {
	if strings.TrimSpace(c.Approach) == "" {
		return "", &memory.ValidationError{Doc: "recordOutcome", Field: "approach", Reason: "must be non-empty"}
	}

	if err := r.checkDuplicate(outcome, c); err != nil {
		return "", err
	}

	switch outcome {
	case OutcomeFail:
		return r.recordFailure(c)
	case OutcomePass:
		return r.recordSuccess(c)
	default:
		return "", fmt.Errorf("unknown outcome %q", outcome)
	}
}

// checkDuplicate rejects a resubmission of the latest recorded outcome for
// the same plan and iteration. An insignificant pass leaves only an episodic
// decision, so it is compared against the latest DecisionEntry instead.
func (r *Recorder) checkDuplicate(outcome Outcome, c Context) error {
	switch outcome {
	case OutcomeFail:
		failures, err := r.store.Failures()
		if err != nil {
			return err
		}
		if len(failures) == 0 {
			return nil
		}
		last := failures[len(failures)-1]
		if last.Plan == c.Plan && last.Iteration == c.Iteration && last.Approach == c.Approach {
			return fmt.Errorf("failure for %s iteration %d: %w", c.Plan, c.Iteration, ErrDuplicate)
		}
	case OutcomePass:
		if !c.Significant {
			decisions, err := r.store.Decisions()
			if err != nil {
				return err
			}
			if len(decisions) == 0 {
				return nil
			}
			last := decisions[len(decisions)-1]
			if last.Decision == "Validated approach: "+c.Approach && last.Rationale == c.rationaleText() {
				return fmt.Errorf("pass for %s iteration %d: %w", c.Plan, c.Iteration, ErrDuplicate)
			}
			return nil
		}
		successes, err := r.store.Successes()
		if err != nil {
			return err
		}
		if len(successes) == 0 {
			return nil
		}
		last := successes[len(successes)-1]
		if last.Plan == c.Plan && last.Approach == c.Approach {
			return fmt.Errorf("success for %s: %w", c.Plan, ErrDuplicate)
		}
	}
	return nil
}

// recordFailure appends a FailureEntry, then its episodic decision.
func (r *Recorder) recordFailure(c Context) (string, error) {
	if strings.TrimSpace(c.RootCause) == "" {
		return "", &memory.ValidationError{Doc: memory.DocFailures, Field: "rootCause", Reason: "must be non-empty"}
	}
	if strings.TrimSpace(c.Prevention) == "" {
		return "", &memory.ValidationError{Doc: memory.DocFailures, Field: "prevention", Reason: "must be non-empty"}
	}
	// The root cause must be an analysis, not the error text pasted back.
	if len(c.Errors) > 0 && strings.TrimSpace(c.RootCause) == strings.TrimSpace(c.Errors[0]) {
		return "", &memory.ValidationError{Doc: memory.DocFailures, Field: "rootCause", Reason: "must not repeat the raw error text verbatim"}
	}

	id, err := r.store.AppendFailure(memory.FailureEntry{
		Plan:       c.Plan,
		Iteration:  c.Iteration,
		Approach:   c.Approach,
		Files:      c.Files,
		Errors:     c.Errors,
		RootCause:  c.RootCause,
		Prevention: c.Prevention,
		Category:   c.Category,
	})
	if err != nil {
		return "", err
	}

	if err := r.appendDecision(c, fmt.Sprintf("Rejected approach: %s", c.Approach)); err != nil {
		return "", err
	}
	return id, nil
}

// recordSuccess appends a SuccessEntry when significant, always appends the
// episodic decision, then attempts pattern extraction.
func (r *Recorder) recordSuccess(c Context) (string, error) {
	var successID string

	if c.Significant {
		if strings.TrimSpace(c.WhyItWorked) == "" {
			return "", &memory.ValidationError{Doc: memory.DocSuccesses, Field: "whyItWorked", Reason: "must be non-empty"}
		}
		id, err := r.store.AppendSuccess(memory.SuccessEntry{
			Plan:                c.Plan,
			Approach:            c.Approach,
			Files:               c.Files,
			WhyItWorked:         c.WhyItWorked,
			Pattern:             c.Pattern,
			VerificationResults: c.Verification,
			Lessons:             c.Lessons,
		})
		if err != nil {
			return "", err
		}
		successID = id
	}

	decisionID, err := r.appendDecisionID(c, fmt.Sprintf("Validated approach: %s", c.Approach))
	if err != nil {
		return "", err
	}

	if successID != "" && strings.TrimSpace(c.Pattern) != "" {
		if err := r.extractPattern(c, successID); err != nil {
			return "", err
		}
	}

	if successID != "" {
		return successID, nil
	}
	return decisionID, nil
}

// extractPattern appends a new Pattern referencing the created success
// entry, unless an existing pattern description is a near-duplicate.
func (r *Recorder) extractPattern(c Context, successID string) error {
	groups, err := r.store.Patterns()
	if err != nil {
		return err
	}
	for _, existing := range groups.CodePatterns {
		if nearDuplicate(existing.Description, c.Pattern) {
			log.Debug("pattern already known, skipping extraction",
				"existing", existing.ID, "description", existing.Description)
			return nil
		}
	}

	name := c.PatternName
	if name == "" {
		name = patternName(c.Pattern)
	}
	id, err := r.store.AppendPattern(memory.Pattern{
		Name:          name,
		Description:   c.Pattern,
		ExtractedFrom: successID,
		Applicability: c.Files,
	})
	if err != nil {
		return err
	}
	log.Info("extracted pattern", "id", id, "from", successID)
	return nil
}

// appendDecision records the episodic entry for this outcome.
func (r *Recorder) appendDecision(c Context, decision string) error {
	_, err := r.appendDecisionID(c, decision)
	return err
}

func (r *Recorder) appendDecisionID(c Context, decision string) (string, error) {
	return r.store.AppendDecision(memory.DecisionEntry{
		Feature:      c.Feature,
		Decision:     decision,
		Rationale:    c.rationaleText(),
		Alternatives: c.Alternatives,
		Impact:       c.Impact,
	})
}

// rationaleText is the episodic rationale for this context. The duplicate
// check and appendDecisionID must agree on it, since for an insignificant
// pass the decision's rationale is what encodes plan and iteration.
func (c Context) rationaleText() string {
	if c.Rationale != "" {
		return c.Rationale
	}
	return fmt.Sprintf("iteration %d of %s", c.Iteration, c.Plan)
}

// nearDuplicate reports whether two pattern descriptions describe the same
// thing: equal after normalization, or one contains the other.
func nearDuplicate(a, b string) bool {
	na, nb := normalize(a), normalize(b)
	if na == "" || nb == "" {
		return false
	}
	return na == nb || strings.Contains(na, nb) || strings.Contains(nb, na)
}

// normalize lowercases and collapses whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// patternName derives a short name from a pattern description.
func patternName(description string) string {
	words := strings.Fields(description)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}
