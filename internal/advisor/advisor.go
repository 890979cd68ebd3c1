// Package advisor surfaces relevant past failures, successes, and patterns
// before work starts.
//
// The advisor is read-only and advisory: it never blocks and never errors on
// an empty history. Matching is deliberately biased toward over-matching,
// since a missed warning costs more than a spurious one.
package advisor

import (
	"sort"
	"strings"

	"github.com/prpkit/ralph/internal/memory"
)

// DefaultKeywordThreshold is the keyword overlap ratio above which an entry
// matches when no file overlap exists.
const DefaultKeywordThreshold = 0.2

// DefaultMaxMatches caps returned failures and successes.
const DefaultMaxMatches = 5

// Advisory is the result of checking a proposed approach against memory.
type Advisory struct {
	MatchedFailures  []memory.FailureEntry
	MatchedSuccesses []memory.SuccessEntry
	MatchedPatterns  []memory.Pattern
}

// Empty reports whether the advisory carries no matches.
func (a Advisory) Empty() bool {
	return len(a.MatchedFailures) == 0 && len(a.MatchedSuccesses) == 0 && len(a.MatchedPatterns) == 0
}

// Scorer decides whether a stored entry is relevant to a proposed approach.
// Implementations must be deterministic for identical inputs.
type Scorer interface {
	Matches(approach string, files []string, entryText string, entryFiles []string) bool
}

// Options configures an Advisor.
type Options struct {
	KeywordThreshold float64
	MaxMatches       int
	Scorer           Scorer // nil selects the default keyword+path scorer
}

// Advisor answers "has something like this been tried before?" from
// procedural and learned memory.
type Advisor struct {
	store      *memory.Store
	scorer     Scorer
	maxMatches int
}

// New creates an Advisor over the given store.
func New(store *memory.Store, opts Options) *Advisor {
	threshold := opts.KeywordThreshold
	if threshold <= 0 {
		threshold = DefaultKeywordThreshold
	}
	max := opts.MaxMatches
	if max <= 0 {
		max = DefaultMaxMatches
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = &keywordPathScorer{threshold: threshold}
	}
	return &Advisor{store: store, scorer: scorer, maxMatches: max}
}

// CheckApproach matches a proposed approach and target files against stored
// failures, successes, and patterns. Results are ordered most-recent-first
// (ties broken by id) and capped, so identical memory state and inputs
// always produce identical output.
func (a *Advisor) CheckApproach(approach string, targetFiles []string) (Advisory, error) {
	var result Advisory

	failures, err := a.store.Failures()
	if err != nil {
		return Advisory{}, err
	}
	for _, f := range failures {
		if a.scorer.Matches(approach, targetFiles, f.Approach, f.Files) {
			result.MatchedFailures = append(result.MatchedFailures, f)
		}
	}
	sort.SliceStable(result.MatchedFailures, func(i, j int) bool {
		fi, fj := result.MatchedFailures[i], result.MatchedFailures[j]
		if !fi.Timestamp.Equal(fj.Timestamp) {
			return fi.Timestamp.After(fj.Timestamp)
		}
		return fi.ID > fj.ID
	})
	if len(result.MatchedFailures) > a.maxMatches {
		result.MatchedFailures = result.MatchedFailures[:a.maxMatches]
	}

	successes, err := a.store.Successes()
	if err != nil {
		return Advisory{}, err
	}
	for _, s := range successes {
		text := s.Approach
		if s.Pattern != "" {
			text += " " + s.Pattern
		}
		if a.scorer.Matches(approach, targetFiles, text, s.Files) {
			result.MatchedSuccesses = append(result.MatchedSuccesses, s)
		}
	}
	sort.SliceStable(result.MatchedSuccesses, func(i, j int) bool {
		si, sj := result.MatchedSuccesses[i], result.MatchedSuccesses[j]
		if !si.Timestamp.Equal(sj.Timestamp) {
			return si.Timestamp.After(sj.Timestamp)
		}
		return si.ID > sj.ID
	})
	if len(result.MatchedSuccesses) > a.maxMatches {
		result.MatchedSuccesses = result.MatchedSuccesses[:a.maxMatches]
	}

	patterns, err := a.store.Patterns()
	if err != nil {
		return Advisory{}, err
	}
	for _, p := range patterns.CodePatterns {
		text := p.Name + " " + p.Description + " " + strings.Join(p.Applicability, " ")
		if a.scorer.Matches(approach, targetFiles, text, nil) {
			result.MatchedPatterns = append(result.MatchedPatterns, p)
		}
	}
	sort.SliceStable(result.MatchedPatterns, func(i, j int) bool {
		return result.MatchedPatterns[i].ID > result.MatchedPatterns[j].ID
	})

	return result, nil
}

// keywordPathScorer is the default Scorer: an entry matches if any target
// file appears in the entry's file set, or if the keyword overlap between
// the two texts meets the threshold. Either signal suffices on its own.
type keywordPathScorer struct {
	threshold float64
}

func (s *keywordPathScorer) Matches(approach string, files []string, entryText string, entryFiles []string) bool {
	if fileOverlap(files, entryFiles) {
		return true
	}
	return keywordOverlap(approach, entryText) >= s.threshold
}

// fileOverlap reports whether the two path sets share any element.
func fileOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	for _, f := range b {
		if set[f] {
			return true
		}
	}
	return false
}

// stopwords excluded from keyword matching. Short function words would
// otherwise make every approach look like every other approach.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "then": true, "than": true,
	"use": true, "using": true, "add": true, "added": true, "adding": true,
	"new": true, "make": true, "change": true, "update": true, "file": true,
	"files": true, "code": true, "via": true, "when": true, "where": true,
}

// tokenize lowercases text and splits it into keyword tokens, dropping
// stopwords and tokens shorter than three characters.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	var current strings.Builder
	flush := func() {
		if current.Len() >= 3 {
			word := current.String()
			if !stopwords[word] {
				tokens[word] = true
			}
		}
		current.Reset()
	}
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// keywordOverlap returns |A ∩ B| / min(|A|, |B|) over keyword token sets.
// Dividing by the smaller set keeps short approach strings matchable
// against long stored descriptions.
func keywordOverlap(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for tok := range ta {
		if tb[tok] {
			shared++
		}
	}
	min := len(ta)
	if len(tb) < min {
		min = len(tb)
	}
	return float64(shared) / float64(min)
}
