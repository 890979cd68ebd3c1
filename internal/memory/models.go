// Package memory provides the persistent memory store for Ralph.
//
// Memory is a fixed set of nine JSON documents grouped into five layers
// (working, episodic, semantic, procedural, learned). The store is the only
// component that serializes or deserializes these documents; everything else
// goes through its typed accessors. The documents are a contract shared with
// the external stop hook and the driving agent, so their on-disk shape is
// plain JSON at fixed relative paths.
package memory

import "time"

// SchemaVersion is the document schema version written and required on read.
const SchemaVersion = 3

// MaxDecisions is the episodic memory cap. Appends beyond this evict the
// oldest entries.
const MaxDecisions = 50

// FailureCategory classifies a recorded failure.
type FailureCategory string

const (
	CategoryValidation  FailureCategory = "validation"
	CategoryBuild       FailureCategory = "build"
	CategoryTest        FailureCategory = "test"
	CategoryLint        FailureCategory = "lint"
	CategoryIntegration FailureCategory = "integration"
	CategoryOther       FailureCategory = "other"
)

// RuleSource indicates how a learned rule was created.
type RuleSource string

const (
	SourceUserCorrection    RuleSource = "user-correction"
	SourcePatternExtraction RuleSource = "pattern-extraction"
)

// RuleConfidence grades how strongly a learned rule should be applied.
type RuleConfidence string

const (
	ConfidenceHigh   RuleConfidence = "high"
	ConfidenceMedium RuleConfidence = "medium"
	ConfidenceLow    RuleConfidence = "low"
)

// EntityType classifies a discovered architectural element.
type EntityType string

const (
	EntityComponent EntityType = "component"
	EntityService   EntityType = "service"
	EntityHook      EntityType = "hook"
	EntityAPI       EntityType = "api"
	EntityTest      EntityType = "test"
)

// FailureEntry records a rejected approach. Entries are append-only: once
// written they are never edited or removed.
type FailureEntry struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Plan       string          `json:"plan"`
	Iteration  int             `json:"iteration"`
	Approach   string          `json:"approach"`
	Files      []string        `json:"files"`
	Errors     []string        `json:"errors"`
	RootCause  string          `json:"rootCause"`
	Prevention string          `json:"prevention"`
	Category   FailureCategory `json:"category"`
}

// SuccessEntry records a validated approach deemed significant.
type SuccessEntry struct {
	ID                  string            `json:"id"`
	Timestamp           time.Time         `json:"timestamp"`
	Plan                string            `json:"plan"`
	Approach            string            `json:"approach"`
	Files               []string          `json:"files"`
	WhyItWorked         string            `json:"whyItWorked"`
	Pattern             string            `json:"pattern"`
	VerificationResults map[string]string `json:"verificationResults"`
	Lessons             []string          `json:"lessons"`
}

// Applicability scopes where a learned rule applies.
type Applicability struct {
	Always       bool     `json:"always"`
	Features     []string `json:"features"`
	FilePatterns []string `json:"filePatterns"`
}

// LearnedRule is a generalized correction. Rules are soft-deleted by
// flipping Active; they are never removed.
type LearnedRule struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Trigger       string         `json:"trigger"`
	Rule          string         `json:"rule"`
	Example       string         `json:"example"`
	Source        RuleSource     `json:"source"`
	Confidence    RuleConfidence `json:"confidence"`
	Active        bool           `json:"active"`
	Applicability Applicability  `json:"applicability"`
}

// Pattern is a reusable code or process pattern extracted from a success.
type Pattern struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Example       string   `json:"example"`
	ExtractedFrom string   `json:"extractedFrom"`
	Applicability []string `json:"applicability"`
}

// DecisionEntry is one episodic memory record.
type DecisionEntry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Feature      string    `json:"feature"`
	Decision     string    `json:"decision"`
	Rationale    string    `json:"rationale"`
	Alternatives []string  `json:"alternatives"`
	Impact       string    `json:"impact"`
}

// Entity is a discovered architectural element (component, service, route).
type Entity struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         EntityType `json:"type"`
	File         string     `json:"file"`
	Description  string     `json:"description"`
	Dependencies []string   `json:"dependencies"`
	Dependents   []string   `json:"dependents"`
	DiscoveredAt time.Time  `json:"discoveredAt"`
}

// ArchitectureProfile is the project-level semantic summary. Singleton.
type ArchitectureProfile struct {
	Version      int               `json:"version"`
	ProjectType  string            `json:"projectType"`
	TechStack    map[string]string `json:"techStack"`
	Structure    map[string]string `json:"structure"`
	Patterns     map[string]string `json:"patterns"`
	DiscoveredAt *time.Time        `json:"discoveredAt"`
	LastUpdated  *time.Time        `json:"lastUpdated"`
}

// RelevantMemory is the compiled slice of memory a session should see.
type RelevantMemory struct {
	RecentDecisions []DecisionEntry `json:"recentDecisions"`
	ProjectPatterns []Pattern       `json:"projectPatterns"`
	AvoidApproaches []FailureEntry  `json:"avoidApproaches"`
	LearnedRules    []LearnedRule   `json:"learnedRules"`
}

// WorkingContext is the session-scoped view assembled from the other
// documents. It is rebuilt in full each session, never patched.
type WorkingContext struct {
	Version        int            `json:"version"`
	ComputedAt     time.Time      `json:"computedAt"`
	SessionID      string         `json:"sessionId"`
	ActiveFeature  string         `json:"activeFeature"`
	RelevantMemory RelevantMemory `json:"relevantMemory"`
	CurrentTask    string         `json:"currentTask"`
	CompilationLog []string       `json:"compilationLog"`
}

// decisionsDoc is the on-disk shape of episodic/decisions.json.
type decisionsDoc struct {
	Version    int             `json:"version"`
	MaxEntries int             `json:"maxEntries"`
	Entries    []DecisionEntry `json:"entries"`
}

// failuresDoc is the on-disk shape of procedural/failures.json.
type failuresDoc struct {
	Version int            `json:"version"`
	Entries []FailureEntry `json:"entries"`
}

// successesDoc is the on-disk shape of procedural/successes.json.
type successesDoc struct {
	Version int            `json:"version"`
	Entries []SuccessEntry `json:"entries"`
}

// PatternGroups is the patterns section of procedural/patterns.json.
type PatternGroups struct {
	CodePatterns         []Pattern         `json:"codePatterns"`
	NamingConventions    map[string]string `json:"namingConventions"`
	ProjectSpecificRules []string          `json:"projectSpecificRules"`
}

// patternsDoc is the on-disk shape of procedural/patterns.json.
type patternsDoc struct {
	Version  int           `json:"version"`
	Patterns PatternGroups `json:"patterns"`
}

// rulesDoc is the on-disk shape of learned/rules.json.
type rulesDoc struct {
	Version     int            `json:"version"`
	LastUpdated *time.Time     `json:"lastUpdated"`
	Metadata    map[string]any `json:"metadata"`
	Rules       []LearnedRule  `json:"rules"`
}

// entitiesDoc is the on-disk shape of semantic/entities.json.
type entitiesDoc struct {
	Version  int      `json:"version"`
	Entities []Entity `json:"entities"`
}

// constraintsDoc is the on-disk shape of semantic/constraints.json.
type constraintsDoc struct {
	Version     int      `json:"version"`
	Constraints []string `json:"constraints"`
	Rules       []string `json:"rules"`
}
