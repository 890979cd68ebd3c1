// Package gate is the completion gate paired with the external stop hook.
//
// The gate is a second, independent validator: the loop decides COMPLETE on
// its own evidence, and the stop hook re-validates the declared output
// artifact before the driving process is allowed to exit. A bug in one
// check does not silently pass an incomplete artifact through the other.
package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/prpkit/ralph/internal/log"
)

// Result is the outcome of validating an artifact.
type Result struct {
	OK      bool
	Missing []string
}

// Decision is the stop-hook verdict consumed by the external runtime.
// A zero Decision allows exit; {"decision":"block"} forces another turn.
type Decision struct {
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Allows reports whether the decision permits process exit.
func (d Decision) Allows() bool {
	return d.Decision != "block"
}

// JSON renders the decision for the hook runtime.
func (d Decision) JSON() ([]byte, error) {
	return json.Marshal(d)
}

// Validate checks that every required section occurs verbatim in the
// artifact. Exact substring containment only: no trimming of the required
// strings, no fuzzy matching, no partial credit.
func Validate(artifactPath string, requiredSections []string) (Result, error) {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read artifact: %w", err)
	}
	content := string(data)

	result := Result{OK: true}
	for _, section := range requiredSections {
		if !strings.Contains(content, section) {
			result.OK = false
			result.Missing = append(result.Missing, section)
		}
	}
	return result, nil
}

// WriteSentinel records the artifact path the stop hook must validate.
func WriteSentinel(sentinelPath, artifactPath string) error {
	return os.WriteFile(sentinelPath, []byte(artifactPath+"\n"), 0o644)
}

// CheckSentinel implements the stop-hook boundary:
//
//   - no sentinel: allow exit, nothing under validation
//   - sentinel present, artifact complete: delete sentinel, allow exit
//   - sentinel present, artifact incomplete: block with the missing
//     sections enumerated; the sentinel stays so the next turn retries
func CheckSentinel(sentinelPath string, requiredSections []string) (Decision, error) {
	data, err := os.ReadFile(sentinelPath)
	if os.IsNotExist(err) {
		log.Debug("no sentinel present, allowing exit")
		return Decision{}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read sentinel: %w", err)
	}

	artifactPath := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	if artifactPath == "" {
		return Decision{}, fmt.Errorf("sentinel %s is empty", sentinelPath)
	}

	result, err := Validate(artifactPath, requiredSections)
	if err != nil {
		return Decision{}, err
	}

	if result.OK {
		if err := os.Remove(sentinelPath); err != nil {
			return Decision{}, fmt.Errorf("failed to delete sentinel: %w", err)
		}
		log.Info("artifact complete, allowing exit", "artifact", artifactPath)
		return Decision{}, nil
	}

	reason := fmt.Sprintf("%s is missing required sections: %s. Add the missing sections and finish the artifact before stopping.",
		artifactPath, strings.Join(result.Missing, ", "))
	log.Info("artifact incomplete, blocking exit", "artifact", artifactPath, "missing", len(result.Missing))
	return Decision{Decision: "block", Reason: reason}, nil
}
