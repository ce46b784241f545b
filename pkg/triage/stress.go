package triage

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/crisisdesk/triage/pkg/patterns"
)

// Stress signal heuristics. The NLU layer surfaces its own distress flag;
// these heuristics catch what slips past it: distress vocabulary, repeated
// negations and fragmentary replies. All matching runs on NFKC-normalized
// text so fullwidth and composed forms hit the same patterns.

// shortReplyTokens is the token count at or below which a reply counts as
// fragmentary; shortReplyRunThreshold consecutive fragments count as stress.
const (
	shortReplyTokens        = 2
	shortReplyRunThreshold  = 3
	stressSeverityThreshold = 50
)

// StressReport is the outcome of analyzing one utterance.
type StressReport struct {
	Detected bool
	// Signals names the matched pattern(s) for logging and audit.
	Signals []string
	// Fragmentary marks a very short reply; the orchestrator accumulates
	// these across turns.
	Fragmentary bool
	// HumanRequest is set when the raw text asks for a human or for
	// emergency services, independent of the recognized intent.
	HumanRequest bool
}

// AnalyzeStress scans an utterance for distress signals. An empty utterance
// yields an empty report; the explicit NLU flag is combined by the caller.
func AnalyzeStress(utterance string) StressReport {
	report := StressReport{}
	text := norm.NFKC.String(strings.TrimSpace(utterance))
	if text == "" {
		return report
	}

	report.Fragmentary = len(strings.Fields(text)) <= shortReplyTokens

	reg := patterns.Get()

	severity := 0
	for _, p := range reg.MatchAll(text, patterns.CategoryDistress, patterns.CategoryNegation) {
		report.Signals = append(report.Signals, p.Name)
		if p.Severity > severity {
			severity = p.Severity
		}
	}

	// Urgency alone is not stress; it only reinforces an existing signal.
	if severity > 0 {
		if p := reg.MatchAny(text, patterns.CategoryUrgency); p != nil {
			report.Signals = append(report.Signals, p.Name)
			severity += 10
		}
	}

	report.Detected = severity >= stressSeverityThreshold

	if p := reg.MatchAny(text, patterns.CategoryHumanRequest); p != nil {
		report.Signals = append(report.Signals, p.Name)
		report.HumanRequest = true
	}

	return report
}
