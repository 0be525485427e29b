// Package certainty implements the pure text-to-score heuristic that
// decides how confidently a task can be executed without human
// clarification. It has no I/O and no dependency on any other
// package, so it is trivially unit-testable and safe to call from any
// goroutine.
package certainty

import (
	"regexp"
	"strings"
)

// Level is a human-readable label for Result.Score.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Result is the analyzer's verdict on a task's text.
type Result struct {
	Score                  float64
	Level                  Level
	Reasons                []string
	ClarificationQuestions []string
}

var imperativeVerbs = []string{
	"add", "fix", "update", "remove", "delete", "create", "implement",
	"refactor", "rename", "move", "write", "change", "replace", "bump",
	"upgrade", "migrate", "revert", "clean", "document", "test",
}

var ambiguityMarkers = []string{
	"maybe", "not sure", "something", "somehow", "i think", "possibly",
	"kind of", "sort of", "whatever", "etc", "idk", "figure out",
	"probably", "could",
}

var targetTokenPattern = regexp.MustCompile(`\b[\w./\-]+\.(go|py|js|ts|tsx|jsx|rb|java|rs|md|yaml|yml|json)\b`)

// Analyze scores a task's content, returning a deterministic Result. The
// same inputs always produce the same output.
func Analyze(content, summary, transcript string) Result {
	text := strings.ToLower(strings.TrimSpace(content))
	if text == "" {
		text = strings.ToLower(strings.TrimSpace(summary))
	}

	if text == "" {
		return Result{
			Score:                  0,
			Level:                  LevelLow,
			Reasons:                []string{"no actionable text provided"},
			ClarificationQuestions: []string{"What would you like me to do?"},
		}
	}

	score := 0.3
	var reasons []string

	wordCount := len(strings.Fields(text))
	switch {
	case wordCount >= 12:
		score += 0.2
		reasons = append(reasons, "detailed instruction (12+ words)")
	case wordCount >= 6:
		score += 0.1
		reasons = append(reasons, "moderate length instruction")
	default:
		reasons = append(reasons, "very short instruction")
	}

	if hasImperativeVerb(text) {
		score += 0.25
		reasons = append(reasons, "contains an imperative action verb")
	} else {
		reasons = append(reasons, "no clear action verb found")
	}

	if targetTokenPattern.MatchString(text) {
		score += 0.2
		reasons = append(reasons, "references a specific file or path")
	}

	ambiguous := false
	for _, marker := range ambiguityMarkers {
		if strings.Contains(text, marker) {
			ambiguous = true
			break
		}
	}
	if ambiguous {
		score -= 0.35
		reasons = append(reasons, "contains ambiguity markers")
	}

	if transcript != "" && len(strings.Fields(transcript)) > wordCount*2 {
		score += 0.05
		reasons = append(reasons, "original transcript adds supporting context")
	}

	score = clamp(score, 0, 1)

	var questions []string
	if score < 0.4 {
		questions = clarificationQuestions(text)
	}

	return Result{
		Score:                  score,
		Level:                  levelFor(score),
		Reasons:                reasons,
		ClarificationQuestions: questions,
	}
}

func hasImperativeVerb(text string) bool {
	firstWord := strings.Fields(text)
	if len(firstWord) == 0 {
		return false
	}
	for _, verb := range imperativeVerbs {
		if strings.HasPrefix(text, verb+" ") || firstWord[0] == verb {
			return true
		}
		if strings.Contains(text, " "+verb+" ") {
			return true
		}
	}
	return false
}

func clarificationQuestions(text string) []string {
	qs := []string{"Could you clarify what exactly should be changed?"}
	if !targetTokenPattern.MatchString(text) {
		qs = append(qs, "Which file or part of the codebase does this affect?")
	}
	if !hasImperativeVerb(text) {
		qs = append(qs, "What action should be taken (add, fix, remove, etc.)?")
	}
	return qs
}

func levelFor(score float64) Level {
	switch {
	case score >= 0.7:
		return LevelHigh
	case score >= 0.4:
		return LevelMedium
	default:
		return LevelLow
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
