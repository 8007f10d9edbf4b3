package gallery

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// CriterionType selects the answer format the model must obey.
type CriterionType string

const (
	YesNo          CriterionType = "yes_no"
	YesNoUncertain CriterionType = "yes_no_uncertain"
	Int            CriterionType = "int"
	Float          CriterionType = "float"
	OpenEnded      CriterionType = "open_ended"
)

// Valid reports whether t is a known criterion type.
func (t CriterionType) Valid() bool {
	switch t {
	case YesNo, YesNoUncertain, Int, Float, OpenEnded:
		return true
	}
	return false
}

// formatInstruction describes the expected answer format to the model.
func (t CriterionType) formatInstruction() string {
	switch t {
	case YesNo:
		return `answer "Y" or "N"; if unanswerable answer "N"`
	case YesNoUncertain:
		return `answer "Y", "N" or "U"; if unanswerable answer "U"`
	case Int:
		return `answer with an integer as a string, e.g. "42"; if unanswerable answer "0"`
	case Float:
		return `answer with a decimal number as a string, e.g. "3.5"; if unanswerable answer "0"`
	case OpenEnded:
		return `answer free-form text of at most 200 characters; if unanswerable answer "I cannot answer this."`
	default:
		return ""
	}
}

// EvaluationCriterion is one question the model answers per item. Hard
// criteria are mandatory: a non-affirmative answer disqualifies the item.
type EvaluationCriterion struct {
	Question string        `json:"question"`
	Type     CriterionType `json:"type"`
	Hard     bool          `json:"hard,omitempty"`
}

// EvaluationCriteria is the ordered question list of a gallery.
type EvaluationCriteria []EvaluationCriterion

// Validate checks every criterion for a non-empty question and known type.
func (c EvaluationCriteria) Validate() error {
	for i, criterion := range c {
		if strings.TrimSpace(criterion.Question) == "" {
			return fmt.Errorf("criterion %d: empty question", i)
		}
		if !criterion.Type.Valid() {
			return fmt.Errorf("criterion %d: unknown type %q", i, criterion.Type)
		}
	}
	return nil
}

// PromptDescription renders the numbered question list with per-question
// format instructions, for inclusion in the analyzer's system prompt.
func (c EvaluationCriteria) PromptDescription() string {
	var b strings.Builder
	for i, criterion := range c {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, criterion.Question, criterion.Type.formatInstruction())
	}
	return b.String()
}

// Answer is one parsed, format-checked model answer.
type Answer struct {
	Type CriterionType `json:"type"`
	Raw  string        `json:"raw"`

	// Exactly one of the typed fields below is meaningful, per Type.
	Affirm *bool    `json:"affirm,omitempty"` // YesNo / YesNoUncertain; nil means uncertain
	IntVal *int64   `json:"int_val,omitempty"`
	FltVal *float64 `json:"flt_val,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// affirmative reports whether the answer counts as satisfying a hard
// criterion, in the type's natural sense.
func (a Answer) affirmative() bool {
	switch a.Type {
	case YesNo, YesNoUncertain:
		return a.Affirm != nil && *a.Affirm
	case Int:
		return a.IntVal != nil && *a.IntVal > 0
	case Float:
		return a.FltVal != nil && *a.FltVal > 0
	case OpenEnded:
		return true
	}
	return false
}

// ParseAnswers checks raw against the criteria and returns the typed answer
// sequence plus whether every hard criterion is satisfied. The answer count
// must equal the criteria count; each answer must obey its criterion's
// format. Zero criteria with zero answers parse as vacuously satisfied.
func (c EvaluationCriteria) ParseAnswers(raw []string) ([]Answer, bool, error) {
	if len(raw) != len(c) {
		return nil, false, fmt.Errorf("answer count %d does not match criteria count %d", len(raw), len(c))
	}

	answers := make([]Answer, len(raw))
	satisfied := true
	for i, criterion := range c {
		answer, err := parseAnswer(criterion.Type, raw[i])
		if err != nil {
			return nil, false, fmt.Errorf("answer %d: %w", i, err)
		}
		answers[i] = answer
		if criterion.Hard && !answer.affirmative() {
			satisfied = false
		}
	}
	return answers, satisfied, nil
}

func parseAnswer(typ CriterionType, raw string) (Answer, error) {
	answer := Answer{Type: typ, Raw: raw}
	trimmed := strings.TrimSpace(raw)

	switch typ {
	case YesNo:
		switch trimmed {
		case "Y":
			yes := true
			answer.Affirm = &yes
		case "N":
			no := false
			answer.Affirm = &no
		default:
			return Answer{}, fmt.Errorf("expected Y or N, got %q", raw)
		}
	case YesNoUncertain:
		switch trimmed {
		case "Y":
			yes := true
			answer.Affirm = &yes
		case "N":
			no := false
			answer.Affirm = &no
		case "U":
			answer.Affirm = nil
		default:
			return Answer{}, fmt.Errorf("expected Y, N or U, got %q", raw)
		}
	case Int:
		val, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return Answer{}, fmt.Errorf("expected integer, got %q", raw)
		}
		answer.IntVal = &val
	case Float:
		val, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return Answer{}, fmt.Errorf("expected decimal number, got %q", raw)
		}
		answer.FltVal = &val
	case OpenEnded:
		if utf8.RuneCountInString(raw) > 200 {
			return Answer{}, fmt.Errorf("open-ended answer exceeds 200 characters")
		}
		answer.Text = raw
	default:
		return Answer{}, fmt.Errorf("unknown criterion type %q", typ)
	}
	return answer, nil
}
