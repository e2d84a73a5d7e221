package cli

import (
	"bytes"
)

// ResponseRule answers an interactive question found in command output. A rule may
// fire any number of times.
type ResponseRule struct {
	// Question is the text that identifies the question.
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
	// Newline appends a newline to the answer.
	Newline bool `yaml:"newline"`
}

func (r ResponseRule) reply() []byte {
	if r.Newline {
		return []byte(r.Answer + "\n")
	}
	return []byte(r.Answer)
}

// ClassificationRuleSet lists, per severity, the text that classifies command output.
// Text only matches at the start of a line.
type ClassificationRuleSet struct {
	Warning  []string `yaml:"warning_examples"`
	Error    []string `yaml:"error_examples"`
	Critical []string `yaml:"critical_examples"`
}

// Classify checks text against the critical, error and then warning rules, delivering
// the severity and the rule of the first match. ok is false if nothing matched.
func (c *ClassificationRuleSet) Classify(text []byte) (severity Severity, match string, ok bool) {
	masked := Mask(Scrub(text))
	for _, set := range []struct {
		severity Severity
		examples []string
	}{
		{Critical, c.Critical},
		{Error, c.Error},
		{Warning, c.Warning},
	} {
		for _, example := range set.examples {
			if example == "" {
				continue
			}
			anchored := append([]byte{'\n'}, Mask([]byte(example))...)
			if bytes.Contains(masked, anchored) {
				return set.severity, example, true
			}
		}
	}
	return 0, "", false
}
