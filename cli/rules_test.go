package cli

import (
	"testing"

	assert "github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		rules    ClassificationRuleSet
		input    string
		severity Severity
		match    string
		ok       bool
	}{
		{"Error", ClassificationRuleSet{Error: []string{"error"}}, "prompt> text\nsome\nerror", Error, "error", true},
		{"Critical", ClassificationRuleSet{Critical: []string{"error"}}, "prompt> text\nsome\nerror", Critical, "error", true},
		{"Warning", ClassificationRuleSet{Warning: []string{"error"}}, "prompt> text\nsome\nerror", Warning, "error", true},
		{"NotAnchored", ClassificationRuleSet{Error: []string{"error"}}, "show error counters\n0 errors", 0, "", false},
		{"CriticalFirst", ClassificationRuleSet{
			Warning:  []string{"%"},
			Error:    []string{"% Invalid"},
			Critical: []string{"% Invalid input"},
		}, "foo\r\n% Invalid input detected", Critical, "% Invalid input", true},
		{"ErrorBeforeWarning", ClassificationRuleSet{
			Warning: []string{"%"},
			Error:   []string{"% Invalid"},
		}, "foo\n% Invalid input detected", Error, "% Invalid", true},
		{"AnchoredAfterScrub", ClassificationRuleSet{Error: []string{"error"}}, "x\nx\berror", Error, "error", true},
		{"EmptyRule", ClassificationRuleSet{Error: []string{""}}, "anything\n", 0, "", false},
		{"NoRules", ClassificationRuleSet{}, "\nerror", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			severity, match, ok := tt.rules.Classify([]byte(tt.input))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.severity, severity)
			assert.Equal(t, tt.match, match)
		})
	}
}

func TestResponseRuleReply(t *testing.T) {
	assert.Equal(t, "yes", string(ResponseRule{Question: "?", Answer: "yes"}.reply()))
	assert.Equal(t, "yes\n", string(ResponseRule{Question: "?", Answer: "yes", Newline: true}.reply()))
}
