package validation

import (
	"testing"
)

func TestValidateNodeName(t *testing.T) {
	tests := []struct {
		name    string
		node    string
		wantErr bool
	}{
		// Valid names
		{"simple", "greet", false},
		{"single char", "x", false},
		{"with digit", "step2", false},
		{"with underscore", "last_updated_at", false},
		{"max length", "a" + repeat("b", 63), false},

		// Invalid names - injection attempts and format violations
		{"empty", "", true},
		{"sql injection", "n'; DROP TABLE flow_values--", true},
		{"newline injection", "greet\nx", true},
		{"uppercase", "Greet", true},
		{"too long", "a" + repeat("b", 64), true},
		{"special chars", "greet@#$", true},
		{"spaces", "my node", true},
		{"starts with digit", "2greet", true},
		{"starts with underscore", "_greet", true},
		{"hyphen", "my-node", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNodeName(tt.node)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateNodeName(%q) error = %v, wantErr %v", tt.node, err, tt.wantErr)
			}
		})
	}
}

func TestValidateNodeNames(t *testing.T) {
	tests := []struct {
		name    string
		nodes   []string
		wantErr bool
	}{
		{"all valid", []string{"x", "y", "sum"}, false},
		{"one invalid", []string{"x", "BAD!", "sum"}, true},
		{"all invalid", []string{"X", "Y"}, true},
		{"empty slice", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNodeNames(tt.nodes)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateNodeNames(%v) error = %v, wantErr %v", tt.nodes, err, tt.wantErr)
			}
		})
	}
}

func TestValidateGraphName(t *testing.T) {
	tests := []struct {
		name    string
		graph   string
		wantErr bool
	}{
		{"simple", "greeter", false},
		{"human facing", "Horoscope Workflow v2", false},
		{"dotted", "billing.invoices", false},
		{"hyphenated", "fraud-scoring", false},
		{"empty", "", true},
		{"only spaces", "   ", true},
		{"quote", `greeter"`, true},
		{"control char", "greeter\tx", true},
		{"too long", repeat("g", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGraphName(tt.graph)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateGraphName(%q) error = %v, wantErr %v", tt.graph, err, tt.wantErr)
			}
		})
	}
}

func TestValidateGraphVersion(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr bool
	}{
		{"full semver", "1.0.0", false},
		{"two part", "2.1", false},
		{"single part", "3", false},
		{"prerelease", "1.0.0-rc1", false},
		{"empty", "", true},
		{"leading v", "v1.0.0", true},
		{"word", "latest", true},
		{"trailing dot", "1.0.", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGraphVersion(tt.version)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateGraphVersion(%q) error = %v, wantErr %v", tt.version, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeNodeName(t *testing.T) {
	tests := []struct {
		name    string
		node    string
		want    string
		wantErr bool
	}{
		{"lowercase passthrough", "greet", "greet", false},
		{"uppercase normalized", "GREET", "greet", false},
		{"mixed case", "GrEeT", "greet", false},
		{"with spaces trimmed", "  greet  ", "greet", false},
		{"invalid rejected", "bad!", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeNodeName(tt.node)
			if (err != nil) != tt.wantErr {
				t.Errorf("SanitizeNodeName(%q) error = %v, wantErr %v", tt.node, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("SanitizeNodeName(%q) = %q, want %q", tt.node, got, tt.want)
			}
		})
	}
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
