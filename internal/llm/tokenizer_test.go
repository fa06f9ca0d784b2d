package llm

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		input string
	}{
		{""},
		{"a"},
		{"hello"},
		{"hello world"},
		{"this is a longer sentence for testing"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := EstimateTokens(tt.input)
			if tt.input == "" {
				if got != 0 {
					t.Errorf("EstimateTokens(%q) = %d, want 0", tt.input, got)
				}
				return
			}
			if got <= 0 {
				t.Errorf("EstimateTokens(%q) = %d, want > 0", tt.input, got)
			}
			// Inputs longer than five characters must estimate at least two tokens.
			if len(tt.input) > 5 && got < 2 {
				t.Errorf("EstimateTokens(%q) = %d looks too small", tt.input, got)
			}
		})
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	short := EstimateTokens("hello")
	long := EstimateTokens("hello there, this is a much longer message with many more words in it")
	if long <= short {
		t.Fatalf("expected longer text to estimate more tokens: short=%d long=%d", short, long)
	}
}

func TestEstimateTokensForMessages(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "Hello"},
	}

	total := EstimateTokensForMessages(msgs)
	expected := EstimateTokens("You are a helpful assistant.") + EstimateTokens("Hello")

	if total != expected {
		t.Errorf("EstimateTokensForMessages() = %d, want %d", total, expected)
	}
}
