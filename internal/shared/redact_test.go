package shared

import "testing"

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_TokenUUID(t *testing.T) {
	input := `token=0f8fad5b-d9cb-469f-a165-70867728950e`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "session sess-42 archived after 7 idle days"
	if result := Redact(input); result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedact_Empty(t *testing.T) {
	if result := Redact(""); result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestRedactEnvValue(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"REDIS_PASSWORD", "hunter2", "[REDACTED]"},
		{"CTXVAULT_API_KEY", "abc", "[REDACTED]"},
		{"CTXVAULT_HOME", "/data", "/data"},
	}
	for _, tc := range cases {
		if got := RedactEnvValue(tc.key, tc.value); got != tc.want {
			t.Errorf("RedactEnvValue(%q): got %q want %q", tc.key, got, tc.want)
		}
	}
}
