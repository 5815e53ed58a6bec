package userid

import "testing"

func TestLocalPart(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"jane@example.com", "jane"},
		{"jane.doe@example.com", "jane.doe"},
		{"no-at-sign", "no-at-sign"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := LocalPart(tt.email); got != tt.want {
			t.Errorf("LocalPart(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}

func TestShortID(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"jane@example.com", "jane"},
		{"Jane.Doe@Example.com", "jane-doe"},
		{"j+test@example.com", "j-test"},
		{"__x__@example.com", "x"},
		{"a..b@example.com", "a-b"},
		{"...@example.com", "user"},
		{"", "user"},
	}
	for _, tt := range tests {
		if got := ShortID(tt.email); got != tt.want {
			t.Errorf("ShortID(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}

func TestShortIDStable(t *testing.T) {
	if ShortID("jane.doe@example.com") != ShortID("jane.doe@example.com") {
		t.Error("ShortID must be stable per email")
	}
}
