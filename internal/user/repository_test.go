package user

import "testing"

func TestLikePattern(t *testing.T) {
	tests := []struct {
		query, want string
	}{
		{"ali", `%ali%`},
		{"100%", `%100\%%`},
		{"a_b", `%a\_b%`},
		{`back\slash`, `%back\\slash%`},
	}
	for _, tt := range tests {
		if got := likePattern(tt.query); got != tt.want {
			t.Errorf("likePattern(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}
