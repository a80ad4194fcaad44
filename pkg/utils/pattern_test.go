package utils

import "testing"

func TestWildcardToLike(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"email_list:*", "email\\_list:%"},
		{"*", "%"},
		{"folder_get_tree:A:*", "folder\\_get\\_tree:A:%"},
		{"has_%_literal:*", "has\\_\\%\\_literal:%"},
		{"has_underscore_:*", "has\\_underscore\\_:%"},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			if got := WildcardToLike(tt.pattern); got != tt.want {
				t.Errorf("WildcardToLike(%q) = %q, want %q", tt.pattern, got, tt.want)
			}
		})
	}
}
