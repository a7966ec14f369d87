package telegram

import (
	"testing"

	"github.com/gatehouselabs/gatehouse/internal/config"
)

// TestAllowed verifies allowlist matching by id, username, and
// @-prefixed username, with an empty list admitting everyone.
func TestAllowed(t *testing.T) {
	cases := []struct {
		name     string
		allow    []string
		userID   string
		username string
		want     bool
	}{
		{name: "empty list admits all", userID: "1", username: "any", want: true},
		{name: "match by id", allow: []string{"12345"}, userID: "12345", username: "alice", want: true},
		{name: "match by username", allow: []string{"alice"}, userID: "99", username: "alice", want: true},
		{name: "match with at prefix", allow: []string{"@alice"}, userID: "99", username: "alice", want: true},
		{name: "no match", allow: []string{"12345", "@bob"}, userID: "99", username: "alice", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(config.TelegramConfig{AllowFrom: config.FlexibleStringSlice(tc.allow)})
			if got := c.allowed(tc.userID, tc.username); got != tc.want {
				t.Errorf("allowed(%q, %q) = %v, want %v", tc.userID, tc.username, got, tc.want)
			}
		})
	}
}
