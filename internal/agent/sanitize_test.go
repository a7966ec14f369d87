package agent

import "testing"

// TestSanitizeReply exercises the leak patterns stripped before a
// reply leaves the gateway.
func TestSanitizeReply(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text untouched",
			in:   "The deploy finished.",
			want: "The deploy finished.",
		},
		{
			name: "thinking block stripped",
			in:   "<thinking>let me reason</thinking>The answer is 4.",
			want: "The answer is 4.",
		},
		{
			name: "unclosed thinking swallows tail",
			in:   "Done.\n<think>I should also",
			want: "Done.",
		},
		{
			name: "final tags removed keeping content",
			in:   "<final>All checks passed.</final>",
			want: "All checks passed.",
		},
		{
			name: "echoed tool markup removed",
			in:   "[Tool Call: bash]\nDisk usage is 40%.",
			want: "Disk usage is 40%.",
		},
		{
			name: "duplicate paragraphs collapsed",
			in:   "Restarted the service.\n\nRestarted the service.",
			want: "Restarted the service.",
		},
		{
			name: "blank runs collapsed",
			in:   "First.\n\n\n\nSecond.",
			want: "First.\n\nSecond.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeReply(tc.in); got != tc.want {
				t.Errorf("SanitizeReply(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
