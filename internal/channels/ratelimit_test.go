package channels

import (
	"testing"
	"time"

	"github.com/gatehouselabs/gatehouse/internal/bus"
)

// TestRateLimiterWindowBoundary verifies the 21st message inside the
// window is rejected and admission resumes once the window passes.
func TestRateLimiterWindowBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := NewRateLimiter(20, time.Minute)
	r.now = func() time.Time { return now }

	for i := 0; i < 20; i++ {
		if !r.Allow("telegram:alice") {
			t.Fatalf("message %d rejected, want first 20 admitted", i+1)
		}
	}
	if r.Allow("telegram:alice") {
		t.Error("21st message admitted, want rejected")
	}

	// Another user is unaffected.
	if !r.Allow("telegram:bob") {
		t.Error("other user rejected, want admitted")
	}

	now = now.Add(time.Minute + time.Second)
	if !r.Allow("telegram:alice") {
		t.Error("post-window message rejected, want admitted")
	}
}

// TestRateLimiterSlidingWindow verifies old hits age out individually
// rather than in fixed buckets.
func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := NewRateLimiter(2, time.Minute)
	r.now = func() time.Time { return now }

	if !r.Allow("k") {
		t.Fatal("first hit rejected")
	}
	now = now.Add(40 * time.Second)
	if !r.Allow("k") {
		t.Fatal("second hit rejected")
	}
	if r.Allow("k") {
		t.Error("third hit inside window admitted, want rejected")
	}

	// 61s after the first hit only the second remains in window.
	now = now.Add(21 * time.Second)
	if !r.Allow("k") {
		t.Error("hit after first aged out rejected, want admitted")
	}
}

// TestRateKey verifies anonymous senders share a per-channel bucket.
func TestRateKey(t *testing.T) {
	cases := []struct {
		name string
		msg  bus.InboundMessage
		want string
	}{
		{
			name: "named user",
			msg:  bus.InboundMessage{ChannelID: "discord", From: bus.Sender{UserID: "u1"}},
			want: "discord:u1",
		},
		{
			name: "anonymous",
			msg:  bus.InboundMessage{ChannelID: "webchat"},
			want: "webchat:anonymous",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RateKey(tc.msg); got != tc.want {
				t.Errorf("RateKey = %q, want %q", got, tc.want)
			}
		})
	}
}
