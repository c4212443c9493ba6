package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.1"})
	if err != nil {
		t.Fatalf("parse trusted proxies: %v", err)
	}

	cases := []struct {
		name       string
		remoteAddr string
		forwarded  string
		realIP     string
		trusted    *TrustedProxies
		want       string
	}{
		{
			name:       "direct peer, no proxies configured",
			remoteAddr: "203.0.113.7:4711",
			forwarded:  "198.51.100.1",
			want:       "203.0.113.7",
		},
		{
			name:       "untrusted peer cannot spoof via forwarded header",
			remoteAddr: "203.0.113.7:4711",
			forwarded:  "198.51.100.1",
			trusted:    trusted,
			want:       "203.0.113.7",
		},
		{
			name:       "trusted proxy forwards the real client",
			remoteAddr: "10.1.2.3:80",
			forwarded:  "198.51.100.1, 10.9.9.9",
			trusted:    trusted,
			want:       "198.51.100.1",
		},
		{
			name:       "trusted proxy with x-real-ip only",
			remoteAddr: "192.168.1.1:80",
			realIP:     "198.51.100.2",
			trusted:    trusted,
			want:       "198.51.100.2",
		},
		{
			name:       "all hops trusted falls back to leftmost",
			remoteAddr: "10.1.2.3:80",
			forwarded:  "10.4.5.6",
			trusted:    trusted,
			want:       "10.4.5.6",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(r, tc.trusted); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxiesRejectsGarbage(t *testing.T) {
	if _, err := NewTrustedProxies([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected parse error")
	}
	tp, err := NewTrustedProxies([]string{"", "  "})
	if err != nil {
		t.Fatalf("blank entries: %v", err)
	}
	if tp != nil {
		t.Fatal("blank-only input should trust nobody")
	}
}
