package origin

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"https://app.example.com", "https://app.example.com", true},
		{"https://app.example.com/", "https://app.example.com", true},
		{"HTTPS://App.Example.COM:443", "https://app.example.com", true},
		{"http://localhost:3000", "http://localhost:3000", true},
		{"http://localhost:80", "http://localhost", true},
		{"null", "null", true},
		{"  https://a.example.com  ", "https://a.example.com", true},
		{"http://[::1]:3000", "http://[::1]:3000", true},
		{"", "", false},
		{"ftp://example.com", "", false},
		{"https://example.com/path", "", false},
		{"https://user@example.com", "", false},
		{"https://example.com?q=1", "", false},
		{"https://example.com:0", "", false},
		{"not a url", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := Normalize(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("Normalize(%q)=%q,%v, want %q,%v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestAllowed_Wildcard(t *testing.T) {
	if !Allowed("https://anything.example.com", "gateway.example.com", []string{"*"}) {
		t.Fatalf("wildcard should allow any origin")
	}
	if !Allowed("null", "gateway.example.com", []string{"*"}) {
		t.Fatalf("wildcard should allow null origin")
	}
}

func TestAllowed_ExactMatch(t *testing.T) {
	allow := []string{"https://app.example.com", "http://localhost:3000"}
	if !Allowed("http://localhost:3000", "whatever", allow) {
		t.Fatalf("exact entry should be allowed")
	}
	if Allowed("https://evil.example.com", "whatever", allow) {
		t.Fatalf("unlisted origin should be rejected")
	}
}

func TestAllowed_SameHostFallback(t *testing.T) {
	if !Allowed("https://gw.example.com", "gw.example.com", nil) {
		t.Fatalf("same host should be allowed with empty allow-list")
	}
	if !Allowed("https://gw.example.com", "gw.example.com:443", nil) {
		t.Fatalf("default port on request host should be folded")
	}
	if Allowed("https://other.example.com", "gw.example.com", nil) {
		t.Fatalf("cross-host should be rejected with empty allow-list")
	}
	if Allowed("null", "gw.example.com", nil) {
		t.Fatalf("null origin cannot match a host")
	}
}
