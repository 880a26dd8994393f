package security

import (
	"testing"
	"time"
)

func TestValidateEndpoint_AllowsPublicHTTPS(t *testing.T) {
	guard := NewEndpointGuard()

	urls := []string{
		"https://identitytoolkit.googleapis.com",
		"https://identity.example.com/v1",
		"https://8.8.8.8/api",
	}
	for _, u := range urls {
		if err := guard.ValidateEndpoint(u); err != nil {
			t.Errorf("ValidateEndpoint(%q) = %v, want allowed", u, err)
		}
	}
}

func TestValidateEndpoint_RejectsDangerousURLs(t *testing.T) {
	guard := NewEndpointGuard()

	tests := []struct {
		name string
		url  string
	}{
		{"empty URL", ""},
		{"plain http", "http://identity.example.com"},
		{"file scheme", "file:///etc/passwd"},
		{"localhost", "https://localhost/v1"},
		{"loopback IP", "https://127.0.0.1/v1"},
		{"private IP", "https://192.168.1.10/v1"},
		{"ten dot", "https://10.0.0.5/v1"},
		{"cloud metadata IP", "https://169.254.169.254/latest/meta-data"},
		{"IPv6 loopback", "https://[::1]/v1"},
		{"missing host", "https:///path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := guard.ValidateEndpoint(tt.url); err == nil {
				t.Errorf("ValidateEndpoint(%q) = nil, want rejection", tt.url)
			}
		})
	}
}

func TestNewSafeClient_SetsTimeout(t *testing.T) {
	guard := NewEndpointGuard()

	client := guard.NewSafeClient(3 * time.Second)
	if client == nil {
		t.Fatal("NewSafeClient returned nil")
	}
	if client.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", client.Timeout)
	}
}
