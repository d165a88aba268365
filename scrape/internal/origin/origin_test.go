package origin

import "testing"

func TestOf(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://www.example.com/a/b?c=d", "example.com"},
		{"http://shop.example.co.uk/item", "example.co.uk"},
		{"HTTPS://WWW.Example.COM", "example.com"},
		{"example.org/path", "example.org"},
		{"http://127.0.0.1:8080/x", "127.0.0.1"},
		{"http://localhost:3000", "localhost"},
		{"https://api.linkedin.com/v2/me", "linkedin.com"},
	}
	for _, tt := range tests {
		got, err := Of(tt.in)
		if err != nil {
			t.Fatalf("Of(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Of(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOf_NoHost(t *testing.T) {
	if _, err := Of("https:///nohost"); err == nil {
		t.Fatal("expected error for url without host")
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("WWW.Zillow.com."); got != "zillow.com" {
		t.Errorf("Normalize = %q", got)
	}
	if got := Normalize("m.facebook.com:443"); got != "facebook.com" {
		t.Errorf("Normalize with port = %q", got)
	}
}

func TestAbsolute(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"example.com/page", "https://example.com/page"},
		{"  www.example.com/a?b=c ", "https://www.example.com/a?b=c"},
		{"http://example.com/x", "http://example.com/x"},
	}
	for _, tt := range tests {
		got, err := Absolute(tt.in)
		if err != nil {
			t.Fatalf("Absolute(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Absolute(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := Absolute("https:///nohost"); err == nil {
		t.Error("expected error for url without host")
	}
}
