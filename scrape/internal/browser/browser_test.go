package browser

import (
	"context"
	"math/rand/v2"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/hybridfetch/horosafe"
)

func TestShouldBlock(t *testing.T) {
	set := map[string]bool{"images": true, "fonts": true}
	tests := []struct {
		typ  proto.NetworkResourceType
		want bool
	}{
		{proto.NetworkResourceTypeImage, true},
		{proto.NetworkResourceTypeFont, true},
		{proto.NetworkResourceTypeMedia, false},
		{proto.NetworkResourceTypeStylesheet, false},
		{proto.NetworkResourceTypeDocument, false},
		{proto.NetworkResourceTypeScript, false},
	}
	for _, tt := range tests {
		if got := shouldBlock(set, tt.typ); got != tt.want {
			t.Errorf("shouldBlock(%s) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestShouldBlock_NeverDocuments(t *testing.T) {
	// WHAT: Documents and scripts pass even when every type is listed.
	// WHY: Challenge pages need their scripts to clear.
	set := map[string]bool{"document": true, "script": true, "images": true}
	if shouldBlock(set, proto.NetworkResourceTypeDocument) || shouldBlock(set, proto.NetworkResourceTypeScript) {
		t.Error("document or script blocked")
	}
}

func TestConfigDefaults(t *testing.T) {
	m := NewManager(Config{})
	if m.cfg.MemoryLimit != 1<<30 || m.cfg.RecycleInterval != 4*time.Hour || m.cfg.XvfbDisplay != ":99" {
		t.Errorf("defaults = %+v", m.cfg)
	}
	if m.cfg.Logger == nil {
		t.Error("nil logger")
	}
}

func TestUltraStealthSettings(t *testing.T) {
	s := NewStealth(NewManager(Config{}))
	u := NewUltraStealth(NewManager(Config{Headful: true}))
	if s.human || !u.human {
		t.Error("only ultra stealth drives input")
	}
	if u.challengeWait <= s.challengeWait || u.settle <= s.settle {
		t.Error("ultra stealth should wait longer than stealth")
	}
}

func TestMousePath_StaysInViewport(t *testing.T) {
	rng := rand.New(rand.NewPCG(seed("https://example.com"), 1))
	for range 50 {
		for _, p := range mousePath(rng, 5) {
			if p.X < 40 || p.X > viewportWidth-40 || p.Y < 40 || p.Y > viewportHeight-40 {
				t.Fatalf("point %v outside safe area", p)
			}
		}
	}
}

func TestIsInterstitial(t *testing.T) {
	if !isInterstitial("Just a moment... Checking your browser before accessing example.com") {
		t.Error("cloudflare interstitial not detected")
	}
	if isInterstitial("Welcome to our store") {
		t.Error("normal page flagged")
	}
}

func TestIsJSON(t *testing.T) {
	for mime, want := range map[string]bool{
		"application/json":      true,
		"application/ld+json":   true,
		"application/JSON; q=1": true,
		"text/html":             false,
		"text/plain":            false,
	} {
		if got := isJSON(mime); got != want {
			t.Errorf("isJSON(%q) = %v", mime, got)
		}
	}
}

func TestExecute_ValidatorRunsFirst(t *testing.T) {
	// WHAT: A URL refused by the SSRF guard never starts Chrome.
	m := NewManager(Config{})
	defer m.Close()
	e := NewStealth(m)
	if _, err := e.Execute(context.Background(), "http://127.0.0.1/", time.Second); err == nil {
		t.Fatal("loopback URL accepted")
	}
	if m.browser != nil {
		t.Error("browser launched for a refused URL")
	}
}

func TestExecute_LiveChrome(t *testing.T) {
	if os.Getenv("HYBRIDFETCH_CHROME") == "" {
		t.Skip("set HYBRIDFETCH_CHROME=1 to run against a local Chrome")
	}
	m := NewManager(Config{ResourceBlocking: []string{"images", "fonts"}})
	defer m.Close()
	e := NewStealth(m, WithValidator(horosafe.AllowAll))
	html, err := e.Execute(context.Background(), "https://example.com/", 60*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(html) < 100 {
		t.Errorf("html too short: %q", html)
	}
}

func TestBrowser_ConnectFailureReleasesProcesses(t *testing.T) {
	// WHAT: When connecting to Chrome fails, processes the manager started are stopped.
	// WHY: A failed launch must not leave a display server running per retry.
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("no sleep binary")
	}
	m := NewManager(Config{RemoteURL: "ws://127.0.0.1:1/devtools/browser/none"})
	display := exec.Command(sleep, "60")
	if err := display.Start(); err != nil {
		t.Fatal(err)
	}
	m.xvfb = display

	if _, err := m.Browser(context.Background()); err == nil {
		t.Fatal("connect to a closed port succeeded")
	}
	if m.xvfb != nil {
		t.Error("display process still tracked after failed connect")
	}
	if display.ProcessState == nil {
		t.Error("display process was not stopped")
	}
}
