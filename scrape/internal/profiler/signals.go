package profiler

import (
	"bytes"
	"net/http"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// headerSignature identifies a bot-wall vendor from response headers.
type headerSignature struct {
	vendor string
	header string // canonical header name
	needle string // lowercase substring of the value; "" means presence is enough
}

var headerSignatures = []headerSignature{
	{"cloudflare", "Cf-Ray", ""},
	{"cloudflare", "Cf-Mitigated", ""},
	{"cloudflare", "Server", "cloudflare"},
	{"cloudflare", "Set-Cookie", "__cf_bm"},
	{"cloudflare", "Set-Cookie", "cf_clearance"},
	{"akamai", "Server", "akamaighost"},
	{"akamai", "X-Akamai-Transformed", ""},
	{"akamai", "Set-Cookie", "_abck"},
	{"akamai", "Set-Cookie", "ak_bmsc"},
	{"imperva", "X-Iinfo", ""},
	{"imperva", "X-Cdn", "imperva"},
	{"imperva", "Set-Cookie", "incap_ses"},
	{"imperva", "Set-Cookie", "visid_incap"},
	{"datadome", "X-Datadome", ""},
	{"datadome", "Set-Cookie", "datadome="},
	{"perimeterx", "Set-Cookie", "_pxhd"},
	{"perimeterx", "Set-Cookie", "_px3"},
	{"sucuri", "X-Sucuri-Id", ""},
	{"sucuri", "Server", "sucuri"},
	{"ddos-guard", "Server", "ddos-guard"},
	{"ddos-guard", "Set-Cookie", "__ddg"},
	{"kasada", "X-Kpsdk-Ct", ""},
}

// Vendors whose walls plain HTTP almost never gets through.
var hardVendors = map[string]bool{
	"akamai":     true,
	"datadome":   true,
	"perimeterx": true,
	"kasada":     true,
}

// Literal phrases of challenge interstitials. Only matched on short bodies:
// long pages that merely mention a vendor are not walls.
var challengePhrases = []string{
	"checking your browser",
	"just a moment...",
	"cf-browser-verification",
	"ddos protection by",
	"pardon our interruption",
	"please verify you are a human",
	"access to this page has been denied",
	"request unsuccessful. incapsula incident",
}

const captchaSelectors = `.g-recaptcha, .h-captcha, .cf-turnstile, #px-captcha, ` +
	`iframe[src*="recaptcha"], iframe[src*="hcaptcha"], iframe[src*="captcha-delivery.com"], ` +
	`script[src*="recaptcha/api.js"], script[src*="hcaptcha.com"], script[src*="challenges.cloudflare.com/turnstile"]`

const spaSelectors = `#root:empty, #app:empty, #__next:empty, #__nuxt:empty, ` +
	`[data-reactroot], [ng-version], [ng-app], [data-v-app], script#__NEXT_DATA__, script#__NUXT_DATA__`

// detectBotWall returns the vendor whose headers appear in h, and the
// matched signatures.
func detectBotWall(h http.Header) (vendor string, matched []string) {
	for _, sig := range headerSignatures {
		values := h.Values(sig.header)
		if len(values) == 0 {
			continue
		}
		hit := sig.needle == ""
		for _, v := range values {
			if !hit && strings.Contains(strings.ToLower(v), sig.needle) {
				hit = true
			}
		}
		if !hit {
			continue
		}
		if vendor == "" {
			vendor = sig.vendor
		}
		if sig.needle == "" {
			matched = append(matched, "header:"+strings.ToLower(sig.header))
		} else {
			matched = append(matched, "header:"+strings.ToLower(sig.header)+"~"+sig.needle)
		}
	}
	return vendor, matched
}

func detectChallengePhrase(lowerBody []byte) string {
	for _, p := range challengePhrases {
		if bytes.Contains(lowerBody, []byte(p)) {
			return p
		}
	}
	return ""
}

func detectCaptcha(doc *goquery.Document) bool {
	return doc != nil && doc.Find(captchaSelectors).Length() > 0
}

// needsRendering reports whether the page is a client-rendered shell: a
// known framework root, or scripts with almost no visible text.
func needsRendering(doc *goquery.Document, body []byte) bool {
	if doc == nil {
		return false
	}
	if doc.Find(spaSelectors).Length() > 0 {
		return true
	}
	lower := bytes.ToLower(body)
	for _, ind := range []string{
		"<noscript>you need to enable javascript",
		"<noscript>enable javascript",
		"you need to enable javascript to run this app",
	} {
		if bytes.Contains(lower, []byte(ind)) {
			return true
		}
	}

	scripts := doc.Find("script").Length()
	text := visibleTextLen(doc)
	return scripts > 0 && text < 200 && len(body) >= 256
}

// visibleTextLen counts non-space runes of the body text outside scripts
// and styles.
func visibleTextLen(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	n := 0
	for _, r := range body.Text() {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// selectedHeaders keeps the headers worth reporting in a profile.
func selectedHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for _, name := range []string{"Server", "Cf-Ray", "Cf-Mitigated", "X-Datadome", "X-Iinfo", "X-Cdn", "X-Sucuri-Id", "Content-Type", "Retry-After"} {
		if v := h.Get(name); v != "" {
			out[strings.ToLower(name)] = v
		}
	}
	return out
}
