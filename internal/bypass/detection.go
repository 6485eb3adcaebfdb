// Package bypass classifies responses that bot-protection vendors serve
// in place of real content, so strategies can tell "blocked" apart from
// an ordinary error page.
package bypass

import (
	"bytes"
	"net/http"
	"regexp"
	"strings"
)

// Detector examines a response to determine whether a protection vendor
// blocked or challenged the request.
type Detector func(status int, header http.Header, body []byte) (detected bool, vendor string)

// DefaultDetectors returns the standard vendor detectors.
func DefaultDetectors() []Detector {
	return []Detector{
		detectCloudflare,
		detectAkamai,
		detectDataDome,
		detectPerimeterX,
	}
}

// Classify runs the response through the detectors and reports the first
// vendor that matches.
func Classify(status int, header http.Header, body []byte) (bool, string) {
	for _, d := range DefaultDetectors() {
		if detected, vendor := d(status, header, body); detected {
			return true, vendor
		}
	}
	return false, ""
}

var metaRefreshRe = regexp.MustCompile(`(?i)<meta[^>]+http-equiv=["']?refresh["']?[^>]+content=["']?\s*(\d+)`)

// Solvable reports whether the response is an interstitial wait-and-retry
// challenge rather than a hard block: a meta-refresh delay page or a
// legacy JS challenge form. The returned delay is the number of seconds
// the page demands before replay.
func Solvable(status int, header http.Header, body []byte) (ok bool, delaySeconds int) {
	if m := metaRefreshRe.FindSubmatch(body); m != nil {
		secs := 0
		for _, c := range m[1] {
			secs = secs*10 + int(c-'0')
		}
		return true, secs
	}
	if bytes.Contains(body, []byte("jschl-answer")) || bytes.Contains(body, []byte("cf_chl_opt")) {
		// Legacy challenge pages expect roughly a four second pause before
		// the browser submits the answer.
		return true, 4
	}
	return false, 0
}

// detectCloudflare looks for common Cloudflare challenge/block signatures.
func detectCloudflare(status int, header http.Header, body []byte) (bool, string) {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if strings.Contains(strings.ToLower(header.Get("Server")), "cloudflare") {
			return true, "Cloudflare"
		}
		if bytes.Contains(body, []byte("cf-browser-verification")) ||
			bytes.Contains(body, []byte("cloudflare-nginx")) ||
			bytes.Contains(body, []byte("cf-turnstile")) ||
			bytes.Contains(body, []byte("Attention Required! | Cloudflare")) {
			return true, "Cloudflare"
		}
	}
	return false, ""
}

// detectAkamai looks for Akamai Bot Manager signatures.
func detectAkamai(status int, header http.Header, body []byte) (bool, string) {
	if status == http.StatusForbidden {
		if strings.Contains(strings.ToLower(header.Get("Server")), "akamai") {
			return true, "Akamai"
		}
		// Akamai block pages carry a generic "Reference #" marker.
		if bytes.Contains(body, []byte("Reference #")) && bytes.Contains(body, []byte("Access Denied")) {
			return true, "Akamai"
		}
	}
	return false, ""
}

// detectDataDome looks for DataDome challenge/block signatures.
func detectDataDome(status int, header http.Header, body []byte) (bool, string) {
	if status == http.StatusForbidden {
		if strings.Contains(strings.ToLower(header.Get("Server")), "datadome") {
			return true, "DataDome"
		}
		if header.Get("X-DataDome") != "" || header.Get("X-DataDome-Response") != "" {
			return true, "DataDome"
		}
		if bytes.Contains(body, []byte("geo.captcha-delivery.com")) || bytes.Contains(body, []byte("datadome")) {
			return true, "DataDome"
		}
	}
	return false, ""
}

// detectPerimeterX looks for PerimeterX (HUMAN) signatures.
func detectPerimeterX(status int, header http.Header, body []byte) (bool, string) {
	if status == http.StatusForbidden {
		if header.Get("X-Px-Captcha") != "" {
			return true, "PerimeterX"
		}
		if bytes.Contains(body, []byte("client.perimeterx.net")) ||
			bytes.Contains(body, []byte("px-captcha")) ||
			bytes.Contains(body, []byte("_pxBlock")) {
			return true, "PerimeterX"
		}
	}
	return false, ""
}
