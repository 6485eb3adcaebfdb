package fingerprint

import (
	"net/http"
	"testing"
)

func TestParseProfile(t *testing.T) {
	cases := []struct {
		in      string
		want    Profile
		wantErr bool
	}{
		{"", ProfileChrome, false},
		{"chrome", ProfileChrome, false},
		{"firefox", ProfileFirefox, false},
		{"safari", ProfileSafari, false},
		{"go", ProfileGo, false},
		{"random", ProfileRandom, false},
		{"netscape", "", true},
	}

	for _, tc := range cases {
		got, err := ParseProfile(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseProfile(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseProfile(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseProfile(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestTransport_GoProfileIsPlain(t *testing.T) {
	rt, err := Transport(ProfileGo, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr, ok := rt.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", rt)
	}
	if tr.DialTLSContext != nil {
		t.Error("go profile must not install a custom TLS dialer")
	}
}

func TestTransport_ImpersonatedProfilesInstallDialer(t *testing.T) {
	for _, p := range []Profile{ProfileChrome, ProfileFirefox, ProfileSafari, ProfileRandom} {
		t.Run(string(p), func(t *testing.T) {
			rt, err := Transport(p, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tr, ok := rt.(*http.Transport)
			if !ok {
				t.Fatalf("expected *http.Transport, got %T", rt)
			}
			if tr.DialTLSContext == nil {
				t.Error("expected custom TLS dialer for impersonated profile")
			}
		})
	}
}

func TestTransport_UnknownProfile(t *testing.T) {
	if _, err := Transport(Profile("lynx"), nil); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}
