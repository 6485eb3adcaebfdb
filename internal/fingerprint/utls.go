// Package fingerprint builds HTTP transports whose TLS ClientHello
// matches a real browser, so TLS-level bot scoring sees a familiar
// handshake rather than the Go default.
package fingerprint

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	utls "github.com/refraction-networking/utls"
)

// Profile names a TLS ClientHello impersonation target.
type Profile string

const (
	ProfileChrome  Profile = "chrome"
	ProfileFirefox Profile = "firefox"
	ProfileSafari  Profile = "safari"
	ProfileGo      Profile = "go"     // standard library TLS, no impersonation
	ProfileRandom  Profile = "random" // randomized ALPN-bearing hello
)

var helloIDs = map[Profile]utls.ClientHelloID{
	ProfileChrome:  utls.HelloChrome_Auto,
	ProfileFirefox: utls.HelloFirefox_Auto,
	ProfileSafari:  utls.HelloIOS_Auto,
	ProfileRandom:  utls.HelloRandomizedALPN,
}

// ParseProfile validates a profile name from configuration. The empty
// string maps to ProfileChrome.
func ParseProfile(name string) (Profile, error) {
	switch p := Profile(name); p {
	case "":
		return ProfileChrome, nil
	case ProfileChrome, ProfileFirefox, ProfileSafari, ProfileGo, ProfileRandom:
		return p, nil
	default:
		return "", fmt.Errorf("fingerprint: unknown profile %q", name)
	}
}

// Transport returns an http.RoundTripper whose TLS handshake presents the
// given profile. For ProfileGo it is a plain cloned http.Transport. The
// optional proxyFunc is installed as the transport's Proxy.
func Transport(p Profile, proxyFunc func(*http.Request) (*url.URL, error)) (http.RoundTripper, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyFunc != nil {
		transport.Proxy = proxyFunc
	}

	if p == ProfileGo {
		return transport, nil
	}

	helloID, ok := helloIDs[p]
	if !ok {
		return nil, fmt.Errorf("fingerprint: unknown profile %q", p)
	}

	// Dial TCP through the transport's own dialer, then run the uTLS
	// handshake on top with the impersonated hello.
	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := transport.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}

		uConn := utls.UClient(tcpConn, &utls.Config{ServerName: host}, helloID)
		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("fingerprint: utls handshake: %w", err)
		}
		return uConn, nil
	}

	return transport, nil
}
