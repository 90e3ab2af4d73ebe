package brightdata

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// DefaultImageHosts is the allow-list for the image proxy: the CDNs the two
// platforms serve avatars and post thumbnails from.
var DefaultImageHosts = []string{
	"cdninstagram.com",
	"fna.fbcdn.net",
	"instagram.com",
	"tiktokcdn.com",
}

// ValidateImageURL checks that a proxied image URL is https, points at an
// allow-listed host, and does not resolve to a private address.
func ValidateImageURL(raw string, allowedHosts []string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, eris.Wrap(err, "image proxy: parse url")
	}
	if u.Scheme != "https" {
		return nil, eris.Errorf("image proxy: scheme %q not allowed", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, eris.New("image proxy: missing host")
	}
	if !hostAllowed(host, allowedHosts) {
		return nil, eris.Errorf("image proxy: host %q not allowed", host)
	}
	if err := checkPublicAddress(host); err != nil {
		return nil, err
	}
	return u, nil
}

func hostAllowed(host string, allowed []string) bool {
	for _, suffix := range allowed {
		suffix = strings.ToLower(strings.TrimSpace(suffix))
		if suffix == "" {
			continue
		}
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func checkPublicAddress(host string) error {
	addrs, err := net.LookupIP(host)
	if err != nil {
		return eris.Wrapf(err, "image proxy: resolve %s", host)
	}
	for _, addr := range addrs {
		if !publicIP(addr) {
			return eris.Errorf("image proxy: %s resolves to non-public address %s", host, addr)
		}
	}
	return nil
}

func publicIP(ip net.IP) bool {
	return !(ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified())
}

// NewImageProxyClient returns an HTTP client whose redirect chain is held to
// the same allow-list as the initial request.
func NewImageProxyClient(allowedHosts []string) *http.Client {
	return &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return eris.New("image proxy: too many redirects")
			}
			_, err := ValidateImageURL(req.URL.String(), allowedHosts)
			return err
		},
	}
}
