// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package crawl

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/kraklabs/kie/internal/errors"
)

// cloudMetadataHost is the well-known link-local address cloud providers
// expose instance metadata on; it is link-local so ValidateHost would
// already reject it, but it's named explicitly so the block reason is
// legible in logs.
const cloudMetadataHost = "169.254.169.254"

// ValidateURL parses raw and validates its scheme and host against the
// SSRF policy. It does not resolve redirects; callers
// that follow redirects must call ValidateHost again on each hop (see
// HTTPFetcher.CheckRedirect).
func ValidateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return ValidateHost(ctx, u.Hostname())
}

// ValidateHost rejects hosts that resolve to a private, loopback,
// link-local, multicast, unspecified, or otherwise non-routable address,
// and the cloud metadata host by name.
func ValidateHost(ctx context.Context, host string) error {
	if host == "" {
		return fmt.Errorf("empty host")
	}
	if strings.EqualFold(host, "localhost") || host == cloudMetadataHost {
		return errors.NewSSRFBlockedError(
			fmt.Sprintf("host %q is blocked by crawl policy", host),
			"loopback and cloud-metadata hosts are never crawled",
			"Crawl a publicly routable hostname instead",
		)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		if ip := net.ParseIP(host); ip != nil {
			ips = []net.IPAddr{{IP: ip}}
		} else {
			return fmt.Errorf("resolve %q: %w", host, err)
		}
	}
	if len(ips) == 0 {
		return fmt.Errorf("host %q did not resolve", host)
	}
	for _, addr := range ips {
		if err := validateIP(addr.IP); err != nil {
			return errors.NewSSRFBlockedError(
				fmt.Sprintf("host %q is blocked by crawl policy", host),
				err.Error(),
				"Crawl a publicly routable hostname instead",
			)
		}
	}
	return nil
}

func validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback address %s blocked", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address %s blocked", ip)
	case ip.IsMulticast():
		return fmt.Errorf("multicast address %s blocked", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address %s blocked", ip)
	case ip.IsPrivate():
		return fmt.Errorf("private address %s blocked", ip)
	case isReservedIP(ip):
		return fmt.Errorf("reserved address %s blocked", ip)
	}
	return nil
}

// reservedBlocks covers ranges net.IP's helpers don't already classify as
// private/loopback/link-local: 0.0.0.0/8, 100.64.0.0/10 (CGNAT), benchmark
// and documentation ranges, and the IPv6 equivalents.
var reservedBlocks = mustParseCIDRs(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
	"::/128",
	"100::/64",
	"2001:db8::/32",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

func isReservedIP(ip net.IP) bool {
	for _, n := range reservedBlocks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ResolveURL resolves ref against base and strips the fragment, returning
// ok=false if ref is empty, a fragment-only link, or not http(s).
func ResolveURL(base, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "javascript:") || strings.HasPrefix(ref, "mailto:") {
		return "", false
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	resolved := baseURL.ResolveReference(refURL)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	resolved.Fragment = ""
	return resolved.String(), true
}

// SameDomain reports whether candidate shares eTLD+1... in practice here,
// the full registered host (scheme-insensitive, case-insensitive, ignoring
// a leading "www.") with seed.
func SameDomain(seed, candidate string) bool {
	sh, err1 := url.Parse(seed)
	ch, err2 := url.Parse(candidate)
	if err1 != nil || err2 != nil {
		return false
	}
	return normalizeHost(sh.Hostname()) == normalizeHost(ch.Hostname())
}

func normalizeHost(h string) string {
	return strings.TrimPrefix(strings.ToLower(h), "www.")
}
