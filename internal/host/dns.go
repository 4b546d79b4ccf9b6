package host

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/afero"

	"superd/internal/fault"
)

// ZoneDefaults are the SOA values written into every zone.
type ZoneDefaults struct {
	PrimaryNS    string `yaml:"primary_ns"`
	AdminMailbox string `yaml:"admin_mailbox"`
}

func (z ZoneDefaults) withDefaults() ZoneDefaults {
	if z.PrimaryNS == "" {
		z.PrimaryNS = "ns1.supercp.com."
	}
	if z.AdminMailbox == "" {
		z.AdminMailbox = "admin.supercp.com."
	}
	z.PrimaryNS = dns.Fqdn(z.PrimaryNS)
	z.AdminMailbox = dns.Fqdn(z.AdminMailbox)
	return z
}

// DNSRecord is one resource record of a zone. Empty fields take the usual
// defaults: "@", "A" and a TTL of 3600.
type DNSRecord struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Value    string  `json:"value"`
	TTL      uint64  `json:"ttl"`
	Priority *uint64 `json:"priority,omitempty"`
}

const defaultTTL = 3600

var zoneClock = time.Now

func (h *Host) zonePath(domain string) string {
	return filepath.Join(h.paths.DNS, domain+".zone")
}

// RenderZone builds the zone file text for domain.
func (h *Host) RenderZone(domain string, records []DNSRecord) string {
	serial := zoneClock().UTC().Format("20060102") + "01"

	var b strings.Builder
	fmt.Fprintf(&b, "$ORIGIN %s.\n", domain)
	fmt.Fprintf(&b, "$TTL %d\n", defaultTTL)
	fmt.Fprintf(&b, "@ IN SOA %s %s ( %s 3600 600 1209600 3600 )\n", h.dns.PrimaryNS, h.dns.AdminMailbox, serial)

	for _, r := range records {
		name, rtype, ttl := r.Name, r.Type, r.TTL
		if name == "" {
			name = "@"
		}
		if rtype == "" {
			rtype = "A"
		}
		if ttl == 0 {
			ttl = defaultTTL
		}
		if r.Priority != nil {
			fmt.Fprintf(&b, "%s %d IN %s %d %s\n", name, ttl, rtype, *r.Priority, r.Value)
		} else {
			fmt.Fprintf(&b, "%s %d IN %s %s\n", name, ttl, rtype, r.Value)
		}
	}
	return b.String()
}

// UpdateZone renders, validates and writes the zone file for domain.
func (h *Host) UpdateZone(domain string, records []DNSRecord) (string, error) {
	if err := checkDomain(domain); err != nil {
		return "", err
	}
	for _, r := range records {
		// A line break would smuggle extra records into the zone.
		if strings.ContainsAny(r.Name+r.Type+r.Value, "\r\n") {
			return "", fault.BadParamf("Invalid DNS record: newlines are not allowed")
		}
	}

	content := h.RenderZone(domain, records)
	if err := validateZone(domain, content); err != nil {
		return "", fault.Wrap(fault.BadParam, err, fmt.Sprintf("Invalid DNS zone for %s: %v", domain, err))
	}

	if err := h.fs.MkdirAll(h.paths.DNS, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", h.paths.DNS, err)
	}
	path := h.zonePath(domain)
	if err := afero.WriteFile(h.fs, path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	h.logger.Info("dns zone updated", "domain", domain, "records", len(records))
	return fmt.Sprintf("DNS zone updated for %s", domain), nil
}

// DeleteZone removes the zone file if present.
func (h *Host) DeleteZone(domain string) (string, error) {
	if err := checkDomain(domain); err != nil {
		return "", err
	}
	if err := h.fs.Remove(h.zonePath(domain)); err != nil && !isNotExist(err) {
		return "", fmt.Errorf("remove zone: %w", err)
	}
	h.logger.Info("dns zone deleted", "domain", domain)
	return fmt.Sprintf("DNS zone deleted for %s", domain), nil
}

func validateZone(domain, content string) error {
	zp := dns.NewZoneParser(strings.NewReader(content), dns.Fqdn(domain), "")
	for _, ok := zp.Next(); ok; _, ok = zp.Next() {
	}
	return zp.Err()
}

// checkDomain accepts a DNS name that is also a single path component.
func checkDomain(domain string) error {
	if _, ok := dns.IsDomainName(domain); !ok || domain == "" ||
		strings.ContainsAny(domain, "/\\ ") || strings.HasPrefix(domain, ".") {
		return fault.BadParamf("Invalid domain: %s", domain)
	}
	return nil
}
