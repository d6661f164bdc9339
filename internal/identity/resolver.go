// Package identity maps raw sender identifiers from the messaging bridge
// to canonical chat addresses that the delivery gateway can route to.
//
// Resolution is a pure string transformation. An identifier that already
// carries a domain ("@...") is returned unchanged, so resolving an
// address twice yields the same address.
package identity

import (
	"strings"
	"unicode"

	"github.com/Swastikphadke/Spectra/internal/config"
)

// Address is a canonical chat address such as "919876543210@s.whatsapp.net".
type Address string

func (a Address) String() string { return string(a) }

// Kind classifies a resolved address.
type Kind string

const (
	KindExplicit Kind = "explicit" // already carried a domain
	KindGroup    Kind = "group"
	KindLongID   Kind = "long_id"
	KindStandard Kind = "standard"
)

// Resolver applies the address heuristics. The zero value is not usable;
// construct with New or use Default.
type Resolver struct {
	prefixes        []string
	groupSuffix     string
	longIDSuffix    string
	standardSuffix  string
	longIDThreshold int
}

// New builds a Resolver from configuration. Zero-valued fields take the
// same defaults as [config.Config.ApplyDefaults].
func New(cfg config.IdentityConfig) *Resolver {
	d := config.Default().Identity
	r := &Resolver{
		prefixes:        cfg.StripPrefixes,
		groupSuffix:     cfg.GroupSuffix,
		longIDSuffix:    cfg.LongIDSuffix,
		standardSuffix:  cfg.StandardSuffix,
		longIDThreshold: cfg.LongIDThreshold,
	}
	if r.prefixes == nil {
		r.prefixes = d.StripPrefixes
	}
	if r.groupSuffix == "" {
		r.groupSuffix = d.GroupSuffix
	}
	if r.longIDSuffix == "" {
		r.longIDSuffix = d.LongIDSuffix
	}
	if r.standardSuffix == "" {
		r.standardSuffix = d.StandardSuffix
	}
	if r.longIDThreshold <= 0 {
		r.longIDThreshold = d.LongIDThreshold
	}
	return r
}

var defaultResolver = New(config.IdentityConfig{})

// Default returns a Resolver with the stock WhatsApp suffixes.
func Default() *Resolver { return defaultResolver }

// Resolve resolves raw with the default Resolver.
func Resolve(raw string) Address { return defaultResolver.Resolve(raw) }

// Resolve maps raw to an address. It never fails: every input, including
// the empty string, produces exactly one address.
func (r *Resolver) Resolve(raw string) Address {
	addr, _ := r.Classify(raw)
	return addr
}

// Classify resolves raw and reports which rule decided the address.
func (r *Resolver) Classify(raw string) (Address, Kind) {
	id := r.Clean(raw)

	switch {
	case strings.Contains(id, "@"):
		return Address(id), KindExplicit
	case strings.Contains(id, "-"):
		return Address(id + r.groupSuffix), KindGroup
	case countDigits(id) >= r.longIDThreshold:
		return Address(id + r.longIDSuffix), KindLongID
	default:
		return Address(id + r.standardSuffix), KindStandard
	}
}

// Clean strips channel prefixes, leading plus signs, and all whitespace.
// The result is the bare identifier used for profile lookups.
func (r *Resolver) Clean(raw string) string {
	id := strings.Join(strings.FieldsFunc(raw, unicode.IsSpace), "")
	for changed := true; changed; {
		changed = false
		for _, p := range r.prefixes {
			if p != "" && len(id) >= len(p) && strings.EqualFold(id[:len(p)], p) {
				id = id[len(p):]
				changed = true
			}
		}
		if trimmed := strings.TrimLeft(id, "+"); trimmed != id {
			id = trimmed
			changed = true
		}
	}
	return id
}

// Phone returns the bare number for a standard address, or the cleaned
// identifier for anything else. Media uploads send it as the legacy
// "phone" field.
func (r *Resolver) Phone(addr Address) string {
	return strings.TrimSuffix(string(addr), r.standardSuffix)
}

func countDigits(s string) int {
	n := 0
	for _, c := range s {
		if c >= '0' && c <= '9' {
			n++
		}
	}
	return n
}
