// Package faker draws deterministic, type-preserving surrogate values for
// detected PII entities.
//
// Grounded on the teacher's src/backend/pii/generator_service.go (seeded
// *rand.Rand, label-dispatch map) and src/backend/pii/generators/pii_generators.go
// (per-kind producer functions and word lists), generalized per
// original_source/faker.rs's seeding contract: draw(kind, seed_material) is a
// pure function of (global_seed, kind, real_value, attempt), so the same real
// value always proposes the same surrogate on a fresh process with an empty
// mapping store, and a collision retry (see internal/mapping) can ask for a
// different draw by incrementing attempt.
package faker

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"net/url"
	"strings"
)

// Kind enumerates the entity kinds this module knows how to generate
// surrogates for. Unknown kinds fall back to the generic producer.
type Kind string

const (
	KindPersonName  Kind = "person_name"
	KindEmail       Kind = "email"
	KindPhone       Kind = "phone"
	KindSSN         Kind = "ssn"
	KindCreditCard  Kind = "credit_card"
	KindIPAddress   Kind = "ip_address"
	KindHostname    Kind = "hostname"
	KindNodeName    Kind = "node_name"
	KindURL         Kind = "url"
	KindCity        Kind = "city"
	KindStreet      Kind = "street"
	KindCompanyName Kind = "company_name"
)

// Generator produces deterministic pseudonyms seeded by a single global
// seed. It holds no mutable state beyond that seed and is safe for
// concurrent use: every draw builds a fresh, privately-seeded *rand.Rand
// rather than sharing one across goroutines.
type Generator struct {
	globalSeed  uint64
	consistency bool
}

// New creates a Generator. When consistency is false, global_seed is mixed
// with the current draw's kind/real_value/attempt but the caller is expected
// to have derived globalSeed from a fresh, non-reproducible source in that
// case (e.g. time-based), matching the teacher's NewGeneratorService vs.
// NewGeneratorServiceWithSeed split.
func New(globalSeed uint64, consistency bool) *Generator {
	return &Generator{globalSeed: globalSeed, consistency: consistency}
}

// Draw returns a surrogate for real under kind. attempt distinguishes
// collision retries (see spec §4.1): attempt 0 is the first draw, attempt 1
// is the first retry, and so on, up to the caller's retry budget.
func (g *Generator) Draw(kind Kind, real string, attempt int) string {
	rng := g.rngFor(kind, real, attempt)
	switch kind {
	case KindPersonName:
		return personName(rng)
	case KindEmail:
		return email(rng)
	case KindPhone:
		return phone(rng)
	case KindSSN:
		return ssn(rng)
	case KindCreditCard:
		return creditCard(rng)
	case KindIPAddress:
		return ipAddress(rng, real)
	case KindHostname:
		return patternPreserving(rng, real, "fake-host")
	case KindNodeName:
		// A leading "node" is kept and only the rest is resampled
		// (node01 -> node37), unless that would reproduce real.
		if rest := strings.TrimPrefix(real, "node"); rest != real {
			if fake := "node" + patternPreserving(rng, rest, ""); fake != real {
				return fake
			}
		}
		return patternPreserving(rng, real, "node")
	case KindURL:
		return surrogateURL(rng, real)
	case KindCity:
		return cityNames[rng.Intn(len(cityNames))]
	case KindStreet:
		return street(rng)
	case KindCompanyName:
		return companyName(rng)
	default:
		return generic(rng, kind)
	}
}

// rngFor derives a private, deterministic *rand.Rand from
// (globalSeed, kind, real, attempt). FNV-1a is used purely as a fast mixing
// function here, not for any security property.
func (g *Generator) rngFor(kind Kind, real string, attempt int) *rand.Rand {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%s|%d", g.globalSeed, kind, real, attempt)
	// #nosec G404 - deterministic, not security-critical: this is the
	// consistency-across-deployments mechanism, not a cryptographic one.
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func personName(rng *rand.Rand) string {
	return fmt.Sprintf("%s %s", firstNames[rng.Intn(len(firstNames))], surnames[rng.Intn(len(surnames))])
}

func email(rng *rand.Rand) string {
	first := strings.ToLower(firstNames[rng.Intn(len(firstNames))])
	last := strings.ToLower(surnames[rng.Intn(len(surnames))])
	domain := emailDomains[rng.Intn(len(emailDomains))]
	return fmt.Sprintf("%s.%s@%s", first, last, domain)
}

func phone(rng *rand.Rand) string {
	areaCode := 200 + rng.Intn(800)
	exchange := 200 + rng.Intn(800)
	number := 1000 + rng.Intn(9000)
	return fmt.Sprintf("%d-%d-%d", areaCode, exchange, number)
}

// ssn produces XXX-XX-XXXX, avoiding SSA-reserved area numbers (000, 666,
// 900-999) and the all-zero group/serial numbers that the SSA never issues.
func ssn(rng *rand.Rand) string {
	var area int
	for {
		area = 1 + rng.Intn(899)
		if area != 666 {
			break
		}
	}
	group := 1 + rng.Intn(99)
	serial := 1 + rng.Intn(9999)
	return fmt.Sprintf("%03d-%02d-%04d", area, group, serial)
}

// creditCard produces a Luhn-valid 16-digit PAN under the widely-reserved
// "4" test-range IIN (matching the shape of real Visa PANs without
// colliding with any issued BIN range test suites commonly treat as safe).
func creditCard(rng *rand.Rand) string {
	digits := make([]int, 16)
	digits[0] = 4
	for i := 1; i < 15; i++ {
		digits[i] = rng.Intn(10)
	}
	digits[15] = luhnCheckDigit(digits[:15])

	var b strings.Builder
	for i, d := range digits {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", d)
	}
	return b.String()
}

// luhnCheckDigit computes the trailing check digit for a 15-digit prefix so
// that prefix+checkDigit passes the Luhn algorithm. With the check digit
// appended the full number has length len(digits)+1; a digit at prefix
// index i then sits at position (len(digits)+1-i) counted from the right,
// and digits at even such positions are doubled before summing.
func luhnCheckDigit(digits []int) int {
	sum := 0
	total := len(digits) + 1
	for i, d := range digits {
		if posFromRight := total - i; posFromRight%2 == 0 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return (10 - sum%10) % 10
}

// ipAddress picks documentation-range addresses (RFC 5737 for IPv4, RFC
// 3849 for IPv6) so a surrogate can never be mistaken for a routable host.
// When the original looks like IPv6 (contains ':'), an IPv6 documentation
// address is produced; otherwise IPv4.
func ipAddress(rng *rand.Rand, original string) string {
	if strings.Contains(original, ":") {
		return fmt.Sprintf("2001:db8::%x:%x", rng.Intn(0xffff), rng.Intn(0xffff))
	}
	// RFC 5737 TEST-NET-1/2/3.
	docRanges := [][3]int{{192, 0, 2}, {198, 51, 100}, {203, 0, 113}}
	r := docRanges[rng.Intn(len(docRanges))]
	return fmt.Sprintf("%d.%d.%d.%d", r[0], r[1], r[2], 1+rng.Intn(253))
}

// patternPreserving resamples alphanumeric runs in real while keeping its
// punctuation and run-length shape, so "ubuntu-linux-2404" becomes something
// like "zqbxrt-kfwmp-7719": dashes at the same positions, a letter run where
// there was a letter run, a digit run where there was a digit run. Falls
// back to a synthetic prefix+number when real is empty.
func patternPreserving(rng *rand.Rand, real, fallbackPrefix string) string {
	if real == "" {
		return fmt.Sprintf("%s%02d", fallbackPrefix, rng.Intn(100))
	}
	var b strings.Builder
	for _, r := range real {
		switch {
		case r >= '0' && r <= '9':
			b.WriteByte(byte('0' + rng.Intn(10)))
		case r >= 'a' && r <= 'z':
			b.WriteByte(byte('a' + rng.Intn(26)))
		case r >= 'A' && r <= 'Z':
			b.WriteByte(byte('A' + rng.Intn(26)))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// surrogateURL replaces real's host with a synthetic RFC 2606 domain and resamples
// its path tokens, but keeps its original scheme (http stays http, https
// stays https), per spec §4.2.
func surrogateURL(rng *rand.Rand, real string) string {
	scheme := "https"
	if real != "" {
		if parsed, err := url.Parse(real); err == nil && parsed.Scheme != "" {
			scheme = parsed.Scheme
		}
	}
	host := urlHosts[rng.Intn(len(urlHosts))]
	tld := urlTLDs[rng.Intn(len(urlTLDs))]
	return fmt.Sprintf("%s://www.%s.%s%s", scheme, host, tld, resamplePath(rng, real))
}

// resamplePath keeps the segment structure of real's path (slash positions,
// segment count) while resampling each segment's characters, falling back
// to a canned path when real has no parseable path of its own.
func resamplePath(rng *rand.Rand, real string) string {
	var rawPath string
	if real != "" {
		if parsed, err := url.Parse(real); err == nil {
			rawPath = parsed.Path
		}
	}
	trimmed := strings.Trim(rawPath, "/")
	if trimmed == "" {
		return urlPaths[rng.Intn(len(urlPaths))]
	}
	segments := strings.Split(trimmed, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		segments[i] = patternPreserving(rng, seg, "seg")
	}
	return "/" + strings.Join(segments, "/")
}

func street(rng *rand.Rand) string {
	number := 100 + rng.Intn(9900)
	return fmt.Sprintf("%d %s", number, streetNames[rng.Intn(len(streetNames))])
}

func companyName(rng *rand.Rand) string {
	return fmt.Sprintf("%s %s", companyPrefixes[rng.Intn(len(companyPrefixes))], companySuffixes[rng.Intn(len(companySuffixes))])
}

// generic is the fallback producer for any custom kind a [detection.patterns]
// entry introduces beyond the built-in vocabulary. It must still vary with
// rng (and therefore with attempt): the Mapping Store's collision-retry loop
// calls Draw again with a fresh rng on each attempt, and a producer that
// always returned the same string for a kind would make every second real
// value of that kind an unresolvable collision.
func generic(rng *rand.Rand, kind Kind) string {
	return fmt.Sprintf("REDACTED_%s_%04d", strings.ToUpper(string(kind)), rng.Intn(10000))
}
