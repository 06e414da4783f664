// Package fingerprint derives cache keys for scrape jobs.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/purell"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

const normalizeFlags = purell.FlagsSafe |
	purell.FlagsUsuallySafeNonGreedy |
	purell.FlagRemoveDirectoryIndex |
	purell.FlagRemoveFragment |
	purell.FlagSortQuery

// NormalizeTarget canonicalizes a target. URLs go through purell; bare
// identifiers such as handles are trimmed and lower-cased.
func NormalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(target)
	}
	return purell.NormalizeURL(u, normalizeFlags)
}

// Of returns the SHA-256 hex fingerprint of target and params. Parameter
// keys are lower-cased and sorted; values are kept verbatim. Every field is
// length-prefixed so no two distinct tuples share an encoding.
func Of(target string, params map[string]string) string {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(params))
	for k, v := range params {
		pairs = append(pairs, pair{k: strings.ToLower(strings.TrimSpace(k)), v: v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k == pairs[j].k {
			return pairs[i].v < pairs[j].v
		}
		return pairs[i].k < pairs[j].k
	})

	h := sha256.New()
	writeField(h, NormalizeTarget(target))
	for _, p := range pairs {
		writeField(h, p.k)
		writeField(h, p.v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// Job fingerprints a scrape job.
func Job(job scrape.Job) string {
	return Of(job.Target, job.Parameters)
}

// Valid reports whether s looks like a fingerprint produced by Of.
func Valid(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
