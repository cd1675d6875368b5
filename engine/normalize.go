package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var timestampPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3,6}`),
	regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3,6}`),
	regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`),
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`),
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}`),
	regexp.MustCompile(`\d{4}/\d{2}/\d{2} \d{2}:\d{2}`),
}

// NormalizeText strips wall-clock timestamps, lowercases and collapses
// whitespace so that a re-scraped headline hashes the same.
func NormalizeText(input string) string {
	s := input
	for _, re := range timestampPatterns {
		s = re.ReplaceAllString(s, "")
	}
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeURL drops fragments, tracking parameters and trailing slashes.
// Unparseable input falls back to NormalizeText.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return NormalizeText(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.Fragment = ""
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	clean := url.Values{}
	for _, k := range keys {
		clean[k] = q[k]
	}
	u.RawQuery = clean.Encode()
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

func HashNormalized(normalized string, hexLen int) string {
	sum := sha256.Sum256([]byte(normalized))
	full := hex.EncodeToString(sum[:])
	if hexLen <= 0 || hexLen >= len(full) {
		return full
	}
	return full[:hexLen]
}

// ContentHash is the dedup key for an event when ingestion supplies none.
func ContentHash(title string, sourceURL string) string {
	return HashNormalized(NormalizeText(title)+"\n"+NormalizeURL(sourceURL), 0)
}
