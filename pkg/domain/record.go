package domain

import (
	"regexp"
	"sort"
	"strconv"
)

// A private record is exposed by the wallet as decrypted plaintext, e.g.
//
//	{ owner: aleo1...private, microcredits: 1500000u64.private, _nonce: 5861592group.public }
//
// The nonce is the only field guaranteed unique per record; everything else
// may collide across physically distinct records.
var (
	noncePattern = regexp.MustCompile(`_nonce:\s*([0-9A-Za-z]+)(?:group)?\.public`)
	valuePattern = regexp.MustCompile(`microcredits:\s*([0-9]+)u64`)
)

// Record is a parsed view over a raw record plaintext. Raw is kept verbatim
// because the wallet expects it back unchanged as a transaction input.
type Record struct {
	Raw   string
	Nonce string
	Value uint64
}

// ExtractNonce returns the per-record identity token. When the nonce field is
// absent the whole raw text is used, degrading to whole-string dedup rather
// than failing.
func ExtractNonce(raw string) string {
	if m := noncePattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return raw
}

// ParseValue extracts the record amount in microcredits. Unparsable input
// yields 0: a malformed record is worthless, not an error.
func ParseValue(raw string) uint64 {
	m := valuePattern.FindStringSubmatch(raw)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// DedupeRecords drops entries whose nonce was already seen, preserving
// first-seen order. A wallet's record listing may return the same record more
// than once across calls or pagination; reusing such a duplicate as a second
// transaction input would be a double-spend attempt.
func DedupeRecords(raws []string) []string {
	seen := make(map[string]struct{}, len(raws))
	out := make([]string, 0, len(raws))
	for _, raw := range raws {
		nonce := ExtractNonce(raw)
		if _, dup := seen[nonce]; dup {
			continue
		}
		seen[nonce] = struct{}{}
		out = append(out, raw)
	}
	return out
}

// ParseRecords dedupes and parses raw records, sorted by value descending.
func ParseRecords(raws []string) []Record {
	deduped := DedupeRecords(raws)
	records := make([]Record, 0, len(deduped))
	for _, raw := range deduped {
		records = append(records, Record{
			Raw:   raw,
			Nonce: ExtractNonce(raw),
			Value: ParseValue(raw),
		})
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Value > records[j].Value
	})
	return records
}

// TotalValue sums record amounts.
func TotalValue(records []Record) uint64 {
	var total uint64
	for _, r := range records {
		total += r.Value
	}
	return total
}
