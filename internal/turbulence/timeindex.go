package turbulence

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ErrInvalidToken is returned when a timestamp token cannot be split into a
// date and an intraday component.
var ErrInvalidToken = errors.New("invalid timestamp token")

// dateKeyLen is the fixed YYYYMMDD prefix length of a timestamp token
const dateKeyLen = 8

// ValidateToken checks that a timestamp token is well formed: all digits,
// an 8-character date prefix with a plausible month/day, and at least one
// intraday character after it. Tokens are otherwise opaque.
func ValidateToken(token string) error {
	if len(token) <= dateKeyLen {
		return fmt.Errorf("%w: %q is too short", ErrInvalidToken, token)
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q contains non-digit characters", ErrInvalidToken, token)
		}
	}
	month, _ := strconv.Atoi(token[4:6])
	if month < 1 || month > 12 {
		return fmt.Errorf("%w: %q has month %02d", ErrInvalidToken, token, month)
	}
	day, _ := strconv.Atoi(token[6:8])
	if day < 1 || day > 31 {
		return fmt.Errorf("%w: %q has day %02d", ErrInvalidToken, token, day)
	}
	return nil
}

// DateKey returns the YYYYMMDD prefix of a token. The token must have been
// validated first.
func DateKey(token string) string {
	return token[:dateKeyLen]
}

// BuildTimeIndex groups timestamp tokens by calendar date and selects the
// default (most recent) date and token. Input order does not matter and
// duplicates are kept. An empty input yields an empty index with no defaults.
// Any malformed token fails the whole build.
func BuildTimeIndex(tokens []string) (*TimeIndex, error) {
	idx := &TimeIndex{
		Buckets:   make(map[string][]string),
		FetchedAt: time.Now().UTC(),
	}
	if len(tokens) == 0 {
		return idx, nil
	}

	for _, token := range tokens {
		if err := ValidateToken(token); err != nil {
			return nil, err
		}
		key := DateKey(token)
		if _, seen := idx.Buckets[key]; !seen {
			idx.Dates = append(idx.Dates, key)
		}
		idx.Buckets[key] = append(idx.Buckets[key], token)
	}

	// Fixed-width numeric strings: lexicographic descending is chronological
	// most-recent-first.
	sort.Sort(sort.Reverse(sort.StringSlice(idx.Dates)))
	for _, bucket := range idx.Buckets {
		sort.Sort(sort.Reverse(sort.StringSlice(bucket)))
	}

	idx.DefaultDate = idx.Dates[0]
	idx.DefaultToken = idx.Buckets[idx.DefaultDate][0]
	return idx, nil
}
