// Package answercache memoizes generated answers keyed by the question, the
// documents in scope and the filters. Entries are dropped as soon as any
// contributing document changes, and a write computed from data that was
// invalidated mid-flight is refused.
package answercache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/docverify/internal/model"
)

// DefaultTTL bounds how long an entry can be served.
const DefaultTTL = time.Hour

// DefaultMaxEntries bounds the number of cached answers.
const DefaultMaxEntries = 10000

// Key identifies a cached answer before hashing.
type Key struct {
	Question    string
	DocumentIDs []string
	Filters     []model.Predicate
}

// Entry is a cached answer.
type Entry struct {
	Answer      string                 `json:"answer"`
	Value       *model.AggregateResult `json:"value,omitempty"`
	Kind        model.QueryKind        `json:"kind"`
	QueryID     string                 `json:"query_id"`
	DocumentIDs []string               `json:"document_ids"`
	CreatedAt   time.Time              `json:"created_at"`
	Hits        int64                  `json:"hits"`
}

// Token records document generations at the moment an answer's inputs were
// read. Set refuses the write when any generation has moved since.
type Token struct {
	Generations map[string]int64
}

// Stats summarizes cache activity since start.
type Stats struct {
	Entries       int   `json:"entries"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
	StaleSets     int64 `json:"stale_sets"`
}

// Cache is implemented by the in-process and Redis backends.
type Cache interface {
	// Snapshot captures the current generation of each document.
	Snapshot(ctx context.Context, docIDs []string) (Token, error)
	Get(ctx context.Context, fingerprint string) (*Entry, bool, error)
	// Set stores e unless a document in tok was invalidated after the
	// snapshot. It reports whether the entry was stored.
	Set(ctx context.Context, fingerprint string, e *Entry, tok Token) (bool, error)
	// InvalidateDocument drops every entry that docID contributed to and
	// returns how many were dropped.
	InvalidateDocument(ctx context.Context, docID string) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

// Fingerprint hashes k. Questions that differ only in case, width,
// whitespace or trailing punctuation share a fingerprint, as do document
// and filter lists that differ only in order.
func Fingerprint(k Key) string {
	raw := fmt.Sprintf("%s|%s|%s",
		NormalizeQuestion(k.Question),
		strings.Join(sortedIDs(k.DocumentIDs), ","),
		model.CanonicalPredicates(k.Filters),
	)
	h := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", h)
}

var folder = cases.Fold()

// NormalizeQuestion applies NFKC, Unicode case folding and whitespace
// collapsing, then trims trailing sentence punctuation.
func NormalizeQuestion(q string) string {
	q = norm.NFKC.String(q)
	q = folder.String(q)
	q = strings.Join(strings.FieldsFunc(q, unicode.IsSpace), " ")
	return strings.TrimRight(q, "?.! ")
}

func sortedIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
