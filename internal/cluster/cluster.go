// Package cluster groups documents by the similarity of their extracted
// field-name sets and matches each group against the template catalog.
package cluster

import (
	"sort"
	"strings"

	"github.com/sells-group/docverify/internal/config"
	"github.com/sells-group/docverify/internal/model"
)

const (
	DefaultMergeThreshold = 0.8
	DefaultMatchThreshold = 0.70
)

// Input is one document's field-name set.
type Input struct {
	DocumentID string
	FieldNames []string
}

// Clusterer holds the merge and match thresholds.
type Clusterer struct {
	MergeThreshold float64
	MatchThreshold float64
}

// New builds a Clusterer from config, falling back to defaults for unset
// thresholds.
func New(cfg config.ClusterConfig) *Clusterer {
	c := &Clusterer{MergeThreshold: cfg.MergeThreshold, MatchThreshold: cfg.MatchThreshold}
	if c.MergeThreshold <= 0 {
		c.MergeThreshold = DefaultMergeThreshold
	}
	if c.MatchThreshold <= 0 {
		c.MatchThreshold = DefaultMatchThreshold
	}
	return c
}

type nameSet map[string]bool

func newNameSet(names []string) nameSet {
	set := make(nameSet, len(names))
	for _, n := range names {
		n = normalizeName(n)
		if n != "" {
			set[n] = true
		}
	}
	return set
}

func (s nameSet) key() string {
	names := s.sorted()
	return strings.Join(names, "\x1f")
}

func (s nameSet) sorted() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func normalizeName(n string) string {
	return strings.ToLower(strings.TrimSpace(n))
}

// Jaccard returns |A∩B| / |A∪B| over normalized names. Two empty sets
// score 0.
func Jaccard(a, b []string) float64 {
	return jaccard(newNameSet(a), newNameSet(b))
}

func jaccard(a, b nameSet) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0
	for n := range a {
		if b[n] {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// sizeBound is the largest Jaccard score two sets of these sizes can reach.
func sizeBound(a, b int) float64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return float64(a) / float64(b)
}

// unit is a set of documents with identical field-name sets.
type unit struct {
	names  nameSet
	docIDs []string
}

// Group clusters docs with complete linkage: every pair of documents in a
// returned group scores at least MergeThreshold. The converse does not hold.
// Two documents above the threshold can land in different groups when one of
// them already failed to clear it against another member of the other's
// group, so "similar pairs share a group" is not guaranteed.
//
// Documents with identical field sets always share a group. Units are taken
// in input order and join the existing group whose minimum similarity to
// every member is highest; a unit that fits no group starts a new one.
// Output order follows the first appearance of each group's documents.
func (c *Clusterer) Group(docs []Input) []model.DocumentGroup {
	units := collapse(docs)

	type group struct {
		units []*unit
	}
	var groups []*group

	for _, u := range units {
		best := -1
		bestScore := 0.0
		for gi, g := range groups {
			score, ok := c.linkage(u, g.units)
			if !ok {
				continue
			}
			if best == -1 || score > bestScore {
				best, bestScore = gi, score
			}
		}
		if best == -1 {
			groups = append(groups, &group{units: []*unit{u}})
			continue
		}
		groups[best].units = append(groups[best].units, u)
	}

	out := make([]model.DocumentGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, summarize(g.units))
	}
	return out
}

// linkage returns the minimum similarity between u and every member, and
// whether that minimum clears the merge threshold. Similarity must also be
// positive so disjoint sets never merge regardless of threshold.
func (c *Clusterer) linkage(u *unit, members []*unit) (float64, bool) {
	minSim := 1.0
	for _, m := range members {
		if sizeBound(len(u.names), len(m.names)) < c.MergeThreshold {
			return 0, false
		}
		sim := jaccard(u.names, m.names)
		if sim <= 0 || sim < c.MergeThreshold {
			return 0, false
		}
		if sim < minSim {
			minSim = sim
		}
	}
	return minSim, true
}

func collapse(docs []Input) []*unit {
	byKey := make(map[string]*unit, len(docs))
	var units []*unit
	for _, d := range docs {
		names := newNameSet(d.FieldNames)
		k := names.key()
		u, ok := byKey[k]
		if !ok {
			u = &unit{names: names}
			byKey[k] = u
			units = append(units, u)
		}
		u.docIDs = append(u.docIDs, d.DocumentID)
	}
	return units
}

func summarize(units []*unit) model.DocumentGroup {
	g := model.DocumentGroup{Cohesion: 1}
	freq := make(map[string]int)
	for i, u := range units {
		g.DocumentIDs = append(g.DocumentIDs, u.docIDs...)
		for n := range u.names {
			freq[n] += len(u.docIDs)
		}
		for _, o := range units[i+1:] {
			if sim := jaccard(u.names, o.names); sim < g.Cohesion {
				g.Cohesion = sim
			}
		}
	}

	g.SuggestedFields = make([]string, 0, len(freq))
	for n := range freq {
		g.SuggestedFields = append(g.SuggestedFields, n)
	}
	sort.Slice(g.SuggestedFields, func(i, j int) bool {
		a, b := g.SuggestedFields[i], g.SuggestedFields[j]
		if freq[a] != freq[b] {
			return freq[a] > freq[b]
		}
		return a < b
	})
	return g
}

// Match scores fields against every template and returns the best template
// at or above MatchThreshold. Template aliases count as their canonical name.
// Exact score ties prefer the template with more fields, then the lower id.
func (c *Clusterer) Match(fields []string, templates []model.Template) (string, float64, bool) {
	bestID := ""
	bestScore := 0.0
	bestSize := 0
	for i := range templates {
		t := &templates[i]
		canonical := newNameSet(t.FieldNames())
		score := jaccard(canonicalize(fields, t), canonical)
		size := len(canonical)

		better := score > bestScore ||
			(bestID != "" && score == bestScore && (size > bestSize || (size == bestSize && t.ID < bestID)))
		if better {
			bestID, bestScore, bestSize = t.ID, score, size
		}
	}
	if bestID == "" || bestScore < c.MatchThreshold {
		return "", bestScore, false
	}
	return bestID, bestScore, true
}

func canonicalize(fields []string, t *model.Template) nameSet {
	alias := make(map[string]string)
	for _, f := range t.Fields {
		canon := normalizeName(f.Name)
		for _, a := range f.Aliases {
			alias[normalizeName(a)] = canon
		}
	}
	set := make(nameSet, len(fields))
	for _, f := range fields {
		n := normalizeName(f)
		if n == "" {
			continue
		}
		if canon, ok := alias[n]; ok {
			n = canon
		}
		set[n] = true
	}
	return set
}

// Run groups docs and attaches a template match (or template_needed) to
// every group.
func (c *Clusterer) Run(docs []Input, templates []model.Template) []model.DocumentGroup {
	groups := c.Group(docs)
	for i := range groups {
		id, score, ok := c.Match(groups[i].SuggestedFields, templates)
		groups[i].MatchScore = score
		if ok {
			groups[i].TemplateID = id
		} else {
			groups[i].TemplateNeeded = true
		}
	}
	return groups
}
