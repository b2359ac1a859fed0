// Package schema reconciles evolving source field names against the fixed
// unified schema. Mapping decisions are tiered by similarity confidence:
// auto-applied at >= 0.8, quarantined in [0.5, 0.8), skipped below 0.5.
package schema

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/coinflux/coinflux/internal/models"
)

// Confidence tier boundaries.
const (
	AutoApplyThreshold  = 0.8
	QuarantineThreshold = 0.5
)

// UnifiedFields is the target field set of the unified record shape.
var UnifiedFields = []string{
	"symbol", "name", "price_usd", "volume_24h",
	"market_cap", "percent_change_24h", "timestamp", "source",
}

// numericFields are the unified fields subject to numeric coercion.
var numericFields = map[string]bool{
	"price_usd":          true,
	"volume_24h":         true,
	"market_cap":         true,
	"percent_change_24h": true,
}

// DefaultAliases is the canonical static alias table, confidence 1.0.
func DefaultAliases() map[string]string {
	return map[string]string{
		"time":            "timestamp",
		"ticker":          "symbol",
		"usd_price":       "price_usd",
		"tx_volume":       "volume_24h",
		"created_at":      "timestamp",
		"price_timestamp": "timestamp",
	}
}

// Mapping records one field remap decision.
type Mapping struct {
	From       string  `json:"from" bson:"from"`
	To         string  `json:"to" bson:"to"`
	Confidence float64 `json:"confidence" bson:"confidence"`
}

// DriftResult describes the outcome of comparing a source's current schema
// against the last observed one.
type DriftResult struct {
	SchemaVersion int       `json:"schema_version" bson:"schema_version"`
	Applied       []Mapping `json:"applied_mappings" bson:"applied_mappings"`
	Quarantined   []Mapping `json:"quarantined_mappings" bson:"quarantined_mappings"`
	Skipped       []Mapping `json:"skipped_mappings" bson:"skipped_mappings"`
}

// snapshot is the last observed schema for a source: field name to scalar
// type tag, compared structurally.
type snapshot map[string]string

type sourceState struct {
	schema  snapshot
	version int
	// applied remaps keyed by the current (new) field name. Quarantined
	// fields are deliberately absent.
	applied map[string]Mapping
}

// Mapper holds per-source schema snapshots and active remaps.
type Mapper struct {
	mu      sync.Mutex
	aliases map[string]string
	state   map[string]*sourceState
}

// NewMapper builds a mapper with the given alias table; nil means the
// canonical defaults.
func NewMapper(aliases map[string]string) *Mapper {
	if aliases == nil {
		aliases = DefaultAliases()
	}
	return &Mapper{
		aliases: aliases,
		state:   make(map[string]*sourceState),
	}
}

// DetectDrift compares the schema of a representative record against the
// stored snapshot for the source. On structural change it bumps the schema
// version and derives one mapping per removed field, tiered by similarity
// against the added fields.
func (m *Mapper) DetectDrift(sourceID string, first models.RawRecord) DriftResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := snapshotOf(first)
	st, seen := m.state[sourceID]
	if !seen {
		m.state[sourceID] = &sourceState{schema: current, version: 1, applied: map[string]Mapping{}}
		return DriftResult{SchemaVersion: 1}
	}
	if st.schema.equal(current) {
		return DriftResult{SchemaVersion: st.version}
	}

	removed, added := st.schema.diff(current)
	st.version++
	result := DriftResult{SchemaVersion: st.version}

	for _, old := range removed {
		best, score := bestMatch(m.aliases, old, added)
		if score == 0 {
			continue
		}
		mapping := Mapping{From: old, To: best, Confidence: score}
		switch {
		case score >= AutoApplyThreshold:
			result.Applied = append(result.Applied, mapping)
			st.applied[best] = mapping
			log.Info().Str("source", sourceID).Str("from", old).Str("to", best).
				Float64("confidence", score).Msg("schema drift: mapping applied")
		case score >= QuarantineThreshold:
			result.Quarantined = append(result.Quarantined, mapping)
			log.Warn().Str("source", sourceID).Str("from", old).Str("to", best).
				Float64("confidence", score).Msg("schema drift: mapping quarantined")
		default:
			result.Skipped = append(result.Skipped, mapping)
		}
	}

	st.schema = current
	return result
}

// MapRow translates one raw row into unified field names, applying static
// aliases and any auto-applied drift mappings, coercing numeric fields.
// Fields outside the unified schema are dropped.
func (m *Mapper) MapRow(sourceID string, row models.RawRecord) (models.RawRecord, []Mapping) {
	m.mu.Lock()
	applied := map[string]Mapping{}
	if st, ok := m.state[sourceID]; ok {
		for k, v := range st.applied {
			applied[k] = v
		}
	}
	m.mu.Unlock()

	mapped := make(models.RawRecord, len(row))
	var logbook []Mapping

	for field, value := range row {
		var target string
		switch {
		case isUnifiedField(field):
			target = field
		case m.aliases[field] != "":
			target = m.aliases[field]
			logbook = append(logbook, Mapping{From: target, To: field, Confidence: 1.0})
		case applied[field].From != "":
			target = applied[field].From
			logbook = append(logbook, applied[field])
		default:
			continue
		}
		if numericFields[target] {
			if num, ok := CoerceNumeric(value); ok {
				mapped[target] = num
			}
			continue
		}
		mapped[target] = value
	}
	return mapped, logbook
}

// SchemaVersion reports the current schema version for a source; zero when
// the source has not been observed yet.
func (m *Mapper) SchemaVersion(sourceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.state[sourceID]; ok {
		return st.version
	}
	return 0
}

// Similarity scores two field names in [0, 1]. Static aliases in either
// direction win outright, then normalized substring containment, then a
// Levenshtein distance ratio.
func (m *Mapper) Similarity(a, b string) float64 {
	if m.aliases[a] == b || m.aliases[b] == a {
		return 1.0
	}
	na, nb := normalize(a), normalize(b)
	if na == "" && nb == "" {
		return 1.0
	}
	if na == nb {
		return 1.0
	}
	if na != "" && nb != "" && (strings.Contains(na, nb) || strings.Contains(nb, na)) {
		return 0.9
	}
	maxLen := len(na)
	if len(nb) > maxLen {
		maxLen = len(nb)
	}
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(na, nb))/float64(maxLen)
}

// CoerceNumeric turns a raw value into a float64, stripping currency
// formatting from strings. The second return is false when the value cannot
// represent a number, which upstream treats as an absent field.
func CoerceNumeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		cleaned := strings.Map(func(r rune) rune {
			switch r {
			case '$', ',', ' ', '\t':
				return -1
			}
			return r
		}, n)
		if cleaned == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func bestMatch(aliases map[string]string, old string, added []string) (string, float64) {
	m := &Mapper{aliases: aliases}
	best, bestScore := "", 0.0
	for _, candidate := range added {
		if score := m.Similarity(old, candidate); score > bestScore {
			best, bestScore = candidate, score
		}
	}
	return best, bestScore
}

func isUnifiedField(name string) bool {
	for _, f := range UnifiedFields {
		if f == name {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, "-", "")
}

func snapshotOf(r models.RawRecord) snapshot {
	s := make(snapshot, len(r))
	for field, value := range r {
		s[field] = typeTag(value)
	}
	return s
}

func typeTag(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case float64, float32, int, int64:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}, models.RawRecord:
		return "object"
	default:
		return "unknown"
	}
}

func (s snapshot) equal(other snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for field, tag := range s {
		if other[field] != tag {
			return false
		}
	}
	return true
}

// diff returns fields present only in s (removed) and only in other (added),
// sorted for deterministic mapping order.
func (s snapshot) diff(other snapshot) (removed, added []string) {
	for field := range s {
		if _, ok := other[field]; !ok {
			removed = append(removed, field)
		}
	}
	for field := range other {
		if _, ok := s[field]; !ok {
			added = append(added, field)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	return removed, added
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
