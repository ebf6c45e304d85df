// Package mapping auto-detects and validates column-to-role mappings.
//
// Detection scores each profiled column against a per-role synonym
// dictionary, applies type-compatibility gates, and resolves duplicate
// claims on single-column roles by demoting all but the first claimant.
// The output is a suggestion set the caller can confirm or override before
// a processing job starts.
package mapping

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"warehouse/internal/model"
)

// Config tunes auto-detection.
type Config struct {
	// MinConfidence is the score below which a column stays unmapped
	// (no suggestion). Zero means 0.6.
	MinConfidence float64

	// DemoteDuplicates controls what happens when two columns claim the
	// same single-column role: true (default behavior when constructed via
	// DefaultConfig) demotes later claimants to ADDITIONAL with a warning;
	// false rejects the detection with an error.
	DemoteDuplicates bool

	// Synonyms extends the built-in per-role header dictionary. Keys are
	// roles, values are lowercase header tokens.
	Synonyms map[model.Role][]string
}

// DefaultConfig returns the detection defaults.
func DefaultConfig() Config {
	return Config{MinConfidence: 0.6, DemoteDuplicates: true}
}

func (c Config) withDefaults() Config {
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.6
	}
	return c
}

// Built-in header dictionary. Matching is done on normalized header names
// (lowercased, non-alphanumerics collapsed to single spaces).
var builtinSynonyms = map[model.Role][]string{
	model.RoleTime: {
		"year", "date", "period", "time", "quarter", "month", "reporting period",
	},
	model.RoleLocation: {
		"country", "country code", "location", "region", "state", "city",
		"district", "area", "geo", "iso code",
	},
	model.RoleIndicatorName: {
		"indicator", "indicator name", "indicator code", "measure", "metric",
		"series", "series name",
	},
	model.RoleIndicatorValue: {
		"value", "amount", "figure", "observation", "obs value", "result",
	},
	model.RoleSource: {
		"source", "provider", "origin", "data source",
	},
	model.RoleUnit: {
		"unit", "units", "unit of measure", "uom",
	},
	model.RoleGoal: {
		"goal", "target", "objective", "sdg goal",
	},
}

// isoCodeRe matches 2-3 letter uppercase codes, the shape of ISO country
// codes. Used as a sample-based boost for LOCATION detection.
var isoCodeRe = regexp.MustCompile(`^[A-Z]{2,3}$`)

// yearRe matches a bare 4-digit year.
var yearRe = regexp.MustCompile(`^(19|20)\d{2}$`)

// Detect suggests a role mapping for every column of the analysis that
// scores at or above cfg.MinConfidence. Columns below the threshold get no
// suggestion.
//
// Semantics:
//   - The best-scoring role wins per column.
//   - INDICATOR_VALUE is only suggested for numeric columns.
//   - When several columns claim a single-column role (TIME, LOCATION,
//     INDICATOR_VALUE), the lowest column index keeps it; later claimants
//     are demoted to ADDITIONAL and reported as warnings.
//
// Errors:
//   - With cfg.DemoteDuplicates false, a duplicate claim returns an error
//     naming the role and both columns.
func Detect(a *model.Analysis, cfg Config) ([]model.ColumnMapping, []model.Warning, error) {
	cfg = cfg.withDefaults()

	var mappings []model.ColumnMapping
	for _, col := range a.Columns {
		role, conf := scoreColumn(col, cfg)
		if role == "" || conf < cfg.MinConfidence {
			continue
		}
		mappings = append(mappings, model.ColumnMapping{
			AnalysisID:  a.ID,
			ColumnIndex: col.Index,
			ColumnName:  col.Name,
			Role:        role,
			Confidence:  conf,
		})
	}

	warnings, err := resolveDuplicates(mappings, cfg)
	if err != nil {
		return nil, nil, err
	}
	return mappings, warnings, nil
}

// scoreColumn returns the best role and its confidence for one column.
func scoreColumn(col model.ColumnProfile, cfg Config) (model.Role, float64) {
	name := normalizeHeader(col.Name)
	if name == "" {
		return "", 0
	}

	bestRole := model.Role("")
	bestScore := 0.0

	consider := func(role model.Role, score float64) {
		if score > bestScore {
			bestRole, bestScore = role, score
		}
	}

	score := func(role model.Role, syns []string) {
		if role == model.RoleIndicatorValue && !col.DataType.Numeric() {
			return
		}
		for _, syn := range syns {
			switch {
			case name == syn:
				consider(role, 1.0)
			case strings.Contains(name, syn) || strings.Contains(syn, name):
				consider(role, 0.8)
			}
		}
	}

	for role, syns := range builtinSynonyms {
		score(role, syns)
	}
	for role, syns := range cfg.Synonyms {
		score(role, syns)
	}

	// Sample-shape boosts for columns whose header alone was inconclusive.
	if bestScore < 0.9 && len(col.Samples) > 0 {
		if allMatch(col.Samples, isoCodeRe) && bestRole == model.RoleLocation {
			consider(model.RoleLocation, 0.9)
		}
		if allMatch(col.Samples, yearRe) && col.DataType == model.TypeInteger {
			if bestRole == "" || bestRole == model.RoleTime {
				consider(model.RoleTime, 0.9)
			}
		}
	}

	// A column whose distinct count hit the profiling cap is effectively
	// unique per row; a categorical role is implausible for it no matter
	// what the header says.
	if col.UniqueCapped && categorical(bestRole) {
		bestScore -= 0.3
	}

	return bestRole, bestScore
}

func categorical(r model.Role) bool {
	switch r {
	case model.RoleLocation, model.RoleIndicatorName, model.RoleSource, model.RoleUnit, model.RoleGoal:
		return true
	}
	return false
}

func allMatch(samples []string, re *regexp.Regexp) bool {
	for _, s := range samples {
		if !re.MatchString(s) {
			return false
		}
	}
	return true
}

// normalizeHeader lowercases and collapses non-alphanumeric runs to single
// spaces, so "Country_Code" and "country code" compare equal.
func normalizeHeader(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// resolveDuplicates enforces single-column roles in place.
func resolveDuplicates(mappings []model.ColumnMapping, cfg Config) ([]model.Warning, error) {
	sort.SliceStable(mappings, func(i, j int) bool {
		return mappings[i].ColumnIndex < mappings[j].ColumnIndex
	})

	var warnings []model.Warning
	keeper := map[model.Role]int{} // role -> column index of first claimant

	for i := range mappings {
		m := &mappings[i]
		if !m.Role.RequiresUnique() {
			continue
		}
		first, claimed := keeper[m.Role]
		if !claimed {
			keeper[m.Role] = m.ColumnIndex
			continue
		}
		if !cfg.DemoteDuplicates {
			return nil, fmt.Errorf("columns %d and %d both map to %s", first, m.ColumnIndex, m.Role)
		}
		warnings = append(warnings, model.Warning{
			ColumnIndex: m.ColumnIndex,
			ColumnName:  m.ColumnName,
			Message: fmt.Sprintf("column %q also matched %s (kept column %d); demoted to %s",
				m.ColumnName, m.Role, first, model.RoleAdditional),
		})
		m.Role = model.RoleAdditional
	}
	return warnings, nil
}

// Validate checks a confirmed mapping set before a job may start.
//
// Rules:
//   - Exactly one INDICATOR_VALUE column, and it must be numeric per the
//     analysis profile.
//   - At most one column per single-column role.
//   - Column indexes must exist in the analysis and appear at most once.
//   - Every rule set must be well formed.
func Validate(a *model.Analysis, mappings []model.ColumnMapping) error {
	byRole := map[model.Role][]int{}
	seen := map[int]bool{}

	for _, m := range mappings {
		if m.ColumnIndex < 0 || m.ColumnIndex >= a.ColumnCount {
			return fmt.Errorf("mapping references column %d; analysis has %d columns",
				m.ColumnIndex, a.ColumnCount)
		}
		if seen[m.ColumnIndex] {
			return fmt.Errorf("column %d mapped twice", m.ColumnIndex)
		}
		seen[m.ColumnIndex] = true

		if err := m.Rules.Validate(); err != nil {
			return fmt.Errorf("column %d: %w", m.ColumnIndex, err)
		}
		byRole[m.Role] = append(byRole[m.Role], m.ColumnIndex)
	}

	for role, cols := range byRole {
		if role.RequiresUnique() && len(cols) > 1 {
			return fmt.Errorf("role %s claimed by %d columns %v; at most one allowed", role, len(cols), cols)
		}
	}

	vals := byRole[model.RoleIndicatorValue]
	if len(vals) != 1 {
		return fmt.Errorf("exactly one %s column required, have %d", model.RoleIndicatorValue, len(vals))
	}
	if dt := a.Columns[vals[0]].DataType; !dt.Numeric() {
		return fmt.Errorf("%s column %d has type %s; a numeric type is required",
			model.RoleIndicatorValue, vals[0], dt)
	}
	return nil
}
