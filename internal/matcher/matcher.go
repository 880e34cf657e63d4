// Package matcher finds compatible talent/insider pairs by criteria overlap.
//
// It is pure: callers fetch the candidate pool and decide what to persist.
// The scan is first-match in pool order, not a ranking.
package matcher

import (
	"strings"

	"referral-service/internal/models"
)

// Dimension names a category of matching criteria.
type Dimension string

const (
	DimensionCompanies  Dimension = "companies"
	DimensionPositions  Dimension = "positions"
	DimensionSkills     Dimension = "skills"
	DimensionIndustries Dimension = "industries"
)

// DefaultDimensions are required when FindMatch is called without any.
var DefaultDimensions = []Dimension{DimensionCompanies, DimensionPositions}

// Criteria are the category entries of one user.
type Criteria struct {
	UID        string
	Companies  []string
	Positions  []string
	Skills     []string
	Industries []string
}

func (c Criteria) values(d Dimension) []string {
	switch d {
	case DimensionCompanies:
		return c.Companies
	case DimensionPositions:
		return c.Positions
	case DimensionSkills:
		return c.Skills
	case DimensionIndustries:
		return c.Industries
	}
	return nil
}

// Result is the first compatible candidate and the overlapping value found
// on every required dimension.
type Result struct {
	CandidateUID string
	Overlap      map[Dimension]string
}

// Company returns the overlapping company, if companies was required.
func (r Result) Company() string { return r.Overlap[DimensionCompanies] }

// Position returns the overlapping position, if positions was required.
func (r Result) Position() string { return r.Overlap[DimensionPositions] }

// FindMatch scans pool in order and returns the first candidate sharing at
// least one value with subject on every dimension in dims. The overlap
// value reported per dimension is the first one in subject's order.
func FindMatch(subject Criteria, pool []Criteria, dims ...Dimension) (Result, bool) {
	if len(dims) == 0 {
		dims = DefaultDimensions
	}

	for _, candidate := range pool {
		if candidate.UID != "" && candidate.UID == subject.UID {
			continue
		}
		overlap, ok := overlapAll(subject, candidate, dims)
		if ok {
			return Result{CandidateUID: candidate.UID, Overlap: overlap}, true
		}
	}
	return Result{}, false
}

func overlapAll(subject, candidate Criteria, dims []Dimension) (map[Dimension]string, bool) {
	overlap := make(map[Dimension]string, len(dims))
	for _, d := range dims {
		value, ok := firstCommon(subject.values(d), candidate.values(d))
		if !ok {
			return nil, false
		}
		overlap[d] = value
	}
	return overlap, true
}

func firstCommon(a, b []string) (string, bool) {
	if len(a) == 0 || len(b) == 0 {
		return "", false
	}
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		if key := normalize(v); key != "" {
			set[key] = struct{}{}
		}
	}
	for _, v := range a {
		if _, ok := set[normalize(v)]; ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// FromProfile extracts criteria from a profile. Insiders without explicit
// company entries fall back to their employer.
func FromProfile(p models.Profile) Criteria {
	companies := p.Companies
	if len(companies) == 0 && p.Role == models.RoleInsider && p.Company != "" {
		companies = []string{p.Company}
	}
	return Criteria{
		UID:        p.UID,
		Companies:  companies,
		Positions:  p.Positions,
		Skills:     p.Skills,
		Industries: p.Industries,
	}
}

// Pool converts profiles to candidates keeping their order.
func Pool(profiles []models.Profile) []Criteria {
	pool := make([]Criteria, 0, len(profiles))
	for _, p := range profiles {
		pool = append(pool, FromProfile(p))
	}
	return pool
}

// Common returns every value of a also present in b, in a's order.
func Common(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[normalize(v)] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{}, len(a))
	for _, v := range a {
		key := normalize(v)
		if key == "" {
			continue
		}
		if _, ok := set[key]; !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	return out
}
