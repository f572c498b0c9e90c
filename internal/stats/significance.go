// Package stats summarizes a test's variants: conversion rates, Wilson
// intervals and how confident we are that the leader beats the rest.
package stats

import (
	"math"

	"github.com/ksiegai/abgate/internal/store"
)

// DefaultConfidence is the level at which a leader is called.
const DefaultConfidence = 0.95

type Result struct {
	TestKey         string          `json:"test_key"`
	Goal            string          `json:"goal,omitempty"`
	Variants        []VariantResult `json:"variants"`
	LeadingVariant  string          `json:"leading_variant"`
	ConfidenceLevel float64         `json:"confidence_level"` // Probability the leader beats its closest rival
	Confident       bool            `json:"confident"`
}

type VariantResult struct {
	ID          string  `json:"variant_id"`
	Name        string  `json:"name"`
	Assignments int     `json:"assignments"`
	Views       int     `json:"views"`
	Conversions int     `json:"conversions"`
	Rate        float64 `json:"rate"`
	CILower     float64 `json:"ci_lower"`
	CIUpper     float64 `json:"ci_upper"`
}

// Exposures is the rate denominator: sessions that saw the page, or every
// assigned session when no views were recorded.
func (v VariantResult) Exposures() int {
	if v.Views > 0 {
		return v.Views
	}
	return v.Assignments
}

// SignificanceTest is a one-sided two-proportion z-test. It returns the
// confidence that A converts better than B; 0.5 when either side has no data.
func SignificanceTest(aConv, aViews, bConv, bViews int) float64 {
	if aViews <= 0 || bViews <= 0 {
		return 0.5
	}

	pA := float64(aConv) / float64(aViews)
	pB := float64(bConv) / float64(bViews)
	pooled := float64(aConv+bConv) / float64(aViews+bViews)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(aViews) + 1/float64(bViews)))

	if se == 0 {
		switch {
		case pA > pB:
			return 1
		case pA < pB:
			return 0
		}
		return 0.5
	}
	return normalCDF((pA - pB) / se)
}

// Analyze joins a test's variants with their stored counts. Variants with no
// recorded activity appear with zero counts, in the test's variant order.
func Analyze(test *store.Test, goal string, counts []store.VariantStats) *Result {
	byID := make(map[string]store.VariantStats, len(counts))
	for _, c := range counts {
		byID[c.VariantID] = c
	}

	res := &Result{TestKey: test.Key, Goal: goal, Variants: make([]VariantResult, len(test.Variants))}
	leader := -1
	for i, v := range test.Variants {
		c := byID[v.ID]
		vr := VariantResult{
			ID:          v.ID,
			Name:        v.Name,
			Assignments: c.Assignments,
			Views:       c.Views,
			Conversions: c.Conversions,
		}
		if n := vr.Exposures(); n > 0 {
			vr.Rate = float64(vr.Conversions) / float64(n)
			vr.CILower, vr.CIUpper = WilsonInterval(vr.Conversions, n, DefaultConfidence)
		}
		res.Variants[i] = vr
		if leader < 0 || vr.Rate > res.Variants[leader].Rate {
			leader = i
		}
	}
	if leader < 0 {
		return res
	}
	res.LeadingVariant = res.Variants[leader].ID

	// The leader has to beat its best rival, not just the control.
	if len(res.Variants) > 1 {
		rival := -1
		for i, v := range res.Variants {
			if i == leader {
				continue
			}
			if rival < 0 || v.Rate > res.Variants[rival].Rate {
				rival = i
			}
		}
		l, r := res.Variants[leader], res.Variants[rival]
		res.ConfidenceLevel = SignificanceTest(l.Conversions, l.Exposures(), r.Conversions, r.Exposures())
		res.Confident = res.ConfidenceLevel >= DefaultConfidence
	}
	return res
}
