package groupchat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouterSelectByWeight(t *testing.T) {
	router := NewRouter(0.5)
	billing := &Agent{ID: "billing", Routes: []RouteRule{{Contains: "invoice", Weight: 0.6}}}
	weather := &Agent{ID: "weather", Routes: []RouteRule{{Regex: `(?i)forecast`, Weight: 0.6}}}
	roster := []*Agent{billing, weather}

	selected := router.Select(roster, "Can you re-send my invoice from last month?", nil)
	require.Len(t, selected, 1)
	require.Equal(t, "billing", selected[0].Agent.ID)
}

func TestRouterAccumulatesMultipleWeakSignals(t *testing.T) {
	router := NewRouter(0.5)
	agent := &Agent{ID: "support", Routes: []RouteRule{
		{Contains: "refund", Weight: 0.3},
		{Contains: "order", Weight: 0.3},
	}}
	selected := router.Select([]*Agent{agent}, "I want a refund for my order", nil)
	require.Len(t, selected, 1)
	require.InDelta(t, 0.6, selected[0].Score, 0.001)
}

func TestRouterExcludesBelowThreshold(t *testing.T) {
	router := NewRouter(0.5)
	agent := &Agent{ID: "support", Routes: []RouteRule{{Contains: "refund", Weight: 0.1}}}
	selected := router.Select([]*Agent{agent}, "refund please", nil)
	require.Empty(t, selected)
}

func TestRouterContextualReferenceForcesInclude(t *testing.T) {
	router := NewRouter(0.9)
	docs := &Agent{ID: "docs", DomainTags: []string{"spreadsheet"}}
	selected := router.Select([]*Agent{docs}, "totally unrelated text", []string{"spreadsheet"})
	require.Len(t, selected, 1)
	require.Equal(t, "docs", selected[0].Agent.ID)
}

func TestRouterSortsDescending(t *testing.T) {
	router := NewRouter(0.1)
	low := &Agent{ID: "low", Routes: []RouteRule{{Contains: "x", Weight: 0.2}}}
	high := &Agent{ID: "high", Routes: []RouteRule{{Contains: "x", Weight: 0.9}}}
	selected := router.Select([]*Agent{low, high}, "x", nil)
	require.Len(t, selected, 2)
	require.Equal(t, "high", selected[0].Agent.ID)
	require.Equal(t, "low", selected[1].Agent.ID)
}
