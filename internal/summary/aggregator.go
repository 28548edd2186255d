// Package summary derives the denormalized report written when a job completes.
package summary

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

// Defaults used when the aggregator is built with zero values.
const (
	DefaultLowScoreThreshold = 50.0
	DefaultMaxQuickWins      = 3
)

// ScoreLister loads the scores recorded for a job.
type ScoreLister interface {
	ListScores(ctx context.Context, jobID string) ([]crawl.Score, error)
}

// Aggregator computes SummaryData from persisted scores.
type Aggregator struct {
	scores       ScoreLister
	lowThreshold float64
	maxQuickWins int
}

// NewAggregator builds an Aggregator; non-positive limits take the defaults.
func NewAggregator(scores ScoreLister, lowThreshold float64, maxQuickWins int) *Aggregator {
	if lowThreshold <= 0 {
		lowThreshold = DefaultLowScoreThreshold
	}
	if maxQuickWins <= 0 {
		maxQuickWins = DefaultMaxQuickWins
	}
	return &Aggregator{scores: scores, lowThreshold: lowThreshold, maxQuickWins: maxQuickWins}
}

// Summarize returns the executive summary text and aggregate data for a job.
func (a *Aggregator) Summarize(ctx context.Context, job crawl.Job) (string, *crawl.SummaryData, error) {
	scores, err := a.scores.ListScores(ctx, job.ID)
	if err != nil {
		return "", nil, fmt.Errorf("list scores: %w", err)
	}
	if len(scores) == 0 {
		return "", nil, fmt.Errorf("job %s has no scored pages", job.ID)
	}
	data := a.aggregate(scores)
	return render(data), data, nil
}

func (a *Aggregator) aggregate(scores []crawl.Score) *crawl.SummaryData {
	var total float64
	catTotals := make(map[string]float64)
	catCounts := make(map[string]int)
	type issueTally struct {
		issue crawl.Issue
		pages int
	}
	issues := make(map[string]*issueTally)
	low := 0

	for _, s := range scores {
		total += s.Overall
		if s.Overall < a.lowThreshold {
			low++
		}
		for name, v := range s.Categories {
			catTotals[name] += v
			catCounts[name]++
		}
		counted := make(map[string]bool, len(s.Issues))
		for _, is := range s.Issues {
			if is.Code == "" || counted[is.Code] {
				continue
			}
			counted[is.Code] = true
			tally, ok := issues[is.Code]
			if !ok {
				tally = &issueTally{issue: is}
				issues[is.Code] = tally
			}
			tally.pages++
		}
	}

	data := &crawl.SummaryData{
		OverallScore:    round1(total / float64(len(scores))),
		PagesEvaluated:  len(scores),
		LowScoringPages: low,
	}
	if len(catTotals) > 0 {
		data.CategoryScores = make(map[string]float64, len(catTotals))
		for name, sum := range catTotals {
			data.CategoryScores[name] = round1(sum / float64(catCounts[name]))
		}
	}

	tallies := make([]*issueTally, 0, len(issues))
	for _, t := range issues {
		tallies = append(tallies, t)
	}
	sort.Slice(tallies, func(i, j int) bool {
		if tallies[i].pages != tallies[j].pages {
			return tallies[i].pages > tallies[j].pages
		}
		return tallies[i].issue.Code < tallies[j].issue.Code
	})
	for i, t := range tallies {
		if i == a.maxQuickWins {
			break
		}
		data.QuickWins = append(data.QuickWins, crawl.QuickWin{
			Code:     t.issue.Code,
			Message:  t.issue.Message,
			Severity: t.issue.Severity,
			Pages:    t.pages,
		})
	}
	return data
}

func render(data *crawl.SummaryData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evaluated %d pages with an average score of %.1f.", data.PagesEvaluated, data.OverallScore)
	if data.LowScoringPages > 0 {
		fmt.Fprintf(&b, " %d pages scored below the threshold.", data.LowScoringPages)
	}
	if len(data.QuickWins) > 0 {
		top := data.QuickWins[0]
		fmt.Fprintf(&b, " Most common issue: %s (%d pages).", top.Code, top.Pages)
	}
	return b.String()
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
