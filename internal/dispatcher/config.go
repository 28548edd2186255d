package dispatcher

import "github.com/JakeFAU/crawl-orchestrator/internal/crawl"

// PlanLimits caps crawl size for one plan tier.
type PlanLimits struct {
	MaxPages int `mapstructure:"max_pages"`
	MaxDepth int `mapstructure:"max_depth"`
}

// DefaultPlanLimits returns the built-in ceilings per plan.
func DefaultPlanLimits() map[crawl.Plan]PlanLimits {
	return map[crawl.Plan]PlanLimits{
		crawl.PlanFree:    {MaxPages: 10, MaxDepth: 2},
		crawl.PlanStarter: {MaxPages: 100, MaxDepth: 3},
		crawl.PlanPro:     {MaxPages: 500, MaxDepth: 5},
		crawl.PlanAgency:  {MaxPages: 2000, MaxDepth: 10},
	}
}

// CrawlConfig is the JSON body sent to the worker.
type CrawlConfig struct {
	JobID         string `json:"job_id"`
	ProjectID     string `json:"project_id"`
	RootURL       string `json:"root_url"`
	MaxPages      int    `json:"max_pages"`
	MaxDepth      int    `json:"max_depth"`
	RespectRobots bool   `json:"respect_robots"`
	CallbackURL   string `json:"callback_url,omitempty"`
}

// BuildConfig merges project settings with the plan ceiling. Settings above
// the ceiling are clamped and non-positive settings take the ceiling. Unknown
// plans fall back to the free tier.
func BuildConfig(job crawl.Job, project crawl.Project, plan crawl.Plan, limits map[crawl.Plan]PlanLimits) CrawlConfig {
	if limits == nil {
		limits = DefaultPlanLimits()
	}
	ceiling, ok := limits[plan]
	if !ok {
		ceiling = limits[crawl.PlanFree]
	}
	return CrawlConfig{
		JobID:         job.ID,
		ProjectID:     project.ID,
		RootURL:       project.RootURL,
		MaxPages:      clamp(project.Settings.MaxPages, ceiling.MaxPages),
		MaxDepth:      clamp(project.Settings.MaxDepth, ceiling.MaxDepth),
		RespectRobots: project.Settings.RespectRobots,
	}
}

func clamp(requested, ceiling int) int {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}
