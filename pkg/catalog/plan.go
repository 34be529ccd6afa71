package catalog

import "time"

// Cadence is the job-frequency tier for a billing profile.
type Cadence string

const (
	CadenceMonthly Cadence = "monthly"
	CadenceDaily   Cadence = "daily"
)

// Unlimited marks a plan.Limit field with no cap (the enterprise tier).
const Unlimited = -1

// Plan is one row of the canonical plan catalog (spec.md §4.5).
type Plan struct {
	ID                string
	BrandsLimit       int
	PromptsLimit      int
	ModelsLimit       int
	PromptCharLimit   int
	Cadence           Cadence
	DataRetentionDays int // Unlimited (-1) for enterprise
}

// Plans is the canonical, process-wide plan catalog.
var Plans = map[string]Plan{
	"free": {
		ID: "free", BrandsLimit: 1, PromptsLimit: 4, ModelsLimit: 1,
		PromptCharLimit: 150, Cadence: CadenceMonthly, DataRetentionDays: 30,
	},
	"small": {
		ID: "small", BrandsLimit: 4, PromptsLimit: 10, ModelsLimit: 3,
		PromptCharLimit: 150, Cadence: CadenceDaily, DataRetentionDays: 90,
	},
	"medium": {
		ID: "medium", BrandsLimit: 10, PromptsLimit: 20, ModelsLimit: 12,
		PromptCharLimit: 150, Cadence: CadenceDaily, DataRetentionDays: 180,
	},
	"enterprise": {
		ID: "enterprise", BrandsLimit: Unlimited, PromptsLimit: Unlimited, ModelsLimit: Unlimited,
		PromptCharLimit: 150, Cadence: CadenceDaily, DataRetentionDays: Unlimited,
	},
}

// PlanByID returns the named plan, or false if it is not in the catalog.
func PlanByID(id string) (Plan, bool) {
	p, ok := Plans[id]
	return p, ok
}

// RetentionDuration converts DataRetentionDays to a time.Duration, treating
// Unlimited as a zero duration (callers must check DataRetentionDays ==
// Unlimited before using this for a cutoff computation).
func (p Plan) RetentionDuration() time.Duration {
	if p.DataRetentionDays == Unlimited {
		return 0
	}
	return time.Duration(p.DataRetentionDays) * 24 * time.Hour
}
