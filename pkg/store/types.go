// Package store holds the persisted entity types and repositories backing
// them. Shared-schema repositories (Workspace, BillingProfile, ListenerRule,
// scheduled jobs) operate against the shared pool; per-workspace
// repositories (Prompt, Brand, Batch, BatchNotification, AnswerRecord,
// JobHistory) operate against a workspace-scoped pool obtained from
// database.WorkspaceConns. Grounded on the teacher's pkg/services CRUD
// style: context-scoped calls, fmt.Errorf wrapping, pgx.ErrNoRows handling
// exactly where the teacher checks ent.IsNotFound.
package store

import "time"

// Workspace is a tenant boundary; it owns its own Postgres schema.
type Workspace struct {
	ID                string
	DisplayName       string
	BillingProfileID  string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Cadence is a billing profile's job-run frequency.
type Cadence string

const (
	CadenceMonthly Cadence = "monthly"
	CadenceDaily   Cadence = "daily"
)

// ProfileStatus is a billing profile's plan-lifecycle flag.
type ProfileStatus string

const (
	ProfileStatusActive        ProfileStatus = "active"
	ProfileStatusPaymentFailed ProfileStatus = "payment_failed"
	ProfileStatusGrace         ProfileStatus = "grace"
)

// BillingProfile aggregates entitlements and usage across one or more
// workspaces (the agency model).
type BillingProfile struct {
	ID                    string
	CurrentPlan           string
	BrandsLimit           int
	PromptsLimit          int
	ModelsLimit           int
	AllowedModels         []string
	PromptCharacterLimit  int
	JobFrequency          Cadence
	NextJobRunDate        *time.Time
	DataRetentionDays     int
	BrandsUsed            int
	PromptsUsed           int
	ModelsUsed            int
	PromptsResetDate      *time.Time
	Status                ProfileStatus
	GraceUntil             *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Prompt is a free-text question asked of models.
type Prompt struct {
	ID        string
	Phrase    string
	CreatedBy string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Brand is a named entity the system watches mentions of.
type Brand struct {
	ID        string
	Name      string
	OwnBrand  bool
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BatchStatus is a batch's local lifecycle state.
type BatchStatus string

const (
	BatchStatusSubmitted  BatchStatus = "submitted"
	BatchStatusValidating BatchStatus = "validating"
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusReceived   BatchStatus = "received"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusExpired    BatchStatus = "expired"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// InFlight reports whether a batch in this status still occupies the
// single in-flight slot for its (workspace, model) pair.
func (s BatchStatus) InFlight() bool {
	switch s {
	case BatchStatusSubmitted, BatchStatusValidating, BatchStatusInProgress:
		return true
	default:
		return false
	}
}

// BatchRequestMeta records, for one request within a batch, the identifiers
// needed to resolve its custom_id back to a prompt and model at
// result-processing time.
type BatchRequestMeta struct {
	CustomID string `json:"customId"`
	PromptID string `json:"promptId"`
	ModelID  string `json:"modelId"`
}

// ProcessingStats aggregates the outcome of a batch's result processing.
type ProcessingStats struct {
	SavedResults       int `json:"savedResults"`
	SentimentCompleted int `json:"sentimentCompleted"`
	SentimentFailed    int `json:"sentimentFailed"`
	TotalResults       int `json:"totalResults"`
}

// Batch is a single provider submission.
type Batch struct {
	ID              string
	Provider        string
	ProviderBatchID string
	ModelID         string
	Status          BatchStatus
	RequestCount    int
	SubmittedAt     *time.Time
	CompletedAt     *time.Time
	Requests        []BatchRequestMeta
	Results         []byte // raw provider-native response objects, []json.RawMessage-shaped
	OutputRef       string
	IsProcessed     bool
	ProcessedAt     *time.Time
	Stats           ProcessingStats
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BatchNotification is an external completion signal, e.g. from an
// object-storage event fan-out.
type BatchNotification struct {
	ID           string
	Provider     string
	OutputRef    string
	BatchID      string
	Processed    bool
	DiscoveredAt time.Time
}

// SentimentVerdict is a per-brand sentiment classification.
type SentimentVerdict string

const (
	SentimentPositive      SentimentVerdict = "positive"
	SentimentNegative      SentimentVerdict = "negative"
	SentimentNotDetermined SentimentVerdict = "not-determined"
)

// BrandMentionType distinguishes a brand's own-vs-competitor role at the
// time sentiment analysis ran, independent of the live Brand row.
type BrandMentionType string

const (
	BrandMentionOwn       BrandMentionType = "own"
	BrandMentionCompetitor BrandMentionType = "competitor"
)

// BrandMention is one brand's sentiment-analysis result for an answer.
type BrandMention struct {
	BrandKeywords string           `json:"brandKeywords"`
	Type          BrandMentionType `json:"type"`
	Mentioned     bool             `json:"mentioned"`
	Sentiment     SentimentVerdict `json:"sentiment"`
	Position      *int             `json:"position"`
}

// SentimentAnalysis is the embedded secondary-analysis result for one
// AnswerRecord.
type SentimentAnalysis struct {
	Brands           []BrandMention `json:"brands"`
	OverallSentiment SentimentVerdict `json:"overallSentiment"`
	AnalyzedAt       time.Time      `json:"analyzedAt"`
	AnalyzedBy       string         `json:"analyzedBy"`
}

// AnswerRecord is one row per (prompt x model x submission).
type AnswerRecord struct {
	ID                string
	CustomID          string
	PromptID          string
	PromptText        string
	ModelID           string
	ModelName         string
	Provider          string
	ResponseText      string
	TokenCount        int
	ResponseTimeMs    int
	BatchID           string
	SentimentAnalysis *SentimentAnalysis
	CreatedAt         time.Time
}

// ListenerRule is a declarative subscription to a table in one workspace's
// schema (WorkspaceID).
type ListenerRule struct {
	ID          string
	WorkspaceID string
	TargetTable string
	Filter      map[string]any
	Operations  []string
	JobName     string
	Active      bool
	Metadata    map[string]any
	LockedBy    *string
	LockedAt    *time.Time
	HeartbeatAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobHistory is a per-run audit record.
type JobHistory struct {
	ID        int64
	JobName   string
	Status    string
	StartedAt time.Time
	EndedAt   *time.Time
	RuntimeMs *int64
	BytesIn   int64
	BytesOut  int64
	APICalls  int
	Errors    []string
}
