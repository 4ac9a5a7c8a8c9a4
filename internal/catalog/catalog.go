package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("catalog: not found")
	ErrForbidden = errors.New("catalog: forbidden")
)

type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFree:
		return TierFree, nil
	case TierPaid, "premium", "enterprise":
		return TierPaid, nil
	default:
		return "", fmt.Errorf("unknown tier %q", raw)
	}
}

type AttemptStatus string

const (
	StatusSuccess AttemptStatus = "success"
	StatusError   AttemptStatus = "error"
)

// Repository is the catalog surface used by the admin tooling and the API.
type Repository interface {
	HealthCheck(ctx context.Context) error
	CreateCaller(ctx context.Context, in CreateCallerInput) (Caller, error)
	GetCaller(ctx context.Context, callerID int64) (Caller, error)
	SetCallerTier(ctx context.Context, callerID int64, tier Tier) error
	GrantCredits(ctx context.Context, callerID int64, credits float64) (Caller, error)
	CreateAPIKey(ctx context.Context, in CreateAPIKeyInput) (APIKey, error)
	ResolveAPIKey(ctx context.Context, keyHash string) (Caller, error)
	CreateTemplate(ctx context.Context, in CreateTemplateInput) (Template, error)
	GetTemplate(ctx context.Context, templateID int64) (Template, error)
	ListTemplates(ctx context.Context, callerID int64) ([]Template, error)
	InsertAttempt(ctx context.Context, attempt Attempt) (Attempt, error)
	ListAttempts(ctx context.Context, callerID int64, limit int) ([]Attempt, error)
	DailyUsage(ctx context.Context, callerID int64, since time.Time) ([]DailyUsage, error)
	AttemptTotals(ctx context.Context, callerID int64) (AttemptTotals, error)
}

type Caller struct {
	CallerID         int64
	Email            string
	Tier             Tier
	CreditsRemaining float64
	QueriesUsed      int64
	Active           bool
	CreatedAt        time.Time
}

type CreateCallerInput struct {
	Email   string
	Tier    Tier
	Credits float64
}

type APIKey struct {
	KeyID     string
	CallerID  int64
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
}

type CreateAPIKeyInput struct {
	KeyID    string
	CallerID int64
	KeyHash  string
}

// Example is one curated question and the SQL that answers it.
type Example struct {
	Question string `json:"question" yaml:"question"`
	Query    string `json:"query" yaml:"query"`
}

// Template binds a target database to the examples used to prompt the generator.
// A nil OwnerID marks a system template.
type Template struct {
	TemplateID  int64
	OwnerID     *int64
	Name        string
	Description string
	DatabaseURI string
	Examples    []Example
	IsPublic    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReadableBy reports whether callerID may run questions against the template.
func (t Template) ReadableBy(callerID int64) bool {
	if t.IsPublic {
		return true
	}
	return t.OwnerID != nil && *t.OwnerID == callerID
}

// WritableBy reports whether callerID may modify the template.
func (t Template) WritableBy(callerID int64) bool {
	return t.OwnerID != nil && *t.OwnerID == callerID
}

type CreateTemplateInput struct {
	OwnerID     *int64
	Name        string
	Description string
	DatabaseURI string
	Examples    []Example
	IsPublic    bool
}

func (in CreateTemplateInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("template name is required")
	}
	if strings.TrimSpace(in.DatabaseURI) == "" {
		return fmt.Errorf("template database uri is required")
	}
	if len(in.Examples) == 0 {
		return fmt.Errorf("at least one example query is required")
	}
	for i, example := range in.Examples {
		if strings.TrimSpace(example.Question) == "" || strings.TrimSpace(example.Query) == "" {
			return fmt.Errorf("example %d needs both question and query", i)
		}
	}
	return nil
}

// Attempt is one audited run of the query pipeline. GeneratedSQL is empty when
// generation failed.
type Attempt struct {
	AttemptID    int64
	CallerID     int64
	TemplateID   int64
	Question     string
	GeneratedSQL string
	Duration     time.Duration
	Status       AttemptStatus
	ErrorMessage string
	RowCount     int
	CreatedAt    time.Time
}

type DailyUsage struct {
	Day           time.Time
	Total         int64
	Succeeded     int64
	Failed        int64
	TotalDuration time.Duration
}

type AttemptTotals struct {
	Total     int64
	Succeeded int64
}

type ArchiveRun struct {
	RunID        int64
	MaxAttemptID int64
	ObjectKey    string
	RecordCount  int
	CreatedAt    time.Time
}
