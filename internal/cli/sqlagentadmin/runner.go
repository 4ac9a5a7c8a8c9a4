// Package sqlagentadmin implements operator commands that write directly to
// the catalog: onboarding callers, importing templates and adjusting billing.
package sqlagentadmin

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/sqlagent/sqlagent/internal/auth"
	"github.com/sqlagent/sqlagent/internal/catalog"
)

type Store interface {
	CreateCallerWithKey(ctx context.Context, in catalog.CreateCallerInput, key catalog.CreateAPIKeyInput) (catalog.Caller, error)
	CreateTemplate(ctx context.Context, in catalog.CreateTemplateInput) (catalog.Template, error)
	SetCallerTier(ctx context.Context, callerID int64, tier catalog.Tier) error
	GrantCredits(ctx context.Context, callerID int64, credits float64) (catalog.Caller, error)
}

type Options struct {
	Store          Store
	DefaultCredits float64
	ReadFile       func(name string) ([]byte, error)
	NewAPIKey      func() string
	Stdout         io.Writer
	Stderr         io.Writer
}

// TemplateFile is the YAML document accepted by import-template.
type TemplateFile struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	DatabaseURI string            `yaml:"database_uri"`
	Public      bool              `yaml:"public"`
	Examples    []catalog.Example `yaml:"examples"`
}

func Run(ctx context.Context, args []string, opts Options) int {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	if opts.ReadFile == nil {
		opts.ReadFile = os.ReadFile
	}
	if opts.NewAPIKey == nil {
		opts.NewAPIKey = NewAPIKey
	}

	if len(args) < 1 {
		writeUsage(stderr)
		return 2
	}
	if opts.Store == nil {
		_, _ = fmt.Fprintln(stderr, "catalog store is not configured")
		return 1
	}

	var (
		out any
		err error
	)
	command, rest := strings.TrimSpace(args[0]), args[1:]
	switch command {
	case "create-caller":
		out, err = createCaller(ctx, rest, opts, stderr)
	case "import-template":
		out, err = importTemplate(ctx, rest, opts, stderr)
	case "set-tier":
		out, err = setTier(ctx, rest, opts, stderr)
	case "grant-credits":
		out, err = grantCredits(ctx, rest, opts, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
	if err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			_, _ = fmt.Fprintf(stderr, "%s: %v\n", command, usage.err)
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "%s failed: %v\n", command, err)
		return 1
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		_, _ = fmt.Fprintf(stderr, "write output: %v\n", err)
		return 1
	}
	return 0
}

// NewAPIKey mints a random API key. Only its sha256 is persisted.
func NewAPIKey() string {
	return "sqa_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

func createCaller(ctx context.Context, args []string, opts Options, stderr io.Writer) (any, error) {
	fs := newFlagSet("create-caller", stderr)
	email := fs.String("email", "", "caller email (required)")
	tierRaw := fs.String("tier", string(catalog.TierFree), "subscription tier: free|paid")
	credits := fs.Float64("credits", opts.DefaultCredits, "initial credit balance")
	if err := fs.Parse(args); err != nil {
		return nil, usageError{err}
	}
	if strings.TrimSpace(*email) == "" {
		return nil, usageError{fmt.Errorf("-email is required")}
	}
	tier, err := catalog.ParseTier(*tierRaw)
	if err != nil {
		return nil, usageError{err}
	}
	if *credits < 0 {
		return nil, usageError{fmt.Errorf("-credits must not be negative")}
	}

	apiKey := opts.NewAPIKey()
	caller, err := opts.Store.CreateCallerWithKey(ctx,
		catalog.CreateCallerInput{Email: strings.TrimSpace(*email), Tier: tier, Credits: *credits},
		catalog.CreateAPIKeyInput{KeyID: uuid.NewString(), KeyHash: auth.HashAPIKey(apiKey)},
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"caller_id":         caller.CallerID,
		"email":             caller.Email,
		"tier":              caller.Tier,
		"credits_remaining": caller.CreditsRemaining,
		"api_key":           apiKey,
	}, nil
}

func importTemplate(ctx context.Context, args []string, opts Options, stderr io.Writer) (any, error) {
	fs := newFlagSet("import-template", stderr)
	owner := fs.Int64("owner", 0, "owning caller id; 0 imports a system template")
	file := fs.String("file", "", "template YAML file (required)")
	if err := fs.Parse(args); err != nil {
		return nil, usageError{err}
	}
	if strings.TrimSpace(*file) == "" {
		return nil, usageError{fmt.Errorf("-file is required")}
	}
	if *owner < 0 {
		return nil, usageError{fmt.Errorf("-owner must not be negative")}
	}

	raw, err := opts.ReadFile(*file)
	if err != nil {
		return nil, fmt.Errorf("read template file: %w", err)
	}
	var doc TemplateFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse template file: %w", err)
	}

	in := catalog.CreateTemplateInput{
		Name:        strings.TrimSpace(doc.Name),
		Description: strings.TrimSpace(doc.Description),
		DatabaseURI: strings.TrimSpace(doc.DatabaseURI),
		Examples:    doc.Examples,
		IsPublic:    doc.Public,
	}
	if *owner > 0 {
		ownerID := *owner
		in.OwnerID = &ownerID
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	tmpl, err := opts.Store.CreateTemplate(ctx, in)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"template_id": tmpl.TemplateID,
		"name":        tmpl.Name,
		"public":      tmpl.IsPublic,
		"examples":    len(tmpl.Examples),
	}, nil
}

func setTier(ctx context.Context, args []string, opts Options, stderr io.Writer) (any, error) {
	fs := newFlagSet("set-tier", stderr)
	callerID := fs.Int64("caller", 0, "caller id (required)")
	tierRaw := fs.String("tier", "", "subscription tier: free|paid (required)")
	if err := fs.Parse(args); err != nil {
		return nil, usageError{err}
	}
	if *callerID <= 0 {
		return nil, usageError{fmt.Errorf("-caller must be a positive id")}
	}
	tier, err := catalog.ParseTier(*tierRaw)
	if err != nil {
		return nil, usageError{err}
	}
	if err := opts.Store.SetCallerTier(ctx, *callerID, tier); err != nil {
		return nil, err
	}
	return map[string]any{"caller_id": *callerID, "tier": tier}, nil
}

func grantCredits(ctx context.Context, args []string, opts Options, stderr io.Writer) (any, error) {
	fs := newFlagSet("grant-credits", stderr)
	callerID := fs.Int64("caller", 0, "caller id (required)")
	credits := fs.Float64("credits", 0, "credits to add (required, positive)")
	if err := fs.Parse(args); err != nil {
		return nil, usageError{err}
	}
	if *callerID <= 0 {
		return nil, usageError{fmt.Errorf("-caller must be a positive id")}
	}
	if *credits <= 0 {
		return nil, usageError{fmt.Errorf("-credits must be positive")}
	}
	caller, err := opts.Store.GrantCredits(ctx, *callerID, *credits)
	if err != nil {
		return nil, err
	}
	return map[string]any{"caller_id": caller.CallerID, "credits_remaining": caller.CreditsRemaining}, nil
}

type usageError struct {
	err error
}

func (e usageError) Error() string {
	return e.err.Error()
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sqlagent-admin <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  create-caller    -email E [-tier free|paid] [-credits N]")
	_, _ = fmt.Fprintln(w, "  import-template  -file t.yaml [-owner ID]")
	_, _ = fmt.Fprintln(w, "  set-tier         -caller ID -tier free|paid")
	_, _ = fmt.Fprintln(w, "  grant-credits    -caller ID -credits N")
}
