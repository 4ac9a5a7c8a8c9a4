package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/sqlagent/sqlagent/internal/catalog"
)

// Identity is the authenticated caller attached to a request.
type Identity struct {
	CallerID int64
	Tier     catalog.Tier
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// HashAPIKey is the one-way form under which keys are stored.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses "key:caller_id:tier" entries separated by commas.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:caller_id:tier", entry)
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key", entry)
		}
		callerID, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || callerID <= 0 {
			return nil, fmt.Errorf("invalid static key entry %q: caller id must be a positive integer", entry)
		}
		tier, err := catalog.ParseTier(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid static key entry %q: %w", entry, err)
		}
		validator.keys[key] = Identity{CallerID: callerID, Tier: tier}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}

// KeyResolver looks up the caller owning a hashed API key.
type KeyResolver interface {
	ResolveAPIKey(ctx context.Context, keyHash string) (catalog.Caller, error)
}

// CatalogValidator checks keys against the hashes stored in the catalog.
type CatalogValidator struct {
	resolver KeyResolver
	logger   *slog.Logger
}

func NewCatalogValidator(resolver KeyResolver, logger *slog.Logger) *CatalogValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogValidator{resolver: resolver, logger: logger}
}

func (v *CatalogValidator) Validate(ctx context.Context, apiKey string) (Identity, bool) {
	caller, err := v.resolver.ResolveAPIKey(ctx, HashAPIKey(apiKey))
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			v.logger.ErrorContext(ctx, "api key lookup failed", slog.Any("error", err))
		}
		return Identity{}, false
	}
	return Identity{CallerID: caller.CallerID, Tier: caller.Tier}, true
}

// ChainValidator accepts a key if any of its validators does, in order.
type ChainValidator []APIKeyValidator

func (c ChainValidator) Validate(ctx context.Context, apiKey string) (Identity, bool) {
	for _, validator := range c {
		if validator == nil {
			continue
		}
		if identity, ok := validator.Validate(ctx, apiKey); ok {
			return identity, true
		}
	}
	return Identity{}, false
}
