package orchestrator

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sqlagent/sqlagent/internal/catalog"
	"github.com/sqlagent/sqlagent/internal/nl2sql"
	"github.com/sqlagent/sqlagent/internal/observability"
	"github.com/sqlagent/sqlagent/internal/schema"
)

// contextCache holds one built context per template version. Concurrent misses
// for the same version share a single introspection.
type contextCache struct {
	describer Describer
	builder   nl2sql.ContextBuilder

	mu      sync.RWMutex
	entries map[int64]cachedContext
	group   singleflight.Group
}

type cachedContext struct {
	version int64
	context nl2sql.Context
}

func newContextCache(describer Describer, builder nl2sql.ContextBuilder) *contextCache {
	return &contextCache{describer: describer, builder: builder, entries: map[int64]cachedContext{}}
}

func (c *contextCache) get(ctx context.Context, tmpl catalog.Template) nl2sql.Context {
	version := tmpl.UpdatedAt.UnixNano()

	if cached, ok := c.lookup(tmpl.TemplateID, version); ok {
		observability.ObserveSchemaCache(true)
		return cached
	}
	observability.ObserveSchemaCache(false)

	key := strconv.FormatInt(tmpl.TemplateID, 10) + "@" + strconv.FormatInt(version, 10)
	// The shared call must not inherit one waiter's cancellation.
	shared := context.WithoutCancel(ctx)
	value, _, _ := c.group.Do(key, func() (any, error) {
		if cached, ok := c.lookup(tmpl.TemplateID, version); ok {
			return cached, nil
		}
		description := c.describer.Describe(shared, tmpl.DatabaseURI)
		built := c.builder.Build(description, tmpl.Examples)
		if description != schema.Unavailable {
			c.mu.Lock()
			if current, ok := c.entries[tmpl.TemplateID]; !ok || current.version <= version {
				c.entries[tmpl.TemplateID] = cachedContext{version: version, context: built}
			}
			c.mu.Unlock()
		}
		return built, nil
	})
	return value.(nl2sql.Context)
}

func (c *contextCache) lookup(templateID, version int64) (nl2sql.Context, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[templateID]
	if !ok || entry.version != version {
		return nl2sql.Context{}, false
	}
	return entry.context, true
}
