package template

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// placeholderRe matches {{key}} with optional whitespace around the key
var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// TimeLayout is the format used by the default "time" resolver
const TimeLayout = "15:04, 2 Jan 2006"

// Resolver produces a value for a placeholder the caller did not supply
type Resolver func(now time.Time, rnd *rand.Rand) string

// DefaultResolvers returns the built-in resolvers for common placeholders
func DefaultResolvers() map[string]Resolver {
	return map[string]Resolver{
		"user": func(time.Time, *rand.Rand) string { return "guest" },
		"time": func(now time.Time, _ *rand.Rand) string { return now.Format(TimeLayout) },
		"otp": func(_ time.Time, rnd *rand.Rand) string {
			return fmt.Sprintf("%06d", rnd.Intn(1000000))
		},
		"amount": func(_ time.Time, rnd *rand.Rand) string {
			return strconv.Itoa(100 + rnd.Intn(9900))
		},
	}
}

// Renderer turns a template name and variables into message text
type Renderer struct {
	store Store

	mu        sync.Mutex
	resolvers map[string]Resolver
	now       func() time.Time
	rnd       *rand.Rand
}

// NewRenderer creates a renderer with the default resolvers
func NewRenderer(store Store) *Renderer {
	return &Renderer{
		store:     store,
		resolvers: DefaultResolvers(),
		now:       time.Now,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RegisterResolver adds or replaces a default resolver. A nil fn removes it.
func (r *Renderer) RegisterResolver(key string, fn Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.resolvers, key)
		return
	}
	r.resolvers[key] = fn
}

// SetClock replaces the time source used by resolvers
func (r *Renderer) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// SetSeed makes generated defaults deterministic
func (r *Renderer) SetSeed(seed int64) {
	r.mu.Lock()
	r.rnd = rand.New(rand.NewSource(seed))
	r.mu.Unlock()
}

// Render renders the latest version of the named template
func (r *Renderer) Render(ctx context.Context, name string, vars map[string]string) (string, error) {
	tmpl, err := r.store.GetByName(ctx, name)
	if err != nil {
		return "", &RenderError{Name: name, Err: err}
	}
	if tmpl == nil {
		return "", &RenderError{Name: name, Err: ErrTemplateNotFound}
	}
	latest := tmpl.Latest()
	if latest == nil {
		return "", &RenderError{Name: name, Err: fmt.Errorf("template has no versions")}
	}
	return r.Substitute(latest.Body, vars), nil
}

// RenderText is the fail-soft form of Render and never returns an error
func (r *Renderer) RenderText(ctx context.Context, name string, vars map[string]string) string {
	text, err := r.Render(ctx, name, vars)
	if err == nil {
		return text
	}
	if errors.Is(err, ErrTemplateNotFound) {
		return name + " (template not found)"
	}
	return name + " (error)"
}

// Substitute replaces every placeholder in body. Tokens left over after
// resolution, such as ones formed by nesting, are removed.
func (r *Renderer) Substitute(body string, vars map[string]string) string {
	if !strings.Contains(body, "{{") {
		return body
	}

	r.mu.Lock()
	out := placeholderRe.ReplaceAllStringFunc(body, func(tok string) string {
		return r.resolve(placeholderRe.FindStringSubmatch(tok)[1], vars)
	})
	r.mu.Unlock()

	for placeholderRe.MatchString(out) {
		out = placeholderRe.ReplaceAllString(out, "")
	}
	return out
}

func (r *Renderer) resolve(key string, vars map[string]string) string {
	if v, ok := vars[key]; ok {
		return v
	}
	if fn, ok := r.resolvers[key]; ok {
		return fn(r.now(), r.rnd)
	}
	return ""
}

// Placeholders lists the distinct placeholder keys of body in order
func Placeholders(body string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, m := range placeholderRe.FindAllStringSubmatch(body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}
