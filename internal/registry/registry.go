// Package registry is the static mapping from command name to executor:
// command metadata, declared param specs, and the
// resolve/parse entry points the dispatcher and job registry both use.
package registry

import (
	"context"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/p01/dispatchd/internal/envelope"
)

// Nature classifies a handler's expected latency profile.
type Nature string

const (
	NatureFast  Nature = "fast"
	NatureHeavy Nature = "heavy"
)

// Ctx is the Handler ABI's execution context: a deadline and
// cooperative cancel token (both carried by ctx.Context, idiomatically —
// ctx.Done()/ctx.Err() is the CancelToken), the data directory file
// handlers are sandboxed to, and the request id for correlation.
type Ctx struct {
	Context   context.Context
	DataDir   string
	RequestID string
}

// Exec is a handler's pure executor: validated params in, a JSON-able
// result or a HandlerError out. Handlers must not spawn
// threads and must not hold the admission slot longer than necessary.
type Exec func(ctx Ctx, params map[string]any) (any, *envelope.HandlerError)

// ParamKind distinguishes why parsing a parameter failed.
type ParamKind int

const (
	ParamMissing ParamKind = iota
	ParamMalformed
	ParamOutOfDomain
)

// ParamSpec declares one parameter: how to parse and validate it, and what
// to use when it is optional and absent.
type ParamSpec struct {
	Name     string
	Required bool
	Default  string
	// Parse converts the raw string into a domain value, or reports a
	// ParamKind/message on failure.
	Parse func(raw string) (any, ParamKind, string)
}

// Handler is one entry in the registry: a command name, its declared
// nature/determinism, its parameter specs, and its executor.
type Handler struct {
	Name          string
	Nature        Nature
	Deterministic bool
	Params        []ParamSpec
	Exec          Exec
}

// Registry is the static command-name -> Handler table.
type Registry struct {
	handlers map[string]*Handler
	order    []string // registration order, for /help
}

func New() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Register adds h to the registry. Panics on duplicate names — this only
// happens at startup wiring, and a duplicate command name is a programming
// error, not a runtime condition to recover from.
func (r *Registry) Register(h *Handler) {
	if _, exists := r.handlers[h.Name]; exists {
		panic("registry: duplicate command " + h.Name)
	}
	r.handlers[h.Name] = h
	r.order = append(r.order, h.Name)
}

// Resolve maps a command name (the path with its leading "/" trimmed) to
// its Handler.
func (r *Registry) Resolve(name string) (*Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// All returns every registered handler in registration order (for /help).
func (r *Registry) All() []*Handler {
	out := make([]*Handler, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.handlers[name])
	}
	return out
}

// ParamError reports which parameter failed to parse and why.
type ParamError struct {
	Param string
	Kind  ParamKind
}

func (e *ParamError) ToHandlerError() *envelope.HandlerError {
	var msg string
	switch e.Kind {
	case ParamMissing:
		msg = e.Param + " is required"
	case ParamMalformed:
		msg = e.Param + " is malformed"
	case ParamOutOfDomain:
		msg = e.Param + " is out of domain"
	}
	return envelope.NewError(envelope.KindBadRequest, msg)
}

// Parse validates query against h's declared ParamSpecs, applying defaults
// for absent optional params, and returns a map of parsed domain values
// keyed by param name.
func (h *Handler) Parse(query map[string]string) (map[string]any, *ParamError) {
	out := make(map[string]any, len(h.Params))
	for _, spec := range h.Params {
		raw, present := query[spec.Name]
		if !present {
			if spec.Required {
				return nil, &ParamError{Param: spec.Name, Kind: ParamMissing}
			}
			raw = spec.Default
		}
		if spec.Parse == nil {
			out[spec.Name] = raw
			continue
		}
		val, kind, _ := spec.Parse(raw)
		if kind != ok {
			return nil, &ParamError{Param: spec.Name, Kind: kind}
		}
		out[spec.Name] = val
	}
	return out, nil
}

// validate is a single shared validator.Validate instance; the ParamSpec
// constructors below express numeric bounds as validator tags instead of
// hand-rolled comparisons.
var validate = validator.New()

// ok is the sentinel ParamKind meaning "parsed successfully" returned
// inline by the Bound* helpers below; Parse treats any other ParamKind as
// failure.
const ok ParamKind = -1

// Parsed is ok's exported name, for Parse funcs declared outside this
// package (e.g. handlers with parsing rules the Bound* helpers don't
// cover).
const Parsed = ok

// BoundInt builds a ParamSpec.Parse for an integer parameter constrained by
// a go-playground/validator tag (e.g. "gte=0", "gte=0,lte=90").
func BoundInt(rule string) func(string) (any, ParamKind, string) {
	return func(raw string) (any, ParamKind, string) {
		var n int64
		if _, err := parseInt(raw, &n); err != nil {
			return nil, ParamMalformed, err.Error()
		}
		if err := validate.Var(n, rule); err != nil {
			return nil, ParamOutOfDomain, err.Error()
		}
		return n, ok, ""
	}
}

// String builds a ParamSpec.Parse that accepts a string constrained by an
// optional validator tag (pass "" to accept anything, the empty string
// included).
func String(rule string) func(string) (any, ParamKind, string) {
	return func(raw string) (any, ParamKind, string) {
		if rule != "" {
			if err := validate.Var(raw, rule); err != nil {
				return nil, ParamOutOfDomain, err.Error()
			}
		}
		return raw, ok, ""
	}
}

// OneOf builds a ParamSpec.Parse that only accepts one of the given values.
func OneOf(values ...string) func(string) (any, ParamKind, string) {
	return func(raw string) (any, ParamKind, string) {
		for _, v := range values {
			if raw == v {
				return raw, ok, ""
			}
		}
		return nil, ParamOutOfDomain, "must be one of " + joinStrings(values, "|")
	}
}

func joinStrings(ss []string, sep string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += sep
		}
		out += s
	}
	return out
}

func parseInt(raw string, out *int64) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	*out = n
	return n, nil
}
