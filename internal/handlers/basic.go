package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/p01/dispatchd/internal/envelope"
	"github.com/p01/dispatchd/internal/registry"
)

// Basic returns the fast, deterministic text/numeric command family:
// timestamp, reverse, toupper, hash, random, fibonacci. None of these
// touch the filesystem or run long enough to need a dedicated worker
// nature beyond registry.NatureFast.
func Basic() []*registry.Handler {
	return []*registry.Handler{
		timestampHandler(),
		reverseHandler(),
		toUpperHandler(),
		hashHandler(),
		randomHandler(),
		fibonacciHandler(),
	}
}

func timestampHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "timestamp",
		Nature:        registry.NatureFast,
		Deterministic: true,
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			now := time.Now().UTC()
			return map[string]any{
				"unix": now.Unix(),
				"utc":  now.Format(time.RFC3339),
			}, nil
		},
	}
}

func reverseHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "reverse",
		Nature:        registry.NatureFast,
		Deterministic: true,
		Params: []registry.ParamSpec{
			{Name: "text", Required: true, Parse: registry.String("")},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			return map[string]any{"text": reverseRunes(params["text"].(string))}, nil
		},
	}
}

func reverseRunes(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func toUpperHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "toupper",
		Nature:        registry.NatureFast,
		Deterministic: true,
		Params: []registry.ParamSpec{
			{Name: "text", Required: true, Parse: registry.String("")},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			return map[string]any{"text": strings.ToUpper(params["text"].(string))}, nil
		},
	}
}

func hashHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "hash",
		Nature:        registry.NatureFast,
		Deterministic: true,
		Params: []registry.ParamSpec{
			{Name: "text", Required: true, Parse: registry.String("")},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			sum := sha256.Sum256([]byte(params["text"].(string)))
			return map[string]any{"algo": "sha256", "hex": hex.EncodeToString(sum[:])}, nil
		},
	}
}

func randomHandler() *registry.Handler {
	return &registry.Handler{
		Name:   "random",
		Nature: registry.NatureFast,
		// random draws from the process RNG: replaying it after a crash
		// would not reproduce the original values, so it is excluded from
		// the job registry's deterministic-resume set.
		Deterministic: false,
		Params: []registry.ParamSpec{
			{Name: "count", Required: true, Parse: registry.BoundInt("gte=1")},
			{Name: "min", Required: true, Parse: registry.BoundInt("")},
			{Name: "max", Required: true, Parse: registry.BoundInt("")},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			count := params["count"].(int64)
			min := params["min"].(int64)
			max := params["max"].(int64)
			if min > max {
				return nil, envelope.NewError(envelope.KindBadRequest, "min must be <= max")
			}
			span := max - min + 1
			values := make([]int64, count)
			for i := range values {
				values[i] = rand.Int63n(span) + min
			}
			return map[string]any{"values": values}, nil
		},
	}
}

func fibonacciHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "fibonacci",
		Nature:        registry.NatureFast,
		Deterministic: true,
		Params: []registry.ParamSpec{
			{Name: "num", Required: true, Parse: registry.BoundInt("gte=0")},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			return map[string]any{"text": fibonacciText(params["num"].(int64))}, nil
		},
	}
}

// fibonacciText computes the n-th Fibonacci number iteratively in O(n)
// time and O(1) space.
func fibonacciText(n int64) string {
	if n == 0 {
		return "0"
	}
	if n == 1 {
		return "1"
	}
	var a, b int64 = 0, 1
	for i := int64(2); i <= n; i++ {
		a, b = b, a+b
	}
	return fmt.Sprintf("%d", b)
}
