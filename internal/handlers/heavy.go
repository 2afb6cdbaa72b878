package handlers

import (
	"math"
	"time"

	"github.com/p01/dispatchd/internal/envelope"
	"github.com/p01/dispatchd/internal/registry"
)

// Heavy returns the long-running, non-deterministic command family: sleep,
// spin. Both are excluded from the job registry's crash-resume set because
// replaying them after a crash would not reproduce whatever real-world
// condition they were standing in for.
func Heavy() []*registry.Handler {
	return []*registry.Handler{
		sleepHandler(),
		spinHandler(),
	}
}

func sleepHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "sleep",
		Nature:        registry.NatureHeavy,
		Deterministic: false,
		Params: []registry.ParamSpec{
			{Name: "seconds", Required: true, Parse: registry.BoundInt("gte=0")},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			sec := params["seconds"].(int64)
			select {
			case <-time.After(time.Duration(sec) * time.Second):
				return map[string]any{"slept_seconds": sec}, nil
			case <-ctx.Context.Done():
				return nil, cancelled
			}
		},
	}
}

func spinHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "spin",
		Nature:        registry.NatureHeavy,
		Deterministic: false,
		Params: []registry.ParamSpec{
			{Name: "seconds", Required: true, Parse: registry.BoundInt("gte=0")},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			sec := params["seconds"].(int64)
			end := time.Now().Add(time.Duration(sec) * time.Second)
			x := 0.0
			iter := 0
			for time.Now().Before(end) {
				x += math.Sqrt(99991.0)
				if x > 1e9 {
					x = 0
				}
				iter++
				if iter&1023 == 0 {
					select {
					case <-ctx.Context.Done():
						return nil, cancelled
					default:
					}
				}
			}
			return map[string]any{"spun_seconds": sec}, nil
		},
	}
}
