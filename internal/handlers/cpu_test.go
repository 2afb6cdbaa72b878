package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/p01/dispatchd/internal/envelope"
	"github.com/p01/dispatchd/internal/registry"
)

func TestIsPrimeHandlerDivision(t *testing.T) {
	cases := []struct {
		n    string
		want bool
	}{
		{"0", false}, {"1", false}, {"2", true}, {"3", true},
		{"4", false}, {"17", true}, {"97", true}, {"100", false},
	}
	h := findHandler(t, CPU(), "isprime")
	for _, c := range cases {
		out := mustExec(t, h, map[string]string{"n": c.n, "method": "division"}).(map[string]any)
		if out["is_prime"] != c.want {
			t.Errorf("isprime(%s, division) = %v, want %v", c.n, out["is_prime"], c.want)
		}
	}
}

func TestIsPrimeHandlerMillerRabin(t *testing.T) {
	cases := []struct {
		n    string
		want bool
	}{
		{"2", true}, {"97", true}, {"561", false}, {"104729", true},
	}
	h := findHandler(t, CPU(), "isprime")
	for _, c := range cases {
		out := mustExec(t, h, map[string]string{"n": c.n, "method": "miller-rabin"}).(map[string]any)
		if out["is_prime"] != c.want {
			t.Errorf("isprime(%s, miller-rabin) = %v, want %v", c.n, out["is_prime"], c.want)
		}
	}
}

func TestFactorHandler(t *testing.T) {
	h := findHandler(t, CPU(), "factor")
	out := mustExec(t, h, map[string]string{"n": "360"}).(map[string]any)
	facts := out["factors"].([][2]int64)
	want := [][2]int64{{2, 3}, {3, 2}, {5, 1}}
	if len(facts) != len(want) {
		t.Fatalf("factor(360) = %v", facts)
	}
	for i := range want {
		if facts[i] != want[i] {
			t.Errorf("factor(360)[%d] = %v, want %v", i, facts[i], want[i])
		}
	}
}

func TestFactorHandlerPrime(t *testing.T) {
	h := findHandler(t, CPU(), "factor")
	out := mustExec(t, h, map[string]string{"n": "97"}).(map[string]any)
	facts := out["factors"].([][2]int64)
	if len(facts) != 1 || facts[0] != ([2]int64{97, 1}) {
		t.Fatalf("factor(97) = %v", facts)
	}
}

func TestPiHandlerSpigotMatchesKnownPrefix(t *testing.T) {
	h := findHandler(t, CPU(), "pi")
	out := mustExec(t, h, map[string]string{"digits": "20", "algo": "spigot"}).(map[string]any)
	const want = "3.14159265358979323846"
	if out["pi"] != want {
		t.Fatalf("pi(spigot,20) = %v, want %v", out["pi"], want)
	}
}

func TestPiHandlerChudnovskyMatchesKnownPrefix(t *testing.T) {
	h := findHandler(t, CPU(), "pi")
	out := mustExec(t, h, map[string]string{"digits": "20", "algo": "chudnovsky"}).(map[string]any)
	pi := out["pi"].(string)
	const want = "3.14159265358979323846"
	if len(pi) < len(want) || pi[:len(want)] != want {
		t.Fatalf("pi(chudnovsky,20) = %v, want prefix %v", pi, want)
	}
}

func TestPiHandlerAcceptsMaxDigits(t *testing.T) {
	h := findHandler(t, CPU(), "pi")
	params, perr := h.Parse(map[string]string{"digits": "10000", "algo": "spigot"})
	if perr != nil {
		t.Fatalf("parse failed: %+v", perr)
	}
	out, herr := h.Exec(registry.Ctx{Context: context.Background()}, params)
	if herr != nil {
		t.Fatalf("exec failed: %+v", herr)
	}
	if out.(map[string]any)["digits"] != 10000 {
		t.Fatalf("digits = %v", out.(map[string]any)["digits"])
	}
}

func TestMandelbrotHandlerShape(t *testing.T) {
	h := findHandler(t, CPU(), "mandelbrot")
	out := mustExec(t, h, map[string]string{"width": "8", "height": "6", "max_iter": "20"}).(map[string]any)
	img := out["map"].([][]int)
	if len(img) != 6 {
		t.Fatalf("got %d rows, want 6", len(img))
	}
	for _, row := range img {
		if len(row) != 8 {
			t.Fatalf("got %d cols, want 8", len(row))
		}
	}
}

func TestMatrixMulHandlerDeterministicForSameSeed(t *testing.T) {
	h := findHandler(t, CPU(), "matrixmul")
	out1 := mustExec(t, h, map[string]string{"size": "16", "seed": "42"}).(map[string]any)
	out2 := mustExec(t, h, map[string]string{"size": "16", "seed": "42"}).(map[string]any)
	if out1["result_sha256"] != out2["result_sha256"] {
		t.Fatalf("same seed produced different hashes: %v vs %v", out1["result_sha256"], out2["result_sha256"])
	}
}

func TestMatrixMulHandlerDifferentSeedsDiffer(t *testing.T) {
	h := findHandler(t, CPU(), "matrixmul")
	out1 := mustExec(t, h, map[string]string{"size": "16", "seed": "1"}).(map[string]any)
	out2 := mustExec(t, h, map[string]string{"size": "16", "seed": "2"}).(map[string]any)
	if out1["result_sha256"] == out2["result_sha256"] {
		t.Fatalf("different seeds produced identical hashes")
	}
}

func TestIsPrimeHandlerHonorsCancellation(t *testing.T) {
	h := findHandler(t, CPU(), "isprime")
	params, perr := h.Parse(map[string]string{"n": "9223372036854775783", "method": "division"})
	if perr != nil {
		t.Fatalf("parse failed: %+v", perr)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, herr := h.Exec(registry.Ctx{Context: ctx}, params)
	if herr == nil || herr.Kind != envelope.KindTimeout {
		t.Fatalf("expected a cancelled/timeout result, got %+v", herr)
	}
}

func TestMandelbrotHandlerHonorsCancellation(t *testing.T) {
	h := findHandler(t, CPU(), "mandelbrot")
	params, perr := h.Parse(map[string]string{"width": "512", "height": "512", "max_iter": "2000"})
	if perr != nil {
		t.Fatalf("parse failed: %+v", perr)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, herr := h.Exec(registry.Ctx{Context: ctx}, params)
	if herr == nil || herr.Kind != envelope.KindTimeout {
		t.Fatalf("expected a cancelled/timeout result, got %+v", herr)
	}
}

func TestCPUHandlersAreDeterministic(t *testing.T) {
	for _, h := range CPU() {
		if !h.Deterministic {
			t.Errorf("%s: expected deterministic=true", h.Name)
		}
	}
}

func TestCPUHandlersRespectTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	h := findHandler(t, CPU(), "factor")
	params, perr := h.Parse(map[string]string{"n": "999999999999999989"})
	if perr != nil {
		t.Fatalf("parse failed: %+v", perr)
	}
	time.Sleep(10 * time.Millisecond)
	_, herr := h.Exec(registry.Ctx{Context: ctx}, params)
	if herr == nil || herr.Kind != envelope.KindTimeout {
		t.Fatalf("expected timeout, got %+v", herr)
	}
}
