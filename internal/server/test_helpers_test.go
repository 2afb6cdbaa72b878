package server

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/p01/dispatchd/internal/config"
	"github.com/p01/dispatchd/internal/dispatch"
	"github.com/p01/dispatchd/internal/envelope"
	"github.com/p01/dispatchd/internal/jobs"
	"github.com/p01/dispatchd/internal/logging"
	"github.com/p01/dispatchd/internal/metrics"
	"github.com/p01/dispatchd/internal/registry"
	"go.opentelemetry.io/otel/trace"
)

// newTestServer wires a Server with an in-memory registry, dispatcher and
// job registry against instance state rather than package globals, so
// parallel tests never share a connCount or job table.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	dataDir := t.TempDir()

	reg := registry.New()
	reg.Register(&registry.Handler{
		Name:          "reverse",
		Nature:        registry.NatureFast,
		Deterministic: true,
		Params:        []registry.ParamSpec{{Name: "text", Required: true, Parse: registry.String("")}},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			s := params["text"].(string)
			b := []byte(s)
			for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
				b[i], b[j] = b[j], b[i]
			}
			return string(b), nil
		},
	})
	reg.Register(&registry.Handler{
		Name:          "sleep",
		Nature:        registry.NatureHeavy,
		Deterministic: false,
		Params:        []registry.ParamSpec{{Name: "ms", Required: true, Parse: registry.BoundInt("gte=0")}},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			d := time.Duration(params["ms"].(int64)) * time.Millisecond
			select {
			case <-time.After(d):
				return map[string]any{"slept_ms": params["ms"]}, nil
			case <-ctx.Context.Done():
				return nil, envelope.NewError(envelope.KindTimeout, "cancelled")
			}
		},
	})

	reverseHandler, _ := reg.Resolve("reverse")
	sleepHandler, _ := reg.Resolve("sleep")

	sink := metrics.NewSink()
	dm := dispatch.NewManager()
	dm.Register("reverse", dispatch.NewPool(dispatch.PoolConfig{
		Command: reverseHandler, Workers: 2, MaxInFlight: 4, DataDir: dataDir, Metrics: sink,
	}))
	dm.Register("sleep", dispatch.NewPool(dispatch.PoolConfig{
		Command: sleepHandler, Workers: 1, MaxInFlight: 1, DataDir: dataDir, Metrics: sink,
	}))
	t.Cleanup(dm.Close)

	journal := jobs.NewJournal(dataDir)
	jm := jobs.NewManager(reg, dm, journal, 2*time.Second, logging.New(false))
	if err := jm.Load(); err != nil {
		t.Fatalf("jobs.Load: %v", err)
	}

	cfg := config.Config{
		BindAddr:      "127.0.0.1:0",
		WorkersPerCmd: 2,
		MaxInFlight:   4,
		RetryAfterMS:  50,
		TaskTimeoutMS: 2000,
		DataDir:       dataDir,
	}
	tracer := trace.NewNoopTracerProvider().Tracer("test")
	return New(reg, dm, jm, sink, tracer, logging.New(false), cfg)
}

// hit drives one request through HandleConn over a net.Pipe — no real
// socket — and returns the raw response bytes.
func hit(t *testing.T, s *Server, req string) []byte {
	t.Helper()
	if !strings.HasSuffix(req, "\r\n\r\n") {
		req += "\r\n\r\n"
	}

	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })

	done := make(chan struct{})
	go func() {
		_ = c1.SetDeadline(time.Now().Add(5 * time.Second))
		s.HandleConn(c1)
		close(done)
	}()

	if _, err := io.WriteString(c2, req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, c2); err != nil && !errorsIsClosed(err) {
		t.Fatalf("read response: %v", err)
	}
	<-done
	return buf.Bytes()
}

func errorsIsClosed(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") || strings.Contains(s, "closed pipe")
}

func bodyOf(r []byte) string {
	i := bytes.Index(r, []byte("\r\n\r\n"))
	if i < 0 {
		return ""
	}
	return string(r[i+4:])
}

func headerOf(r []byte, name string) string {
	br := bufio.NewReader(bytes.NewReader(r))
	br.ReadString('\n') // status line
	prefix := strings.ToLower(name) + ":"
	for {
		line, err := br.ReadString('\n')
		if err != nil || line == "\r\n" {
			return ""
		}
		if strings.HasPrefix(strings.ToLower(line), prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
}

func codeOf(r []byte) int {
	br := bufio.NewReader(bytes.NewReader(r))
	line, _ := br.ReadString('\n')
	parts := strings.Fields(line)
	if len(parts) >= 2 {
		return parseInt(parts[1])
	}
	return 0
}

func parseInt(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func must200(t *testing.T, name string, r []byte) {
	t.Helper()
	if codeOf(r) != 200 {
		t.Fatalf("%s: want HTTP/1.0 200, got: %s", name, string(r))
	}
}
