package handlers

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/p01/dispatchd/internal/envelope"
	"github.com/p01/dispatchd/internal/registry"
)

// Files returns the file-management command family: createfile, deletefile.
// Every handler resolves paths against ctx.DataDir (the Handler ABI's
// sandboxed data directory) rather than a package-level constant.
func Files() []*registry.Handler {
	return []*registry.Handler{
		createFileHandler(),
		deleteFileHandler(),
	}
}

// sanitizeName permits only simple file names: no "..", "/" or "\".
func sanitizeName(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return "", false
	}
	return name, true
}

func createFileHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "createfile",
		Nature:        registry.NatureFast,
		Deterministic: true,
		Params: []registry.ParamSpec{
			{Name: "name", Required: true, Parse: fileNameParam()},
			{Name: "content", Required: false, Default: "", Parse: registry.String("")},
			{Name: "repeat", Required: false, Default: "1", Parse: registry.BoundInt("gte=1")},
			{Name: "conflict", Required: false, Default: "fail", Parse: registry.OneOf("fail", "overwrite", "autorename")},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			name := params["name"].(string)
			content := params["content"].(string)
			repeat := int(params["repeat"].(int64))
			mode := params["conflict"].(string)

			return createFile(ctx.DataDir, name, content, repeat, mode)
		},
	}
}

func fileNameParam() func(string) (any, registry.ParamKind, string) {
	return func(raw string) (any, registry.ParamKind, string) {
		name, ok := sanitizeName(raw)
		if !ok {
			return nil, registry.ParamOutOfDomain, "invalid file name"
		}
		return name, registry.Parsed, ""
	}
}

func createFile(dataDir, name, content string, repeat int, mode string) (any, *envelope.HandlerError) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, envelope.NewError(envelope.KindInternal, "cannot create data dir")
	}

	dst := filepath.Join(dataDir, name)
	start := time.Now()
	action := "created"
	renamedFrom := ""

	if _, err := os.Stat(dst); err == nil {
		switch mode {
		case "fail":
			suggested := firstAvailableName(dataDir, name)
			return nil, &envelope.HandlerError{
				Kind: envelope.KindConflict,
				Message: fmt.Sprintf(
					"file %q already exists; retry with conflict=overwrite, conflict=autorename, or suggested_name=%s",
					name, suggested),
			}
		case "autorename":
			renamedFrom = name
			name = firstAvailableName(dataDir, name)
			dst = filepath.Join(dataDir, name)
			action = "autorename"
		case "overwrite":
			action = "overwritten"
		}
	}

	f, err := os.Create(dst)
	if err != nil {
		return nil, envelope.NewError(envelope.KindInternal, "cannot create file")
	}
	defer f.Close()

	var written int64
	for i := 0; i < repeat; i++ {
		if _, err := f.WriteString(content); err != nil {
			return nil, envelope.NewError(envelope.KindInternal, "write failed")
		}
		written += int64(len(content))
		if _, err := f.WriteString("\n"); err != nil {
			return nil, envelope.NewError(envelope.KindInternal, "write failed")
		}
		written++
	}

	out := map[string]any{
		"file":       name,
		"action":     action,
		"bytes":      written,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}
	if mode != "fail" {
		out["policy"] = mode
	}
	if action == "autorename" && renamedFrom != "" {
		out["renamed_from"] = renamedFrom
	}
	return out, nil
}

// firstAvailableName finds the first unused "base(k)ext" name, appending
// an incrementing counter; an already renamed file gets a second
// parenthesised counter after its first one:
//
//	demo.txt    -> demo(1).txt, demo(2).txt, ...
//	demo(4).txt -> demo(4)(1).txt, demo(4)(2).txt, ...
func firstAvailableName(dataDir, base string) string {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for k := 1; k < 1_000_000; k++ {
		cand := fmt.Sprintf("%s(%d)%s", stem, k, ext)
		if _, err := os.Stat(filepath.Join(dataDir, cand)); os.IsNotExist(err) {
			return cand
		}
	}
	return stem + "_copy" + ext
}

func deleteFileHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "deletefile",
		Nature:        registry.NatureFast,
		Deterministic: true,
		Params: []registry.ParamSpec{
			{Name: "name", Required: true, Parse: fileNameParam()},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			name := params["name"].(string)
			path := filepath.Join(ctx.DataDir, name)
			if err := os.Remove(path); err != nil {
				if os.IsNotExist(err) {
					return nil, envelope.NewError(envelope.KindNotFound, "file does not exist")
				}
				return nil, envelope.NewError(envelope.KindInternal, "cannot delete file")
			}
			return map[string]any{"file": name, "deleted": true}, nil
		},
	}
}
