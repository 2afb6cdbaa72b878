package handlers

import (
	"bufio"
	"compress/gzip"
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/p01/dispatchd/internal/envelope"
	"github.com/p01/dispatchd/internal/registry"
)

// IO returns the file I/O command family: wordcount, grep, hashfile,
// sortfile, compress. Every handler polls ctx.Context.Done() at a coarse
// loop boundary rather than trusting an internal timeout.
func IO() []*registry.Handler {
	return []*registry.Handler{
		wordCountHandler(),
		grepHandler(),
		hashFileHandler(),
		sortFileHandler(),
		compressHandler(),
	}
}

// checkEvery is the stride between cooperative-cancellation probes; a
// power of two keeps the bitmask test cheap.
const checkEvery = 4096

func canceled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// cleanIntLine strips a UTF-8 BOM (byte-level and as a leftover rune) and
// surrounding whitespace from one line of a sortfile input.
func cleanIntLine(b []byte) string {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		b = b[3:]
	}
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, "\xEF\xBB\xBF") {
		s = strings.TrimSpace(strings.TrimPrefix(s, "\xEF\xBB\xBF"))
	}
	return s
}

func openDataFile(dataDir, name string) (*os.File, string, *envelope.HandlerError) {
	path, ok := sanitizeName(name)
	if !ok {
		return nil, "", envelope.NewError(envelope.KindBadRequest, "invalid file name")
	}
	fp := filepath.Join(dataDir, path)
	f, err := os.Open(fp)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", envelope.NewError(envelope.KindNotFound, "file does not exist")
		}
		return nil, "", envelope.NewError(envelope.KindInternal, "open failed")
	}
	return f, path, nil
}

func wordCountHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "wordcount",
		Nature:        registry.NatureHeavy,
		Deterministic: true,
		Params: []registry.ParamSpec{
			{Name: "name", Required: true, Parse: registry.String("")},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			f, path, herr := openDataFile(ctx.DataDir, params["name"].(string))
			if herr != nil {
				return nil, herr
			}
			defer f.Close()

			var lines, words, bytesN int64
			sc := bufio.NewScanner(f)
			i := 0
			for sc.Scan() {
				if i&(checkEvery-1) == 0 && canceled(ctx.Context) {
					return nil, cancelled
				}
				i++
				lines++
				b := sc.Bytes()
				bytesN += int64(len(b) + 1)

				inWord := false
				for _, c := range b {
					if c > ' ' {
						if !inWord {
							words++
							inWord = true
						}
					} else {
						inWord = false
					}
				}
			}
			if err := sc.Err(); err != nil {
				return nil, envelope.NewError(envelope.KindInternal, "scan error")
			}
			return map[string]any{"file": path, "lines": lines, "words": words, "bytes": bytesN}, nil
		},
	}
}

func grepHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "grep",
		Nature:        registry.NatureHeavy,
		Deterministic: true,
		Params: []registry.ParamSpec{
			{Name: "name", Required: true, Parse: registry.String("")},
			{Name: "pattern", Required: true, Parse: registry.String("")},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			pattern := params["pattern"].(string)
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, envelope.NewError(envelope.KindBadRequest, "invalid regex")
			}

			f, path, herr := openDataFile(ctx.DataDir, params["name"].(string))
			if herr != nil {
				return nil, herr
			}
			defer f.Close()

			sc := bufio.NewScanner(f)
			matches := 0
			first := make([]string, 0, 10)
			i := 0
			for sc.Scan() {
				if i&(checkEvery-1) == 0 && canceled(ctx.Context) {
					return nil, cancelled
				}
				i++
				line := sc.Text()
				if re.MatchString(line) {
					matches++
					if len(first) < 10 {
						first = append(first, line)
					}
				}
			}
			if err := sc.Err(); err != nil {
				return nil, envelope.NewError(envelope.KindInternal, "scan error")
			}
			return map[string]any{"file": path, "pattern": pattern, "matches": matches, "first": first}, nil
		},
	}
}

func hashFileHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "hashfile",
		Nature:        registry.NatureHeavy,
		Deterministic: true,
		Params: []registry.ParamSpec{
			{Name: "name", Required: true, Parse: registry.String("")},
			{Name: "algo", Required: false, Default: "sha256", Parse: registry.OneOf("sha256")},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			f, path, herr := openDataFile(ctx.DataDir, params["name"].(string))
			if herr != nil {
				return nil, herr
			}
			defer f.Close()

			h := sha256.New()
			buf := make([]byte, 1<<20)
			for {
				if canceled(ctx.Context) {
					return nil, cancelled
				}
				n, rerr := f.Read(buf)
				if n > 0 {
					if _, werr := h.Write(buf[:n]); werr != nil {
						return nil, envelope.NewError(envelope.KindInternal, "hash write error")
					}
				}
				if rerr == io.EOF {
					break
				}
				if rerr != nil {
					return nil, envelope.NewError(envelope.KindInternal, "read error")
				}
			}
			return map[string]any{"file": path, "algo": "sha256", "hex": hex.EncodeToString(h.Sum(nil))}, nil
		},
	}
}

func sortFileHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "sortfile",
		Nature:        registry.NatureHeavy,
		Deterministic: true,
		Params: []registry.ParamSpec{
			{Name: "name", Required: true, Parse: registry.String("")},
			{Name: "algo", Required: false, Default: "merge", Parse: registry.OneOf("merge", "quick")},
			{Name: "chunksize", Required: false, Default: "1000000", Parse: registry.BoundInt("gte=1")},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			name, ok := sanitizeName(params["name"].(string))
			if !ok {
				return nil, envelope.NewError(envelope.KindBadRequest, "invalid file name")
			}
			algo := params["algo"].(string)
			chunkSize := int(params["chunksize"].(int64))

			inPath := filepath.Join(ctx.DataDir, name)
			outPath := inPath + ".sorted"

			info, err := os.Stat(inPath)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, envelope.NewError(envelope.KindNotFound, "file does not exist")
				}
				return nil, envelope.NewError(envelope.KindInternal, "stat failed")
			}
			bytesIn := info.Size()

			var chunks int
			if algo == "quick" {
				chunks, err = sortInMemory(ctx.Context, inPath, outPath)
			} else {
				chunks, err = externalSort(ctx.Context, ctx.DataDir, inPath, outPath, chunkSize)
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil, cancelled
				}
				return nil, envelope.NewError(envelope.KindInternal, err.Error())
			}

			var bytesOut int64
			if outInfo, _ := os.Stat(outPath); outInfo != nil {
				bytesOut = outInfo.Size()
			}
			return map[string]any{
				"file":        name,
				"algo":        algo,
				"sorted_file": filepath.Base(outPath),
				"chunks":      chunks,
				"bytes_in":    bytesIn,
				"bytes_out":   bytesOut,
			}, nil
		},
	}
}

// sortInMemory loads every integer into RAM, sorts, and writes the
// result — fast when the file fits in memory.
func sortInMemory(ctx context.Context, inPath, outPath string) (int, error) {
	f, err := os.Open(inPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var nums []int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)

	i := 0
	for sc.Scan() {
		if i&(checkEvery-1) == 0 && canceled(ctx) {
			return 0, context.Canceled
		}
		i++
		s := cleanIntLine(sc.Bytes())
		if s == "" {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse int: %w", err)
		}
		nums = append(nums, n)
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}

	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	out, err := os.Create(outPath)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	bw := bufio.NewWriterSize(out, 1<<20)
	for _, v := range nums {
		if canceled(ctx) {
			return 0, context.Canceled
		}
		if _, err := bw.WriteString(strconv.FormatInt(v, 10) + "\n"); err != nil {
			return 0, err
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return 1, nil
}

// externalSort splits the input into sorted chunks of chunkLines integers
// each, spilled to temp files under dataDir, then k-way merges them —
// the path for files too large to comfortably sort in memory.
func externalSort(ctx context.Context, dataDir, inPath, outPath string, chunkLines int) (int, error) {
	in, err := os.Open(inPath)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	var chunkFiles []string
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 4<<20), 4<<20)

	nums := make([]int64, 0, chunkLines)

	writeChunk := func() (string, error) {
		if len(nums) == 0 {
			return "", nil
		}
		sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

		tmp, err := os.CreateTemp(dataDir, "sortchunk-*")
		if err != nil {
			return "", err
		}
		bw := bufio.NewWriterSize(tmp, 1<<20)
		for _, v := range nums {
			if canceled(ctx) {
				tmp.Close()
				return "", context.Canceled
			}
			if _, err := bw.WriteString(strconv.FormatInt(v, 10) + "\n"); err != nil {
				tmp.Close()
				return "", err
			}
		}
		if err := bw.Flush(); err != nil {
			tmp.Close()
			return "", err
		}
		tmp.Close()
		name := tmp.Name()
		chunkFiles = append(chunkFiles, name)
		nums = nums[:0]
		return name, nil
	}

	i := 0
	for sc.Scan() {
		if i&(checkEvery-1) == 0 && canceled(ctx) {
			return 0, context.Canceled
		}
		i++
		s := cleanIntLine(sc.Bytes())
		if s == "" {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse int: %w", err)
		}
		nums = append(nums, n)
		if len(nums) >= chunkLines {
			if _, err := writeChunk(); err != nil {
				return 0, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if _, err := writeChunk(); err != nil {
		return 0, err
	}

	if len(chunkFiles) == 1 {
		return 1, os.Rename(chunkFiles[0], outPath)
	}

	err = kWayMerge(ctx, chunkFiles, outPath)
	for _, p := range chunkFiles {
		_ = os.Remove(p)
	}
	if err != nil {
		return len(chunkFiles), err
	}
	return len(chunkFiles), nil
}

type chunkReader struct {
	f   *os.File
	sc  *bufio.Scanner
	val int64
	eof bool
}

type minItem struct {
	val int64
	idx int
}

type minHeap []minItem

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].val < h[j].val }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(minItem)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// kWayMerge merges len(parts) pre-sorted chunk files into outPath using a
// min-heap keyed on each chunk's current head value.
func kWayMerge(ctx context.Context, parts []string, outPath string) error {
	if len(parts) == 0 {
		return errors.New("no chunks")
	}
	readers := make([]*chunkReader, len(parts))
	h := &minHeap{}
	heap.Init(h)

	for i, p := range parts {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
		cr := &chunkReader{f: f, sc: sc}
		if cr.sc.Scan() {
			s := cleanIntLine(cr.sc.Bytes())
			for s == "" && cr.sc.Scan() {
				s = cleanIntLine(cr.sc.Bytes())
			}
			if s != "" {
				v, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					f.Close()
					return err
				}
				cr.val = v
			} else {
				cr.eof = true
			}
		} else if err := cr.sc.Err(); err != nil {
			f.Close()
			return err
		} else {
			cr.eof = true
		}
		readers[i] = cr
		if !cr.eof {
			heap.Push(h, minItem{val: cr.val, idx: i})
		}
	}

	out, err := os.Create(outPath)
	if err != nil {
		for _, r := range readers {
			_ = r.f.Close()
		}
		return err
	}
	defer out.Close()
	bw := bufio.NewWriterSize(out, 1<<20)

	step := 0
	for h.Len() > 0 {
		if step&(checkEvery-1) == 0 && canceled(ctx) {
			return context.Canceled
		}
		step++

		it := heap.Pop(h).(minItem)
		idx := it.idx
		if _, err := bw.WriteString(strconv.FormatInt(it.val, 10) + "\n"); err != nil {
			return err
		}
		r := readers[idx]
		if r.sc.Scan() {
			s := cleanIntLine(r.sc.Bytes())
			for s == "" && r.sc.Scan() {
				s = cleanIntLine(r.sc.Bytes())
			}
			if s != "" {
				v, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return err
				}
				r.val = v
				heap.Push(h, minItem{val: r.val, idx: idx})
			}
		} else if err := r.sc.Err(); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	for _, r := range readers {
		_ = r.f.Close()
	}
	return nil
}

// compressHandler implements gzip only. An xz codec would mean shelling
// out to an external binary, which handlers must not do.
func compressHandler() *registry.Handler {
	return &registry.Handler{
		Name:          "compress",
		Nature:        registry.NatureHeavy,
		Deterministic: true,
		Params: []registry.ParamSpec{
			{Name: "name", Required: true, Parse: registry.String("")},
			{Name: "codec", Required: false, Default: "gzip", Parse: registry.OneOf("gzip")},
		},
		Exec: func(ctx registry.Ctx, params map[string]any) (any, *envelope.HandlerError) {
			name, ok := sanitizeName(params["name"].(string))
			if !ok {
				return nil, envelope.NewError(envelope.KindBadRequest, "invalid file name")
			}

			inPath := filepath.Join(ctx.DataDir, name)
			info, err := os.Stat(inPath)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, envelope.NewError(envelope.KindNotFound, "file does not exist")
				}
				return nil, envelope.NewError(envelope.KindInternal, "stat failed")
			}
			bytesIn := info.Size()

			outPath := inPath + ".gz"
			in, err := os.Open(inPath)
			if err != nil {
				return nil, envelope.NewError(envelope.KindInternal, "open failed")
			}
			defer in.Close()

			fOut, err := os.Create(outPath)
			if err != nil {
				return nil, envelope.NewError(envelope.KindInternal, "create failed")
			}
			defer fOut.Close()

			zw, err := gzip.NewWriterLevel(fOut, gzip.BestSpeed)
			if err != nil {
				return nil, envelope.NewError(envelope.KindInternal, err.Error())
			}

			buf := make([]byte, 1<<20)
			for {
				if canceled(ctx.Context) {
					_ = zw.Close()
					return nil, cancelled
				}
				n, rerr := in.Read(buf)
				if n > 0 {
					if _, werr := zw.Write(buf[:n]); werr != nil {
						_ = zw.Close()
						return nil, envelope.NewError(envelope.KindInternal, werr.Error())
					}
				}
				if rerr == io.EOF {
					break
				}
				if rerr != nil {
					_ = zw.Close()
					return nil, envelope.NewError(envelope.KindInternal, rerr.Error())
				}
			}
			if err := zw.Close(); err != nil {
				return nil, envelope.NewError(envelope.KindInternal, err.Error())
			}

			var bytesOut int64
			if outInfo, _ := os.Stat(outPath); outInfo != nil {
				bytesOut = outInfo.Size()
			}
			return map[string]any{
				"file":      name,
				"codec":     "gzip",
				"output":    filepath.Base(outPath),
				"bytes_in":  bytesIn,
				"bytes_out": bytesOut,
			}, nil
		},
	}
}
