// Package upload implements the GraphQL multipart request convention: file
// parts are spliced into null placeholder slots of the operations document.
package upload

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	request "github.com/soketto/graphserve/internal/request"
)

// DefaultMemoryLimit bounds how much of a multipart body is held in memory
// before spilling to disk.
const DefaultMemoryLimit = 10 << 20

// File is an opaque handle to one uploaded file. The core never buffers,
// sniffs or transcodes the content; it flows to the engine as-is.
type File struct {
	Reader      io.Reader
	Filename    string
	Size        int64
	ContentType string
}

// SpecError reports a violation of the multipart request convention.
type SpecError struct {
	Message string
}

func (e *SpecError) Error() string { return e.Message }

func specErrorf(format string, args ...any) *SpecError {
	return &SpecError{Message: fmt.Sprintf(format, args...)}
}

// Resolve decodes the operations document, checks the map/files bijection,
// and assigns each file into every variable slot its paths name. Each slot
// must exist and currently hold null.
func Resolve(operations, pathMap []byte, files map[string]*File, opts request.Options) (*request.Payload, error) {
	var paths map[string][]string
	if err := json.Unmarshal(pathMap, &paths); err != nil {
		return nil, specErrorf("unable to parse the map field as JSON")
	}
	for key := range paths {
		if _, ok := files[key]; !ok {
			return nil, specErrorf("file for key %q is missing in form data", key)
		}
	}
	for key := range files {
		if _, ok := paths[key]; !ok {
			return nil, specErrorf("file %q is never referenced by the map field", key)
		}
	}

	payload, rerr := request.FromJSON(operations, opts)
	if rerr != nil {
		return nil, specErrorf("invalid operations document: %s", rerr.Message)
	}

	for key, targets := range paths {
		if len(targets) == 0 {
			return nil, specErrorf("map entry %q names no variable paths", key)
		}
		for _, target := range targets {
			if err := splice(payload, target, files[key]); err != nil {
				return nil, err
			}
		}
	}
	return payload, nil
}

// splice walks one dotted path to its slot and assigns the file. Batched
// documents prefix paths with the operation index.
func splice(payload *request.Payload, path string, file *File) error {
	segs := strings.Split(path, ".")
	op := payload.Operations[0]
	if payload.Batch {
		if len(segs) < 1 {
			return specErrorf("path %q does not resolve to a variable", path)
		}
		idx, err := strconv.Atoi(segs[0])
		if err != nil || idx < 0 || idx >= len(payload.Operations) {
			return specErrorf("path %q names an operation outside the batch", path)
		}
		op = payload.Operations[idx]
		segs = segs[1:]
	}
	if len(segs) < 2 || segs[0] != "variables" {
		return specErrorf("path %q does not resolve to a variable", path)
	}
	if op.Variables == nil {
		return specErrorf("path %q does not resolve to an existing null value", path)
	}

	var container any = op.Variables
	for _, seg := range segs[1 : len(segs)-1] {
		next, err := step(container, seg)
		if err != nil {
			return specErrorf("path %q does not resolve to an existing null value", path)
		}
		container = next
	}
	return assign(container, segs[len(segs)-1], path, file)
}

func step(container any, seg string) (any, error) {
	switch c := container.(type) {
	case map[string]any:
		v, ok := c[seg]
		if !ok {
			return nil, fmt.Errorf("missing key %q", seg)
		}
		return v, nil
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, fmt.Errorf("bad index %q", seg)
		}
		return c[idx], nil
	default:
		return nil, fmt.Errorf("cannot descend into %T", container)
	}
}

func assign(container any, seg, path string, file *File) error {
	switch c := container.(type) {
	case map[string]any:
		v, ok := c[seg]
		if !ok || v != nil {
			return specErrorf("path %q does not resolve to an existing null value", path)
		}
		c[seg] = file
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(c) || c[idx] != nil {
			return specErrorf("path %q does not resolve to an existing null value", path)
		}
		c[idx] = file
	default:
		return specErrorf("path %q does not resolve to an existing null value", path)
	}
	return nil
}

// FromRequest parses a multipart/form-data request into a resolved payload.
// memoryLimit <= 0 falls back to DefaultMemoryLimit.
func FromRequest(r *http.Request, memoryLimit int64, opts request.Options) (*request.Payload, error) {
	if memoryLimit <= 0 {
		memoryLimit = DefaultMemoryLimit
	}
	if err := r.ParseMultipartForm(memoryLimit); err != nil {
		return nil, &request.Error{Status: http.StatusBadRequest, Message: "unable to parse the multipart body"}
	}
	form := r.MultipartForm
	operations := firstValue(form.Value, "operations")
	pathMap := firstValue(form.Value, "map")
	if operations == "" || pathMap == "" {
		return nil, specErrorf("multipart form needs operations and map fields")
	}

	files := make(map[string]*File, len(form.File))
	for key, headers := range form.File {
		if len(headers) == 0 {
			continue
		}
		fh := headers[0]
		f, err := fh.Open()
		if err != nil {
			return nil, specErrorf("unable to open file part %q", key)
		}
		files[key] = &File{
			Reader:      f,
			Filename:    fh.Filename,
			Size:        fh.Size,
			ContentType: fh.Header.Get("Content-Type"),
		}
	}
	return Resolve([]byte(operations), []byte(pathMap), files, opts)
}

func firstValue(values map[string][]string, key string) string {
	if vs := values[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}
