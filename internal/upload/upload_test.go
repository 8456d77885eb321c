package upload

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	request "github.com/soketto/graphserve/internal/request"
)

func singleManifest() ([]byte, []byte) {
	operations := []byte(`{"query":"mutation($file: Upload!) { upload(file: $file) }","variables":{"file":null}}`)
	pathMap := []byte(`{"0":["variables.file"]}`)
	return operations, pathMap
}

func TestResolveSingleFile(t *testing.T) {
	operations, pathMap := singleManifest()
	file := &File{Reader: strings.NewReader("content"), Filename: "a.txt"}

	payload, err := Resolve(operations, pathMap, map[string]*File{"0": file}, request.Options{})
	require.NoError(t, err)
	require.Len(t, payload.Operations, 1)
	assert.Same(t, file, payload.Operations[0].Variables["file"])
}

func TestResolveMissingFilePart(t *testing.T) {
	operations, pathMap := singleManifest()
	_, err := Resolve(operations, pathMap, map[string]*File{}, request.Options{})
	var serr *SpecError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Message, "missing")
}

func TestResolveUnreferencedFilePart(t *testing.T) {
	operations, pathMap := singleManifest()
	files := map[string]*File{
		"0": {Reader: strings.NewReader("a")},
		"1": {Reader: strings.NewReader("b")},
	}
	_, err := Resolve(operations, pathMap, files, request.Options{})
	var serr *SpecError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Message, "never referenced")
}

func TestResolvePathMustHoldNull(t *testing.T) {
	cases := []struct {
		name       string
		operations string
		pathMap    string
	}{
		{"missing key", `{"query":"q","variables":{}}`, `{"0":["variables.file"]}`},
		{"non-null slot", `{"query":"q","variables":{"file":"set"}}`, `{"0":["variables.file"]}`},
		{"no variables", `{"query":"q"}`, `{"0":["variables.file"]}`},
		{"path outside variables", `{"query":"q","variables":{"file":null}}`, `{"0":["query"]}`},
		{"bad index", `{"query":"q","variables":{"files":[null]}}`, `{"0":["variables.files.7"]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			files := map[string]*File{"0": {Reader: strings.NewReader("x")}}
			_, err := Resolve([]byte(tc.operations), []byte(tc.pathMap), files, request.Options{})
			var serr *SpecError
			require.ErrorAs(t, err, &serr)
		})
	}
}

func TestResolveMultiplePathsShareOneFile(t *testing.T) {
	operations := []byte(`{"query":"q","variables":{"a":null,"b":null}}`)
	pathMap := []byte(`{"0":["variables.a","variables.b"]}`)
	file := &File{Reader: strings.NewReader("x")}

	payload, err := Resolve(operations, pathMap, map[string]*File{"0": file}, request.Options{})
	require.NoError(t, err)
	vars := payload.Operations[0].Variables
	assert.Same(t, file, vars["a"])
	assert.Same(t, file, vars["b"])
}

func TestResolveBatchPathPrefixes(t *testing.T) {
	operations := []byte(`[
		{"query":"m","variables":{"file":null}},
		{"query":"m","variables":{"files":[null,null]}}
	]`)
	pathMap := []byte(`{"a":["0.variables.file"],"b":["1.variables.files.0"],"c":["1.variables.files.1"]}`)
	files := map[string]*File{
		"a": {Reader: strings.NewReader("a")},
		"b": {Reader: strings.NewReader("b")},
		"c": {Reader: strings.NewReader("c")},
	}

	payload, err := Resolve(operations, pathMap, files, request.Options{})
	require.NoError(t, err)
	require.True(t, payload.Batch)
	assert.Same(t, files["a"], payload.Operations[0].Variables["file"])
	list := payload.Operations[1].Variables["files"].([]any)
	assert.Same(t, files["b"], list[0])
	assert.Same(t, files["c"], list[1])
}

func TestResolveBatchIndexOutOfRange(t *testing.T) {
	operations := []byte(`[{"query":"m","variables":{"file":null}}]`)
	pathMap := []byte(`{"0":["3.variables.file"]}`)
	files := map[string]*File{"0": {Reader: strings.NewReader("x")}}
	_, err := Resolve(operations, pathMap, files, request.Options{})
	var serr *SpecError
	require.ErrorAs(t, err, &serr)
}

func TestResolveInvalidOperationsDocument(t *testing.T) {
	files := map[string]*File{"0": {Reader: strings.NewReader("x")}}
	_, err := Resolve([]byte(`{not json`), []byte(`{"0":["variables.file"]}`), files, request.Options{})
	var serr *SpecError
	require.ErrorAs(t, err, &serr)

	_, err = Resolve([]byte(`[]`), []byte(`{"0":["variables.file"]}`), files, request.Options{})
	require.ErrorAs(t, err, &serr)
}

func TestFromRequestEndToEnd(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("operations", `{"query":"mutation($file: Upload!) { upload(file: $file) }","variables":{"file":null}}`))
	require.NoError(t, mw.WriteField("map", `{"0":["variables.file"]}`))
	part, err := mw.CreateFormFile("0", "hello.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello upload"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/graphql", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	payload, rerr := FromRequest(req, 0, request.Options{})
	require.NoError(t, rerr)
	file, ok := payload.Operations[0].Variables["file"].(*File)
	require.True(t, ok)
	assert.Equal(t, "hello.txt", file.Filename)

	content, err := io.ReadAll(file.Reader)
	require.NoError(t, err)
	assert.Equal(t, "hello upload", string(content))
}

func TestFromRequestMissingFields(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("operations", `{"query":"q"}`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/graphql", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	_, err := FromRequest(req, 0, request.Options{})
	var serr *SpecError
	require.ErrorAs(t, err, &serr)
}
