// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elasticsearchdynamicexporter

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	jsoniter "github.com/json-iterator/go"
)

const testInfoResponse = `{"name":"test","cluster_name":"test","version":{"number":"7.17.0","build_flavor":"default"},"tagline":"You Know, for Search"}`

type bulkHandler func(w http.ResponseWriter, body []byte)

// bulkRecorder keeps the bodies of the _bulk requests a test server
// received.
type bulkRecorder struct {
	mu       sync.Mutex
	requests [][]byte
	auth     []string
	paths    []string
}

func (r *bulkRecorder) record(req *http.Request, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, body)
	r.auth = append(r.auth, req.Header.Get("Authorization"))
	r.paths = append(r.paths, req.URL.Path)
}

func (r *bulkRecorder) bodies() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.requests...)
}

// newESTestServer starts a fake Elasticsearch answering the product check,
// ping and _bulk requests. Requests with a path prefix are accepted too.
func newESTestServer(t *testing.T, recorder *bulkRecorder, handler bulkHandler) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")

		body, err := io.ReadAll(req.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch {
		case strings.HasSuffix(req.URL.Path, "/_bulk"):
			if recorder != nil {
				recorder.record(req, body)
			}
			handler(w, body)
		case req.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		default:
			_, _ = w.Write([]byte(testInfoResponse))
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// acceptAll answers every document of the bulk body with status 201.
func acceptAll(w http.ResponseWriter, body []byte) {
	respondItems(w, body, func(int) int { return http.StatusCreated })
}

func respondItems(w http.ResponseWriter, body []byte, status func(i int) int) {
	lines := bytes.Split(bytes.TrimSuffix(body, []byte("\n")), []byte("\n"))

	type item struct {
		Index  string `json:"_index"`
		Status int    `json:"status"`
		Error  any    `json:"error,omitempty"`
	}
	var (
		items  []map[string]item
		errors bool
	)
	for i := 0; i+1 < len(lines); i += 2 {
		var action bulkAction
		_ = jsoniter.Unmarshal(lines[i], &action)
		code := status(i / 2)
		it := item{Index: action.Index.Index, Status: code}
		if code >= 300 {
			errors = true
			it.Error = map[string]string{"type": "mapper_parsing_exception", "reason": "failed to parse"}
		}
		items = append(items, map[string]item{"index": it})
	}

	out, _ := jsoniter.Marshal(map[string]any{"took": 1, "errors": errors, "items": items})
	_, _ = w.Write(out)
}
