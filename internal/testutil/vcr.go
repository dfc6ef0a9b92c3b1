// Package testutil holds helpers shared by the relay's package tests.
package testutil

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// RecordEnv switches cassettes to recording against the live backend when
// set to "record".
const RecordEnv = "RELAY_VCR_MODE"

// redactedHeaders never reach a cassette.
var redactedHeaders = []string{"Authorization", "X-Api-Key", "Openai-Organization"}

// CassetteClient returns an HTTP client replaying testdata/fixtures/<name>.yaml.
// Requests match on method, path and query so the same cassette serves any
// base URL. The recorder is stopped when the test ends.
func CassetteClient(t *testing.T, name string) *http.Client {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv(RecordEnv) == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", name), mode, nil)
	if err != nil {
		t.Fatalf("open cassette %s: %v", name, err)
	}
	r.SetMatcher(func(req *http.Request, rec cassette.Request) bool {
		if req.Method != rec.Method {
			return false
		}
		u, err := url.Parse(rec.URL)
		if err != nil {
			return false
		}
		return req.URL.Path == u.Path && req.URL.RawQuery == u.RawQuery
	})
	r.AddFilter(func(i *cassette.Interaction) error {
		for _, h := range redactedHeaders {
			delete(i.Request.Headers, h)
		}
		return nil
	})
	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("stop cassette %s: %v", name, err)
		}
	})

	return &http.Client{Transport: r}
}
