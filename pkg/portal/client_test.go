package portal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/devportal/internal/httputil"
)

type recordedRequest struct {
	method string
	path   string
	body   string
	header http.Header
}

type recorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (r *recorder) add(req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, recordedRequest{req.Method, req.URL.Path, string(body), req.Header.Clone()})
}

func (r *recorder) count(method, path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.reqs {
		if req.method == method && req.path == path {
			n++
		}
	}
	return n
}

func (r *recorder) last(method string) recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.reqs) - 1; i >= 0; i-- {
		if r.reqs[i].method == method {
			return r.reqs[i]
		}
	}
	return recordedRequest{}
}

func newTestClient(t *testing.T, srv *httptest.Server, opts Options) *Client {
	t.Helper()
	opts.BaseURL = srv.URL
	opts.HTTPClient = srv.Client()
	c, err := NewClient(opts)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestParseBaseURL(t *testing.T) {
	cases := map[string]string{
		"10.0.0.5:11443":          "https://10.0.0.5:11443/",
		"http://127.0.0.1:50080":  "http://127.0.0.1:50080/",
		"https://device/portal":   "https://device/portal/",
		" https://device/?x=1#f ": "https://device/",
	}
	for in, want := range cases {
		u, err := parseBaseURL(in)
		if err != nil {
			t.Fatalf("parseBaseURL(%q): %v", in, err)
		}
		if u.String() != want {
			t.Errorf("parseBaseURL(%q) = %q, want %q", in, u.String(), want)
		}
	}

	for _, bad := range []string{"", "ftp://device", "https://"} {
		if _, err := parseBaseURL(bad); err == nil {
			t.Errorf("parseBaseURL(%q) should fail", bad)
		}
	}
}

func TestPostSendsFormBodyWithAuthAndCSRF(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		if r.Method == http.MethodGet {
			http.SetCookie(w, &http.Cookie{Name: csrfCookieName, Value: "tok-123", Path: "/"})
			io.WriteString(w, `{"ComputerName":"XBOX"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Options{Username: "admin", Password: "pw"})
	if err := c.Post(context.Background(), TaskManagerAPI, "appid=41&package=42"); err != nil {
		t.Fatal(err)
	}

	if n := rec.count(http.MethodGet, "/"+OSInfoAPI); n != 1 {
		t.Fatalf("CSRF priming requests = %d, want 1", n)
	}

	post := rec.last(http.MethodPost)
	if post.path != "/"+TaskManagerAPI {
		t.Fatalf("path = %q", post.path)
	}
	if post.body != "appid=41&package=42" {
		t.Fatalf("body = %q", post.body)
	}
	if ct := post.header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
		t.Fatalf("content type = %q", ct)
	}
	if got := post.header.Get(csrfHeaderName); got != "tok-123" {
		t.Fatalf("CSRF header = %q, want tok-123", got)
	}
	if auth := post.header.Get("Authorization"); !strings.HasPrefix(auth, "Basic ") {
		t.Fatalf("Authorization = %q", auth)
	}

	// The token is reused once held.
	if err := c.Delete(context.Background(), TaskManagerAPI, "package=42"); err != nil {
		t.Fatal(err)
	}
	if n := rec.count(http.MethodGet, "/"+OSInfoAPI); n != 1 {
		t.Fatalf("CSRF priming requests = %d after second call, want 1", n)
	}
	del := rec.last(http.MethodDelete)
	if del.body != "package=42" || del.header.Get(csrfHeaderName) != "tok-123" {
		t.Fatalf("unexpected DELETE: %+v", del)
	}
}

func TestMutatingRequestProceedsWhenPrimingFails(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	if err := c.Delete(context.Background(), TaskManagerAPI, "package=00"); err != nil {
		t.Fatalf("DELETE should succeed without CSRF cookie: %v", err)
	}
	if rec.last(http.MethodDelete).header.Get(csrfHeaderName) != "" {
		t.Fatal("no CSRF header expected without a cookie")
	}
}

func TestNonSuccessReturnsRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			return
		}
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"Code":404,"CodeText":"Not Found","Reason":"package is not installed","Success":false}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	err := c.Post(context.Background(), TaskManagerAPI, "appid=00&package=00")
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %T, want *RequestError", err)
	}
	if reqErr.StatusCode != http.StatusNotFound || reqErr.Method != http.MethodPost {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
	if reqErr.Reason != "package is not installed" {
		t.Fatalf("Reason = %q", reqErr.Reason)
	}
	if !strings.Contains(string(reqErr.Body), "Not Found") {
		t.Fatalf("Body = %q", reqErr.Body)
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestRequestErrorWithPlainBody(t *testing.T) {
	err := newRequestError(http.MethodDelete, TaskManagerAPI, 500, []byte("  internal failure \n"))
	if err.Reason != "" {
		t.Fatalf("Reason = %q, want empty for non-JSON body", err.Reason)
	}
	if got := err.Error(); got != "DELETE api/taskmanager/app failed with status 500: internal failure" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestMutatingRequestsAreNotRetried(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Options{Retry: httputil.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, BackoffFactor: 1}})

	err := c.Delete(context.Background(), TaskManagerAPI, "package=00")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want 503 request error", err)
	}
	if n := rec.count(http.MethodDelete, "/"+TaskManagerAPI); n != 1 {
		t.Fatalf("DELETE attempts = %d, want 1", n)
	}
}

func TestGetRunningProcessesUsesRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"Processes":[{"PackageFullName":"A_1.0_x64__abc","ProcessId":10,"IsRunning":true,"ImageName":"a.exe"},{"ProcessId":4,"IsRunning":true}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Options{Retry: httputil.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffFactor: 1}})
	procs, err := c.GetRunningProcesses(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(procs.Processes) != 2 {
		t.Fatalf("processes = %d, want 2", len(procs.Processes))
	}
	p := procs.Processes[0]
	if p.PackageFullName != "A_1.0_x64__abc" || p.ProcessID != 10 || !p.IsRunning || p.ImageName != "a.exe" {
		t.Fatalf("unexpected process: %+v", p)
	}
	if procs.Processes[1].PackageFullName != "" {
		t.Fatal("system process should have no package name")
	}
}

func TestNegativeRetryCountStillSendsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"Processes":[{"ProcessId":4,"IsRunning":true}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Options{Retry: httputil.RetryConfig{MaxRetries: -1}})
	procs, err := c.GetRunningProcesses(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(procs.Processes) != 1 {
		t.Fatalf("processes = %d, want 1", len(procs.Processes))
	}
}

func TestGetRunningProcessesBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"Processes": [`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Options{})
	if _, err := c.GetRunningProcesses(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestHexEncode(t *testing.T) {
	cases := map[string]string{
		"":      "",
		"A":     "41",
		"a&b=c": "6126623d63",
		"é":     "c3a9",
	}
	for in, want := range cases {
		if got := HexEncode(in); got != want {
			t.Errorf("HexEncode(%q) = %q, want %q", in, got, want)
		}
		back, err := HexDecode(HexEncode(in))
		if err != nil || back != in {
			t.Errorf("HexDecode(HexEncode(%q)) = %q, %v", in, back, err)
		}
	}
	if _, err := HexDecode("zz"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}
