// Package portalsim emulates the subset of a device portal used by the
// devportal client: OS info, the process table, and application launch and
// termination.
package portalsim

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/devportal/internal/logging"
	"github.com/breeze-rmm/devportal/pkg/portal"
)

var log = logging.L("portalsim")

const (
	csrfCookieName = "CSRF-Token"
	csrfHeaderName = "X-CSRF-Token"

	defaultStreamInterval = time.Second
	writeWait             = 5 * time.Second
)

type Options struct {
	// Username and Password enable basic auth when either is set.
	Username string
	Password string
	// RequireCSRF rejects POST and DELETE without a matching X-CSRF-Token.
	RequireCSRF bool
	// StreamInterval is the delay between websocket snapshots.
	StreamInterval time.Duration
	ComputerName   string
}

// Request is a record of one request the emulator served.
type Request struct {
	Method string
	Path   string
	Form   url.Values
}

// Server is an http.Handler emulating a device portal.
type Server struct {
	opts      Options
	csrfToken string
	mux       *http.ServeMux
	upgrader  websocket.Upgrader

	mu        sync.Mutex
	installed map[string]string
	procs     []portal.DeviceProcessInfo
	nextPID   uint32
	requests  []Request
}

func New(opts Options) *Server {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = defaultStreamInterval
	}
	if opts.ComputerName == "" {
		opts.ComputerName = "DEVPORTAL-SIM"
	}

	s := &Server{
		opts:      opts,
		csrfToken: newToken(),
		mux:       http.NewServeMux(),
		installed: make(map[string]string),
		nextPID:   firstLaunchPID,
	}

	s.mux.HandleFunc("GET /"+portal.OSInfoAPI, s.handleOSInfo)
	s.mux.HandleFunc("GET /"+portal.ProcessesAPI, s.handleProcesses)
	s.mux.HandleFunc("POST /"+portal.TaskManagerAPI, s.handleLaunch)
	s.mux.HandleFunc("DELETE /"+portal.TaskManagerAPI, s.handleTerminate)
	return s
}

func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Requests returns the requests served so far, oldest first.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="Device Portal"`)
		writeError(w, &simError{status: http.StatusUnauthorized, reason: "authentication required"})
		return
	}

	if r.Method == http.MethodGet {
		http.SetCookie(w, &http.Cookie{Name: csrfCookieName, Value: s.csrfToken, Path: "/"})
	}

	log.Debug("request", logging.KeyMethod, r.Method, logging.KeyPath, r.URL.Path)
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Username == "" && s.opts.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.opts.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.opts.Password)) == 1
	return userOK && passOK
}

func (s *Server) record(r *http.Request, form url.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Form: form})
}

func (s *Server) handleOSInfo(w http.ResponseWriter, r *http.Request) {
	s.record(r, nil)
	writeJSON(w, http.StatusOK, portal.OSInfo{
		ComputerName: s.opts.ComputerName,
		OsEdition:    "Emulated",
		OsVersion:    runtime.Version(),
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
	})
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	s.record(r, nil)
	if websocket.IsWebSocketUpgrade(r) {
		s.streamProcesses(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (s *Server) streamProcesses(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.KeyError, err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.StreamInterval)
	defer ticker.Stop()

	for {
		snapshot := s.Snapshot()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(snapshot); err != nil {
			log.Debug("process stream ended", logging.KeyError, err)
			return
		}

		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	form, err := s.mutatingForm(r)
	if err != nil {
		writeError(w, err)
		return
	}

	appID, err := decodeField(form, "appid")
	if err != nil {
		writeError(w, err)
		return
	}
	packageName, err := decodeField(form, "package")
	if err != nil {
		writeError(w, err)
		return
	}

	pid, err := s.launch(appID, packageName)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info("application launched", logging.KeyPackage, packageName, "pid", pid)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	form, err := s.mutatingForm(r)
	if err != nil {
		writeError(w, err)
		return
	}

	packageName, err := decodeField(form, "package")
	if err != nil {
		writeError(w, err)
		return
	}

	n, err := s.terminate(packageName)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info("application terminated", logging.KeyPackage, packageName, "processes", n)
	w.WriteHeader(http.StatusOK)
}

// mutatingForm reads the form payload of a POST or DELETE. The body is
// parsed by hand because net/http ignores DELETE bodies; a query string is
// accepted as a fallback.
func (s *Server) mutatingForm(r *http.Request) (url.Values, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return nil, &simError{status: http.StatusBadRequest, reason: "unreadable body"}
	}

	raw := string(body)
	if raw == "" {
		raw = r.URL.RawQuery
	}
	form, err := url.ParseQuery(raw)
	if err != nil {
		return nil, &simError{status: http.StatusBadRequest, reason: "malformed form payload"}
	}
	s.record(r, form)

	if s.opts.RequireCSRF {
		token := r.Header.Get(csrfHeaderName)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.csrfToken)) != 1 {
			return nil, &simError{status: http.StatusForbidden, reason: "CSRF token missing or invalid"}
		}
	}
	return form, nil
}

func decodeField(form url.Values, key string) (string, error) {
	raw := form.Get(key)
	if raw == "" {
		return "", &simError{status: http.StatusBadRequest, reason: fmt.Sprintf("missing %s", key)}
	}
	v, err := portal.HexDecode(raw)
	if err != nil {
		return "", &simError{status: http.StatusBadRequest, reason: fmt.Sprintf("%s is not hex encoded", key)}
	}
	return v, nil
}

type simError struct {
	status int
	reason string
}

func (e *simError) Error() string {
	return e.reason
}

func errNotInstalled(packageName string) *simError {
	return &simError{status: http.StatusNotFound, reason: fmt.Sprintf("package %q is not installed", packageName)}
}

func writeError(w http.ResponseWriter, err error) {
	se, ok := err.(*simError)
	if !ok {
		se = &simError{status: http.StatusInternalServerError, reason: err.Error()}
	}
	writeJSON(w, se.status, map[string]any{
		"Code":     se.status,
		"CodeText": http.StatusText(se.status),
		"Reason":   se.reason,
		"Success":  false,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", logging.KeyError, err)
	}
}
