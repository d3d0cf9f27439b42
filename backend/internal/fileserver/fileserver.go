// Package fileserver implements the Project File Server (spec §4.2): one
// embedded HTTP service per project that exposes a single project root to a
// trusted local preview pane under tokenized authentication, with dotfile
// denial and root-containment enforced on every request.
//
// The accept-loop rate gate is adapted from the donor's
// internal/tunnel.Server.ListenAndServe (same golang.org/x/time/rate
// token-bucket idiom, applied to HTTP connections instead of SSH
// handshakes), and the root-containment check is adapted from
// internal/fileutil.ResolveSafePath. Both are generalized here because a
// preview HTTP server has different failure semantics than the donor's
// forward-only SSH tunnel: a bad request must produce a status code, not a
// closed connection.
package fileserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// defaultAcceptRate caps new TCP connections accepted per second by one
// instance's listener — a local process hammering one project's preview port
// should not be able to starve the others out of accept-loop time.
const defaultAcceptRate rate.Limit = 50

// Instance is one running Project File Server bound to 127.0.0.1:Port,
// scoped to a single project root.
type Instance struct {
	ProjectID string
	Root      string
	Port      int
	Token     string

	log zerolog.Logger

	listener net.Listener
	srv      *http.Server
	limiter  *rate.Limiter

	lastAccessed atomic.Int64 // unix nanoseconds
	started      atomic.Bool
	stopped      atomic.Bool

	requestsServed atomic.Uint64
	bytesServed    atomic.Uint64
}

// New constructs an Instance for projectID rooted at root, without starting
// it. token is the AccessToken every request must present.
func New(projectID, root string, port int, token string, log zerolog.Logger) *Instance {
	inst := &Instance{
		ProjectID: projectID,
		Root:      root,
		Port:      port,
		Token:     token,
		log: log.With().
			Str("component", "fileserver").
			Str("project_id", projectID).
			Int("port", port).
			Logger(),
		limiter: rate.NewLimiter(defaultAcceptRate, int(defaultAcceptRate)+1),
	}
	inst.lastAccessed.Store(time.Now().UnixNano())
	return inst
}

// Start binds the listener on 127.0.0.1:Port and begins serving. It is
// idempotent: calling Start again on an already-started instance is a no-op
// and returns the same URL base.
//
// startTimeout bounds how long the bind may take; on timeout the partially
// started instance is torn down and ErrBindFailed is returned.
func (inst *Instance) Start(ctx context.Context, startTimeout time.Duration) (string, error) {
	if inst.started.Load() {
		return inst.urlBase(), nil
	}

	info, err := os.Stat(inst.Root)
	if err != nil || !info.IsDir() {
		return "", ErrRootInvalid
	}

	type bindResult struct {
		ln  net.Listener
		err error
	}
	resCh := make(chan bindResult, 1)
	go func() {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", inst.Port))
		resCh <- bindResult{ln, err}
	}()

	// closeLate closes a listener whose bind completes after Start gave up.
	closeLate := func() {
		if res := <-resCh; res.ln != nil {
			_ = res.ln.Close()
		}
	}

	var ln net.Listener
	select {
	case res := <-resCh:
		if res.err != nil {
			inst.log.Error().Err(res.err).Msg("bind failed")
			return "", fmt.Errorf("%w: %v", ErrBindFailed, res.err)
		}
		ln = res.ln
	case <-time.After(startTimeout):
		go closeLate()
		return "", ErrBindFailed
	case <-ctx.Done():
		go closeLate()
		return "", ErrBindFailed
	}

	inst.listener = &rateLimitedListener{Listener: ln, limiter: inst.limiter}
	inst.srv = &http.Server{
		Handler:     inst.router(),
		IdleTimeout: 10 * time.Second, // keep-alive is short-lived per spec §5
	}

	go func() {
		if err := inst.srv.Serve(inst.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			inst.log.Error().Err(err).Msg("listener serve error")
		}
	}()

	inst.started.Store(true)
	inst.log.Info().Msg("project file server started")
	return inst.urlBase(), nil
}

// urlBase returns "http://127.0.0.1:{port}/".
func (inst *Instance) urlBase() string {
	return fmt.Sprintf("http://127.0.0.1:%d/", inst.Port)
}

// URLFor returns a tokenized URL for relativePath, which must lie within
// Root after canonicalization.
func (inst *Instance) URLFor(relativePath string) (string, error) {
	if !inst.started.Load() || inst.stopped.Load() {
		return "", ErrNotStarted
	}
	if _, ok := resolveWithinRoot(inst.Root, relativePath); !ok {
		return "", ErrPathEscape
	}
	return fmt.Sprintf("http://127.0.0.1:%d/%s?token=%s", inst.Port, encodePath(relativePath), inst.Token), nil
}

// Stop closes the listener, refusing further requests. It is safe to call
// more than once; only the first call on an instance that was never started
// returns ErrNotStarted.
func (inst *Instance) Stop() error {
	if inst.stopped.Swap(true) {
		return nil
	}
	if inst.srv == nil {
		return ErrNotStarted
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := inst.srv.Shutdown(ctx)
	inst.log.Info().Msg("project file server stopped")
	return err
}

// LastAccessed returns the monotonic-ish wall time of the most recent
// authenticated request (or construction time, if none yet).
func (inst *Instance) LastAccessed() time.Time {
	return time.Unix(0, inst.lastAccessed.Load())
}

// touch records a fresh authenticated access.
func (inst *Instance) touch() {
	inst.lastAccessed.Store(time.Now().UnixNano())
}

// RequestsServed returns the number of authenticated requests this instance
// has answered since it started, for servermgr's stats snapshot.
func (inst *Instance) RequestsServed() uint64 {
	return inst.requestsServed.Load()
}

// BytesServed returns the number of response body bytes written since this
// instance started.
func (inst *Instance) BytesServed() uint64 {
	return inst.bytesServed.Load()
}

// router builds the chi router handling GET/HEAD only, with a recoverer so a
// handler panic never takes the listener down (spec §4.2 "Request handlers
// MUST NOT terminate the listener on handler exceptions").
func (inst *Instance) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/*", http.HandlerFunc(inst.handle))
	r.Method(http.MethodHead, "/*", http.HandlerFunc(inst.handle))
	return r
}

// handle serves one request: authenticate, enforce path policy, respond.
func (inst *Instance) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-cache")

	token, present := extractToken(r)
	if !present || !tokensEqual(inst.Token, token) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	inst.touch()
	inst.requestsServed.Add(1)
	w = &countingResponseWriter{ResponseWriter: w, counter: &inst.bytesServed}

	rel := decodeRequestPath(r.URL.Path)

	if hasDotfileComponent(rel) {
		inst.log.Warn().Str("path", rel).Msg("denied dotfile access")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	target, ok := resolveWithinRoot(inst.Root, rel)
	if !ok {
		inst.log.Warn().Str("path", rel).Msg("denied path escape")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	info, err := os.Stat(target)
	if err != nil {
		if os.IsPermission(err) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if info.IsDir() {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	f, err := os.Open(target)
	if err != nil {
		if os.IsPermission(err) {
			w.WriteHeader(http.StatusForbidden)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
		return
	}
	defer f.Close()

	ct := contentTypeFor(target)
	w.Header().Set("Content-Type", ct)

	if !rangeEligible(ct) {
		// Non-media content: serve the full body and ignore any Range header
		// (spec §4.2 permits this).
		r = stripRangeHeader(r)
	}

	http.ServeContent(w, r, target, info.ModTime(), f)
}
