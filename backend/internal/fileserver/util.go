package fileserver

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// decodeRequestPath strips the leading "/" from an already-decoded
// net/http URL path, yielding the slash-separated relative path used by the
// path policy and file lookup.
func decodeRequestPath(p string) string {
	return strings.TrimPrefix(p, "/")
}

// encodePath percent-encodes relativePath for embedding in a generated URL,
// preserving "/" as a path separator.
func encodePath(relativePath string) string {
	segs := strings.Split(relativePath, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// stripRangeHeader returns a shallow clone of r with any Range header
// removed, used for content types that the spec allows to ignore Range.
func stripRangeHeader(r *http.Request) *http.Request {
	if r.Header.Get("Range") == "" {
		return r
	}
	clone := r.Clone(r.Context())
	clone.Header = r.Header.Clone()
	clone.Header.Del("Range")
	clone.Header.Del("If-Range")
	return clone
}

// rateLimitedListener wraps a net.Listener so Accept blocks new connections
// past limiter's rate by closing them immediately rather than queueing —
// the same token-bucket gate the donor's internal/tunnel.Server applies to
// its SSH accept loop, here applied to the preview HTTP listener.
type rateLimitedListener struct {
	net.Listener
	limiter *rate.Limiter
}

func (l *rateLimitedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if !l.limiter.Allow() {
			_ = conn.Close()
			continue
		}
		return conn, nil
	}
}

// countingResponseWriter tallies response body bytes into counter, backing
// Instance.BytesServed for servermgr's stats snapshot.
type countingResponseWriter struct {
	http.ResponseWriter
	counter *atomic.Uint64
}

func (w *countingResponseWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.counter.Add(uint64(n))
	return n, err
}
