package fileserver

import "strings"

// mimeByExt is a fixed table of extension → content type, deliberately not
// deferring to the OS mime registry (spec §4.2: "derived from the file
// extension via a fixed MIME table") so behavior is identical across
// platforms the preview pane might run on.
var mimeByExt = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".mjs":  "text/javascript; charset=utf-8",
	".json": "application/json",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".ico":  "image/x-icon",
	".woff": "font/woff",
	".woff2": "font/woff2",
	".ttf":  "font/ttf",
	".otf":  "font/otf",
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".xml":  "application/xml",
	".wasm": "application/wasm",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".pdf":  "application/pdf",
}

// defaultMimeType is used for extensions not present in mimeByExt.
const defaultMimeType = "application/octet-stream"

// contentTypeFor returns the content type for name based on its extension.
func contentTypeFor(name string) string {
	ext := extOf(name)
	if ct, ok := mimeByExt[ext]; ok {
		return ct
	}
	return defaultMimeType
}

// extOf returns the lowercased file extension including the leading dot, or
// "" if name has none.
func extOf(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(name[i:])
}

// rangeEligible reports whether content type ct is one of the media types for
// which spec §4.2 requires Range requests to be honored. Other content types
// may ignore Range and return a full 200; this implementation honors Range
// for all eligible types via http.ServeContent and strips Range/If-Range from
// requests for every other type (see stripRangeHeader), so those always get
// the full body.
func rangeEligible(ct string) bool {
	switch {
	case strings.HasPrefix(ct, "image/"):
		return true
	case strings.HasPrefix(ct, "video/"):
		return true
	case strings.HasPrefix(ct, "audio/"):
		return true
	case strings.HasPrefix(ct, "font/"):
		return true
	}
	return false
}
