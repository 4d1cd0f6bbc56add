// Package httpresponse builds the status line, headers, and memory-mapped
// body for one HTTP reply.
package httpresponse

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// statusLine maps a status code to its reason phrase.
var statusLine = map[int]string{
	200: "200 OK",
	400: "400 Bad Request",
	403: "403 Forbidden",
	404: "404 Not Found",
}

// errorBody is a minimal embedded HTML page per error code, substituted
// whenever the resolved file is unavailable. The server ships no static
// content of its own beyond these.
var errorBody = map[int]string{
	400: "<html><head><title>400 Bad Request</title></head><body><h1>Bad Request</h1></body></html>",
	403: "<html><head><title>403 Forbidden</title></head><body><h1>Forbidden</h1></body></html>",
	404: "<html><head><title>404 Not Found</title></head><body><h1>Not Found</h1></body></html>",
}

// mimeTypes is the extension to Content-Type table from the wire protocol,
// falling back to text/plain;charset=utf-8 for anything unlisted.
var mimeTypes = map[string]string{
	".html":  "text/html",
	".xml":   "text/xml",
	".xhtml": "application/xhtml+xml",
	".txt":   "text/plain",
	".rtf":   "application/rtf",
	".pdf":   "application/pdf",
	".png":   "image/png",
	".gif":   "image/gif",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".au":    "audio/basic",
	".mpeg":  "video/mpeg",
	".mpg":   "video/mpeg",
	".avi":   "video/x-msvideo",
	".gz":    "application/x-gzip",
	".tar":   "application/x-tar",
	".css":   "text/css",
	".js":    "application/x-javascript",
}

const defaultMIME = "text/plain;charset=utf-8"

// Response holds one reply's header bytes plus an optional memory-mapped
// file view. The view is non-nil only when the status resolved to 200
// and the target was a readable regular file.
type Response struct {
	Code      int
	Path      string
	KeepAlive bool

	header []byte
	mapped []byte // non-nil iff Code == 200 and the file was mmap'd
}

// Build resolves srcDir+path to a regular, world-readable file, computes the
// status code, assembles the header bytes into Header, and -- on 200 --
// mmaps the file read-only so Body returns a zero-copy view of it. Any
// resolution failure downgrades the response to 404/403 with an embedded
// error body instead of returning an error: a malformed or absent resource
// is a valid, completable HTTP response, not a Go error.
func Build(srcDir, path string, keepAlive bool) (*Response, error) {
	r := &Response{Path: path, KeepAlive: keepAlive}

	full := filepath.Join(srcDir, filepath.Clean("/"+path))
	info, err := os.Stat(full)
	switch {
	case err != nil:
		r.Code = 404
	case info.IsDir() || !info.Mode().IsRegular() || info.Mode().Perm()&0o004 == 0:
		r.Code = 403
	default:
		r.Code = 200
	}

	if r.Code == 200 {
		if err := r.mmapFile(full, info.Size()); err != nil {
			r.Code = 403
		}
	}
	r.assembleHeader(r.bodyLen())
	return r, nil
}

// BuildError builds a response carrying only an embedded error body for the
// given code (400, 403, 404), used on parse failure where there is no
// file to resolve.
func BuildError(code int, keepAlive bool) *Response {
	r := &Response{Code: code, KeepAlive: keepAlive}
	r.assembleHeader(r.bodyLen())
	return r
}

func (r *Response) mmapFile(full string, size int64) error {
	if size == 0 {
		r.mapped = []byte{}
		return nil
	}
	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return err
	}
	r.mapped = data
	return nil
}

func (r *Response) bodyLen() int {
	if r.mapped != nil {
		return len(r.mapped)
	}
	return len(errorBody[r.Code])
}

func (r *Response) assembleHeader(bodyLen int) {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %s\r\n", statusLine[r.Code])

	conn := "close"
	if r.KeepAlive {
		conn = "keep-alive"
	}
	fmt.Fprintf(&b, "Connection: %s\r\n", conn)
	fmt.Fprintf(&b, "Content-Type: %s\r\n", r.contentType())
	fmt.Fprintf(&b, "Content-Length: %s\r\n", strconv.Itoa(bodyLen))
	b.WriteString("\r\n")
	r.header = []byte(b.String())
}

func (r *Response) contentType() string {
	if r.Code != 200 {
		return "text/html"
	}
	ext := strings.ToLower(filepath.Ext(r.Path))
	if ct, ok := mimeTypes[ext]; ok {
		return ct
	}
	return defaultMIME
}

// Header returns the assembled status line + header bytes.
func (r *Response) Header() []byte { return r.header }

// Body returns the response body: the mmap'd file view on 200, or the
// embedded error HTML otherwise.
func (r *Response) Body() []byte {
	if r.mapped != nil {
		return r.mapped
	}
	return []byte(errorBody[r.Code])
}

// Vectors returns the two-segment gather-write vector [header, body].
func (r *Response) Vectors() [][]byte {
	return [][]byte{r.Header(), r.Body()}
}

// Unmap releases the mmap'd file view; calling it again is a no-op. Must
// be called before the Response is discarded or reused.
func (r *Response) Unmap() error {
	if r.mapped == nil || len(r.mapped) == 0 {
		r.mapped = nil
		return nil
	}
	err := unix.Munmap(r.mapped)
	r.mapped = nil
	return err
}
