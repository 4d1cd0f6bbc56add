// Package httpparser implements a resumable, line-oriented HTTP/1.1
// request parser driven as a state machine over a reusable byte buffer.
package httpparser

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Early-Vertigo/webserver/internal/buffer"
)

// State is one stage of the resumable parser state machine.
type State int

const (
	StateRequestLine State = iota
	StateHeaders
	StateBody
	StateFinish
)

var (
	requestLineRe = regexp.MustCompile(`^(\S+) (\S+) HTTP/(\S+)$`)
	headerRe      = regexp.MustCompile(`^([^:]*): ?(.*)$`)
)

// pagelessNames is rewritten to "<name>.html" by the path rewrite rule.
var pagelessNames = map[string]bool{
	"/index":    true,
	"/register": true,
	"/login":    true,
	"/welcome":  true,
	"/video":    true,
	"/picture":  true,
}

// htmlTags identifies the two auth-bearing pages and their tag: 0 for
// register, 1 for login.
var htmlTags = map[string]int{
	"/register.html": 0,
	"/login.html":    1,
}

const (
	TagRegister = 0
	TagLogin    = 1
)

// Request holds the parsed result of one request/response cycle.
type Request struct {
	Method  string
	Path    string
	Version string
	Headers map[string]string
	Body    string
	Post    map[string]string

	state State
	log   *logrus.Entry
}

// New returns a freshly initialized Request, ready for Parse.
func New() *Request {
	r := &Request{}
	r.Reset()
	return r
}

// SetLogger attaches a debug-level logger that traces the parsed request
// line and each decoded POST field. With no logger set, parsing is silent.
func (r *Request) SetLogger(log *logrus.Entry) { r.log = log }

// Reset clears the request back to its initial state, for reuse across
// keep-alive request/response cycles on the same connection.
func (r *Request) Reset() {
	r.Method, r.Path, r.Version, r.Body = "", "", "", ""
	r.Headers = make(map[string]string)
	r.Post = make(map[string]string)
	r.state = StateRequestLine
}

// AuthTag reports whether Path names an auth-bearing page and, if so,
// its tag (TagRegister or TagLogin).
func (r *Request) AuthTag() (tag int, ok bool) {
	tag, ok = htmlTags[r.Path]
	return
}

// IsKeepAlive reports whether the connection should stay open after this
// request: Connection: keep-alive, on HTTP/1.1 only.
func (r *Request) IsKeepAlive() bool {
	return r.Headers["Connection"] == "keep-alive" && r.Version == "1.1"
}

// Done reports whether the parser has reached FINISH.
func (r *Request) Done() bool { return r.state == StateFinish }

// Parse consumes as many complete CRLF-terminated lines as are available
// in buff, advancing through REQUEST_LINE -> HEADERS -> BODY -> FINISH.
// It returns false on a malformed request line (the only failure mode);
// everything else either transitions state or waits for more bytes.
func (r *Request) Parse(buff *buffer.Buffer) bool {
	if buff.Readable() <= 0 {
		return true
	}

	for buff.Readable() > 0 && r.state != StateFinish {
		peek := buff.Peek()
		idx := indexCRLF(peek)
		hadCRLF := idx >= 0
		if !hadCRLF {
			// no complete line yet; wait for more bytes unless we are in
			// BODY, where the remainder of the buffer IS the body.
			if r.state != StateBody {
				break
			}
			idx = len(peek)
		}
		line := string(peek[:idx])

		switch r.state {
		case StateRequestLine:
			if !r.parseRequestLine(line) {
				return false
			}
			r.rewritePath()
		case StateHeaders:
			if !r.parseHeader(line) {
				r.state = StateBody
			}
			// checked against the readable count as of the top of this
			// iteration, before this line's own bytes are retrieved: once
			// only the final CRLF remains there is no body to wait for.
			if buff.Readable() <= 2 {
				r.state = StateFinish
			}
		case StateBody:
			r.Body = line
			r.decodeForm()
			r.state = StateFinish
		}

		consumed := idx
		if hadCRLF {
			consumed += 2
		}
		if consumed == 0 {
			break
		}
		buff.Retrieve(consumed)
	}
	return true
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func (r *Request) parseRequestLine(line string) bool {
	m := requestLineRe.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	// only the two versions this server speaks; anything else is malformed.
	if m[3] != "1.0" && m[3] != "1.1" {
		return false
	}
	r.Method, r.Path, r.Version = m[1], m[2], m[3]
	r.state = StateHeaders
	if r.log != nil {
		r.log.Debugf("[%s],[%s],[%s]", r.Method, r.Path, r.Version)
	}
	return true
}

// parseHeader returns true if line matched "Name: value" (and was
// inserted), false if it was the empty separator line.
func (r *Request) parseHeader(line string) bool {
	m := headerRe.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	r.Headers[m[1]] = m[2]
	return true
}

func (r *Request) rewritePath() {
	if r.Path == "/" {
		r.Path = "/index.html"
		return
	}
	if pagelessNames[r.Path] {
		r.Path += ".html"
	}
}

func hexVal(ch byte) int {
	switch {
	case ch >= 'A' && ch <= 'F':
		return int(ch-'A') + 10
	case ch >= 'a' && ch <= 'f':
		return int(ch-'a') + 10
	case ch >= '0' && ch <= '9':
		return int(ch - '0')
	}
	return 0
}

// decodeForm decodes an application/x-www-form-urlencoded POST body: '='
// delimits key from value, '&' delimits pairs, '+' maps to space, '%HH'
// decodes to a byte. Any other body is left untouched.
func (r *Request) decodeForm() {
	if r.Method != "POST" || r.Headers["Content-Type"] != "application/x-www-form-urlencoded" {
		return
	}
	if len(r.Body) == 0 {
		return
	}

	var key strings.Builder
	var cur strings.Builder
	haveKey := false

	flush := func() {
		if haveKey {
			k, v := key.String(), cur.String()
			r.Post[k] = v
			if r.log != nil {
				r.log.Debugf("%s = %s", k, v)
			}
		}
		key.Reset()
		cur.Reset()
		haveKey = false
	}

	body := r.Body
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '=':
			key.WriteString(cur.String())
			cur.Reset()
			haveKey = true
		case '+':
			cur.WriteByte(' ')
		case '%':
			if i+2 < len(body) {
				cur.WriteByte(byte(hexVal(body[i+1])*16 + hexVal(body[i+2])))
				i += 2
			}
		case '&':
			flush()
		default:
			cur.WriteByte(body[i])
		}
	}
	if haveKey {
		k, v := key.String(), cur.String()
		r.Post[k] = v
		if r.log != nil {
			r.log.Debugf("%s = %s", k, v)
		}
	}
}
