package replay

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

var errInvalidHex = errors.New("replay: invalid chunk-size hex digit")

// parseHeaderLines turns a raw "Name: value\r\n..." header block into an
// http.Header, used only to drive decodeBody's Content-Encoding/chunked
// checks for the raw-socket path.
func parseHeaderLines(raw []byte) http.Header {
	h := http.Header{}
	for _, line := range bytes.Split(raw, []byte("\r\n")) {
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(string(line[:idx]))
		value := strings.TrimSpace(string(line[idx+1:]))
		if name == "" {
			continue
		}
		h.Add(name, value)
	}
	return h
}

// decodeBody dechunks and decompresses body as indicated by header, and
// reports whether the resulting content looks binary (so the caller can
// base64-wrap it instead of embedding it as a string).
func decodeBody(body []byte, header http.Header) (decoded []byte, isBinary bool) {
	if header.Get("Transfer-Encoding") == "chunked" || bytes.Contains(body, chunkedTerminator) {
		if dechunked, err := dechunk(body); err == nil {
			body = dechunked
		}
	}

	switch strings.ToLower(header.Get("Content-Encoding")) {
	case "gzip":
		if gr, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if out, err := io.ReadAll(gr); err == nil {
				body = out
			}
		}
	}

	return body, looksBinary(body, header.Get("Content-Type"))
}

func looksBinary(body []byte, contentType string) bool {
	if strings.Contains(contentType, "text") || strings.Contains(contentType, "json") ||
		strings.Contains(contentType, "xml") || strings.Contains(contentType, "javascript") {
		return false
	}
	if len(body) == 0 {
		return false
	}
	if !utf8.Valid(body) {
		return true
	}
	mt := mimetype.Detect(body)
	return !strings.HasPrefix(mt.String(), "text/") && mt.String() != "application/json" && mt.String() != "application/xml"
}

func dechunk(body []byte) ([]byte, error) {
	var out bytes.Buffer
	r := bytes.NewReader(body)
	for {
		sizeLine, err := readLine(r)
		if err != nil {
			return out.Bytes(), err
		}
		sizeLine = bytes.TrimSpace(bytes.SplitN(sizeLine, []byte(";"), 2)[0])
		var size int64
		if _, err := parseHex(sizeLine, &size); err != nil {
			return out.Bytes(), err
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return out.Bytes(), err
		}
		out.Write(chunk)
		// consume trailing CRLF after the chunk data
		if _, err := readLine(r); err != nil {
			return out.Bytes(), err
		}
	}
}

func readLine(r *bytes.Reader) ([]byte, error) {
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return line, err
		}
		if b == '\n' {
			return bytes.TrimRight(line, "\r"), nil
		}
		line = append(line, b)
	}
}

func parseHex(b []byte, out *int64) (int, error) {
	var n int64
	for _, c := range b {
		var d int64
		switch {
		case c >= '0' && c <= '9':
			d = int64(c - '0')
		case c >= 'a' && c <= 'f':
			d = int64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = int64(c-'A') + 10
		default:
			return 0, errInvalidHex
		}
		n = n*16 + d
	}
	*out = n
	return len(b), nil
}
