package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxRequestBytes bounds the size of a single pending request document.
const MaxRequestBytes = 1 << 20

const readChunk = 4096

var ErrMalformedRequest = errors.New("malformed request")

// MalformedRequestError is returned when the bytes on a connection cannot be a request.
// It matches ErrMalformedRequest with errors.Is.
type MalformedRequestError struct {
	Reason string
	Err    error
}

func (e *MalformedRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed request: %s: %s", e.Reason, e.Err)
	}
	return "malformed request: " + e.Reason
}

func (e *MalformedRequestError) Unwrap() error { return e.Err }

func (e *MalformedRequestError) Is(target error) bool { return target == ErrMalformedRequest }

type wireRequest struct {
	ID   *uint32           `json:"id"`
	Path *string           `json:"path"`
	Args []string          `json:"args"`
	Cwd  string            `json:"cwd"`
	Env  map[string]string `json:"env"`
}

// DecodeRequests decodes every complete request at the front of buf and returns them along with
// the number of bytes consumed. A trailing incomplete document is not consumed, so the caller
// should keep buf[n:] and retry once more bytes arrive. If a malformed document is found, the
// requests decoded before it are returned together with the error.
func DecodeRequests(buf []byte) ([]SpawnRequest, int, error) {
	var (
		reqs     []SpawnRequest
		consumed int
	)
	for {
		doc, n, err := nextDocument(buf[consumed:])
		if err != nil {
			return reqs, consumed, err
		}
		consumed += n
		if doc == nil {
			return reqs, consumed, nil
		}
		req, err := parseRequest(doc)
		if err != nil {
			return reqs, consumed - n, err
		}
		reqs = append(reqs, req)
	}
}

// nextDocument finds the first complete JSON object in buf.
// A nil doc means more data is needed; n is then the amount of leading whitespace that can be
// dropped, which is zero unless buf holds nothing but whitespace.
func nextDocument(buf []byte) (doc []byte, n int, err error) {
	start := 0
	for start < len(buf) && isSpace(buf[start]) {
		start++
	}
	if start == len(buf) {
		return nil, start, nil
	}
	if buf[start] != '{' {
		return nil, 0, &MalformedRequestError{Reason: fmt.Sprintf("expected a JSON object, found %q", buf[start])}
	}

	dec := json.NewDecoder(bytes.NewReader(buf[start:]))
	var raw json.RawMessage
	err = dec.Decode(&raw)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, &MalformedRequestError{Reason: "invalid JSON", Err: err}
	}
	end := start + int(dec.InputOffset())
	return buf[start:end], end, nil
}

func parseRequest(doc []byte) (SpawnRequest, error) {
	var w wireRequest
	err := json.Unmarshal(doc, &w)
	if err != nil {
		return SpawnRequest{}, &MalformedRequestError{Reason: "decoding spawn request", Err: err}
	}
	if w.ID == nil {
		return SpawnRequest{}, &MalformedRequestError{Reason: `missing field "id"`}
	}
	if w.Path == nil || *w.Path == "" {
		return SpawnRequest{}, &MalformedRequestError{Reason: `missing field "path"`}
	}
	return SpawnRequest{
		ID:   *w.ID,
		Path: *w.Path,
		Args: w.Args,
		Cwd:  w.Cwd,
		Env:  w.Env,
	}, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// RequestReader reads requests from a byte stream, keeping bytes that do not yet form a complete
// document until more arrive.
type RequestReader struct {
	r   io.Reader
	buf []byte
	tmp [readChunk]byte
}

func NewRequestReader(r io.Reader) *RequestReader {
	return &RequestReader{r: r}
}

// Buffered returns the number of bytes read from the stream but not yet consumed.
func (rr *RequestReader) Buffered() int {
	return len(rr.buf)
}

// ReadRequest returns the next request. It returns io.EOF if the stream ended cleanly between
// documents, and io.ErrUnexpectedEOF if it ended inside one.
func (rr *RequestReader) ReadRequest() (SpawnRequest, error) {
	doc, err := rr.readDocument()
	if err != nil {
		return SpawnRequest{}, err
	}
	return parseRequest(doc)
}

// ReadAuth reads the token document that must open a connection when the agent requires one.
func (rr *RequestReader) ReadAuth() (string, error) {
	doc, err := rr.readDocument()
	if err != nil {
		return "", err
	}
	var auth AuthRequest
	err = json.Unmarshal(doc, &auth)
	if err != nil {
		return "", &MalformedRequestError{Reason: "decoding auth request", Err: err}
	}
	return auth.Token, nil
}

func (rr *RequestReader) readDocument() ([]byte, error) {
	for {
		doc, n, err := nextDocument(rr.buf)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			out := make([]byte, len(doc))
			copy(out, doc)
			rr.buf = append(rr.buf[:0], rr.buf[n:]...)
			return out, nil
		}
		if n > 0 {
			rr.buf = append(rr.buf[:0], rr.buf[n:]...)
		}
		if len(rr.buf) >= MaxRequestBytes {
			return nil, &MalformedRequestError{Reason: fmt.Sprintf("request exceeds %d bytes", MaxRequestBytes)}
		}

		m, err := rr.r.Read(rr.tmp[:])
		rr.buf = append(rr.buf, rr.tmp[:m]...)
		if err == io.EOF && m == 0 {
			if len(rr.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		}
		if err != nil && err != io.EOF {
			return nil, err
		}
	}
}
