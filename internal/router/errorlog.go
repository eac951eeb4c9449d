package router

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mixaill76/auto_ai_gateway/internal/security"
)

// maxCapturedBody bounds how much of a response is kept for the error log.
const maxCapturedBody = 64 * 1024

// errorLog appends failed API exchanges to a JSON lines file.
type errorLog struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func newErrorLog(path string) *errorLog {
	if path == "" {
		return nil
	}
	return &errorLog{path: path}
}

func (l *errorLog) write(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		l.file = f
	}
	_, err := l.file.Write(append(line, '\n'))
	return err
}

func (l *errorLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// responseCapture records the status and the head of the body written
// through it.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func newResponseCapture(w http.ResponseWriter) *responseCapture {
	return &responseCapture{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

func (rc *responseCapture) WriteHeader(statusCode int) {
	rc.statusCode = statusCode
	rc.ResponseWriter.WriteHeader(statusCode)
}

func (rc *responseCapture) Write(p []byte) (int, error) {
	if room := maxCapturedBody - rc.body.Len(); room > 0 {
		rc.body.Write(p[:min(len(p), room)])
	}
	return rc.ResponseWriter.Write(p)
}

func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// ErrorLogEntry is one line of the error log.
type ErrorLogEntry struct {
	Timestamp string       `json:"timestamp"`
	Path      string       `json:"path"`
	Method    string       `json:"method"`
	Status    int          `json:"status"`
	Stream    bool         `json:"stream"`
	Request   RequestInfo  `json:"request"`
	Response  ResponseInfo `json:"response"`
}

type RequestInfo struct {
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type ResponseInfo struct {
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// record appends the exchange when rc captured an error status.
func (l *errorLog) record(req *http.Request, rc *responseCapture, requestBody []byte) error {
	if l == nil || !isErrorStatus(rc.statusCode) {
		return nil
	}

	entry := ErrorLogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      req.URL.Path,
		Method:    req.Method,
		Status:    rc.statusCode,
		Stream:    gjson.GetBytes(requestBody, "stream").Bool(),
		Request: RequestInfo{
			Headers: firstValues(security.MaskSensitiveHeaders(req.Header)),
			Body:    string(requestBody),
		},
		Response: ResponseInfo{
			Headers: firstValues(rc.Header()),
			Body:    rc.body.String(),
		},
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return l.write(line)
}

func firstValues(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

func isErrorStatus(statusCode int) bool {
	return statusCode >= 400
}

// captureRequestBody reads the body and puts an identical reader back.
func captureRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return []byte{}, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
