package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/mitchellh/mapstructure"
)

type ContextKey string

const (
	RequestIDCtxKey ContextKey = "RequestID"
	LogEntryCtxKey  ContextKey = "LogEntry"
)

// maxBodyBytes bounds management request bodies.
const maxBodyBytes = 1 << 20

// ErrUnsupportedMediaType is returned by Bind for bodies that are neither JSON nor form-encoded.
var ErrUnsupportedMediaType = errors.New("unsupported content type")

// RequestID returns the id assigned by the RequestID middleware, if any.
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(RequestIDCtxKey).(string)
	return id
}

// IsForm reports whether the request body is application/x-www-form-urlencoded.
func IsForm(r *http.Request) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "application/x-www-form-urlencoded"
}

// Bind decodes a JSON or form-encoded request body into dst. Fields are matched by their
// `json` tags and scalar values are converted weakly, so {"message": 3} binds to a string
// field. For repeated form keys the first value wins.
func Bind(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("empty request body")
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)

	var input interface{}
	if IsForm(r) {
		if err := r.ParseForm(); err != nil {
			return fmt.Errorf("invalid form body: %w", err)
		}
		values := make(map[string]interface{}, len(r.PostForm))
		for key := range r.PostForm {
			values[key] = r.PostForm.Get(key)
		}
		input = values
	} else {
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType != "" && mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json") {
			return fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)
		}
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			return fmt.Errorf("invalid JSON body: %w", err)
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           dst,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}

// BindOrError decodes the request body into dst. If decoding fails, it responds with a
// 400 Bad Request (415 for unknown content types) error.
func BindOrError(r *http.Request, w http.ResponseWriter, dst interface{}) error {
	if err := Bind(r, dst); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrUnsupportedMediaType) {
			code = http.StatusUnsupportedMediaType
		}
		Error(w, code, err.Error())
		return err
	}
	return nil
}

// JSON writes a JSON response with the given status code and data.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// Text writes a plain text response with the given status code and text content.
func Text(w http.ResponseWriter, statusCode int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := w.Write([]byte(text)); err != nil {
		http.Error(w, "Failed to write response", http.StatusInternalServerError)
	}
}

// HTML writes an HTML response with the given status code and HTML content.
func HTML(w http.ResponseWriter, statusCode int, html []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := w.Write(html); err != nil {
		http.Error(w, "Failed to write response", http.StatusInternalServerError)
	}
}

// SuccessResponse is the body of every successful management call.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// OK sends {"success": true}.
func OK(w http.ResponseWriter) {
	JSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// ErrorResponse represents a structured error response.
type ErrorResponse struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
	Success bool   `json:"success"`
}

// Error sends a JSON response with an error code and message.
func Error(w http.ResponseWriter, statusCode int, message string) {
	JSON(w, statusCode, ErrorResponse{
		Code:    statusCode,
		Message: message,
	})
}
