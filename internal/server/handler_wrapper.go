package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/maruel/marketbff/internal/apierr"
	"github.com/maruel/marketbff/internal/server/reqctx"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "path", "query"} {
			name, _, _ := strings.Cut(fld.Tag.Get(tag), ",")
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})
	return v
}

// Wrap wraps a handler function to work as an http.Handler.
// The function must have signature: func(context.Context, In) (*Out, error)
// where In can be unmarshalled from JSON and Out is serialized as JSON.
// Struct inputs are validated with their `validate` tags. Path parameters are
// extracted into fields tagged `path:"name"` and query parameters into fields
// tagged `query:"name"`.
//
// Example:
//
//	type UpdateStatusRequest struct {
//	    ID     string  `path:"id"`
//	    Status *string `json:"status"`
//	}
//
//	func (h *Handler) UpdateStatus(ctx context.Context, req UpdateStatusRequest) (*records.Record, error)
func Wrap[In any, Out any](fn func(context.Context, In) (*Out, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, err := io.ReadAll(r.Body)
		if err2 := r.Body.Close(); err == nil {
			err = err2
		}
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		var input In
		if len(body) > 0 {
			d := json.NewDecoder(bytes.NewReader(body))
			d.UseNumber()
			if err := d.Decode(&input); err != nil {
				slog.WarnContext(ctx, "Failed to decode request body", "err", err)
				writeError(ctx, w, apierr.BadRequest("Invalid request body").Wrap(err))
				return
			}
		}
		populatePathParams(r, &input)
		populateQueryParams(r, &input)
		if err := validateInput(&input); err != nil {
			writeError(ctx, w, err)
			return
		}

		output, err := fn(ctx, input)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		writeJSON(ctx, w, http.StatusOK, output)
	})
}

// validateInput checks struct inputs. Maps and other kinds carry free-form
// data and are accepted as is.
func validateInput(input any) error {
	if reflect.ValueOf(input).Elem().Kind() != reflect.Struct {
		return nil
	}
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apierr.BadRequest("Invalid request").Wrap(err)
	}
	fe := verrs[0]
	if fe.Tag() == "required" {
		return apierr.MissingField(fe.Field()).Wrap(err)
	}
	fields := make(map[string]string, len(verrs))
	for _, e := range verrs {
		fields[e.Field()] = e.Tag()
	}
	return apierr.BadRequest("Invalid field: "+fe.Field()).WithDetail("fields", fields).Wrap(err)
}

// populatePathParams extracts path parameters from the request and populates
// struct fields tagged with `path:"paramName"`.
func populatePathParams(r *http.Request, input any) {
	elem := reflect.ValueOf(input).Elem()
	if elem.Kind() != reflect.Struct {
		return
	}
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("path")
		if tag == "" || field.Type.Kind() != reflect.String {
			continue
		}
		if v := r.PathValue(tag); v != "" {
			elem.Field(i).SetString(v)
		}
	}
}

// populateQueryParams extracts query parameters from the request and populates
// struct fields tagged with `query:"paramName"`.
func populateQueryParams(r *http.Request, input any) {
	elem := reflect.ValueOf(input).Elem()
	if elem.Kind() != reflect.Struct {
		return
	}
	query := r.URL.Query()
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("query")
		if tag == "" {
			continue
		}
		v := query.Get(tag)
		if v == "" {
			continue
		}
		//nolint:exhaustive // Only string and int are supported for query params.
		switch field.Type.Kind() {
		case reflect.String:
			elem.Field(i).SetString(v)
		case reflect.Int:
			if n, err := strconv.Atoi(v); err == nil {
				elem.Field(i).SetInt(int64(n))
			}
		default:
		}
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "Failed to encode response", "err", err)
	}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Message   string         `json:"message"`
	Error     apierr.Code    `json:"error"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// writeError maps err to its status and writes the error body. Server side
// failures are logged with their cause, which is not sent to the client.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	ews := apierr.FromError(err)
	msg := ews.Error()
	if m, ok := ews.(interface{ Message() string }); ok {
		msg = m.Message()
	}
	status := ews.StatusCode()
	if status >= http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
		slog.ErrorContext(ctx, "Handler error", "err", err, "status", status, "code", ews.Code())
	} else {
		slog.InfoContext(ctx, "Request refused", "err", err, "status", status, "code", ews.Code())
	}
	writeJSON(ctx, w, status, errorResponse{
		Message:   msg,
		Error:     ews.Code(),
		Details:   ews.Details(),
		RequestID: reqctx.RequestID(ctx),
	})
}
