package jsonapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// WriteDocument writes doc with the JSON:API content type.
func WriteDocument(w http.ResponseWriter, status int, doc Document) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(doc)
}

// WriteResource writes a single resource.
func WriteResource(w http.ResponseWriter, status int, r Resource) {
	WriteDocument(w, status, NewDocument().Data(r).Build())
}

// WriteCollection writes resources with optional pagination.
func WriteCollection(w http.ResponseWriter, resources []Resource, p *Page) {
	if resources == nil {
		resources = []Resource{}
	}
	WriteDocument(w, http.StatusOK, NewDocument().Data(resources).Page(p).Build())
}

// WriteCreated writes a 201 with a Location header.
func WriteCreated(w http.ResponseWriter, r Resource, location string) {
	if location != "" {
		w.Header().Set("Location", location)
	}
	WriteResource(w, http.StatusCreated, r)
}

// WriteError writes one or more errors. The HTTP status is the first
// error's status.
func WriteError(w http.ResponseWriter, errs ...Error) {
	if len(errs) == 0 {
		errs = []Error{ErrInternal("")}
	}
	status := errs[0].StatusCode()
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteDocument(w, status, NewDocument().Errors(errs...).Build())
}

// WriteMethodNotAllowed writes a 405 and sets the Allow header.
func WriteMethodNotAllowed(w http.ResponseWriter, method string, allowed []string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	WriteError(w, ErrMethodNotAllowed(method, allowed))
}

// ErrWrongType is returned by DecodeResource for a mismatched resource type.
var ErrWrongType = errors.New("unexpected resource type")

// maxBody caps request bodies.
const maxBody = 1 << 20

// AcceptsContentType reports whether a request content type can be decoded.
// Empty, application/json and the JSON:API media type are accepted.
func AcceptsContentType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == ContentType || mt == "application/json"
}

// DecodeResource reads {"data": {...}} and unmarshals the attributes into
// dst. An empty wantType accepts any type.
func DecodeResource(r io.Reader, wantType string, dst any) (InboundResource, error) {
	var body struct {
		Data *InboundResource `json:"data"`
	}
	dec := json.NewDecoder(io.LimitReader(r, maxBody))
	if err := dec.Decode(&body); err != nil {
		return InboundResource{}, fmt.Errorf("decode body: %w", err)
	}
	if body.Data == nil {
		return InboundResource{}, errors.New("body must contain a data member")
	}
	res := *body.Data
	if wantType != "" && res.Type != wantType {
		return res, fmt.Errorf("%w: got %q, want %q", ErrWrongType, res.Type, wantType)
	}
	if len(res.Attributes) > 0 && dst != nil {
		if err := json.Unmarshal(res.Attributes, dst); err != nil {
			return res, fmt.Errorf("decode attributes: %w", err)
		}
	}
	return res, nil
}

// DecodeCollection reads {"data": [...]} and returns the resources in order.
func DecodeCollection(r io.Reader, wantType string) ([]InboundResource, error) {
	var body struct {
		Data []InboundResource `json:"data"`
	}
	dec := json.NewDecoder(io.LimitReader(r, maxBody))
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	for i, res := range body.Data {
		if wantType != "" && res.Type != wantType {
			return nil, fmt.Errorf("%w at data[%d]: got %q, want %q", ErrWrongType, i, res.Type, wantType)
		}
	}
	return body.Data, nil
}
