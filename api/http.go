package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// MaxBodySize bounds every JSON request body.
const MaxBodySize = 1 << 20

// WriteJSON encodes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteProblem reports err as a Problem document, with the HTTP status of
// its kind.
func WriteProblem(w http.ResponseWriter, log *slog.Logger, err error) {
	kind := interfaces.KindOf(err)
	if kind == interfaces.KindUnknown {
		kind = interfaces.KindOperationFailed
	}
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "err", err, slog.String("kind", kind.String()))
	} else {
		log.Debug("Request rejected", "err", err, slog.String("kind", kind.String()))
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(interfaces.Describe(err))
}

// DecodeJSON reads a JSON body into v. Unknown fields and trailing data are
// rejected.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if interfaces.KindOf(err) != interfaces.KindUnknown {
			return err
		}
		return interfaces.Errorf(interfaces.KindMalformedRequest, "decoding body: %v", err)
	}
	if dec.More() {
		return interfaces.Errorf(interfaces.KindMalformedRequest, "trailing data after body")
	}
	return nil
}

// PathAddress parses the named URL parameter as an address.
func PathAddress(r *http.Request, name string) (interfaces.Address, error) {
	return interfaces.NewAddressFromHex(chi.URLParam(r, name))
}

// QueryAddress parses the named query parameter as an address.
func QueryAddress(r *http.Request, name string) (interfaces.Address, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return interfaces.Address{}, interfaces.Errorf(interfaces.KindMalformedRequest, "missing query parameter %s", name)
	}
	return interfaces.NewAddressFromHex(value)
}
