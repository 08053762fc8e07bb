package wallet

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/store"
)

const maxBody = 1 << 20

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Success    bool                `json:"success"`
	Data       interface{}         `json:"data,omitempty"`
	Error      string              `json:"error,omitempty"`
	Message    string              `json:"message,omitempty"`
	Fields     map[string]string   `json:"fields,omitempty"`
	Limit      *apperr.LimitDetail `json:"limit,omitempty"`
	Pagination *Pagination         `json:"pagination,omitempty"`
}

// Pagination of a list response.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

func writeJSON(rw http.ResponseWriter, status int, res Response) {
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(&res)
}

func ok(rw http.ResponseWriter, status int, data interface{}) {
	writeJSON(rw, status, Response{Success: true, Data: data})
}

func page(rw http.ResponseWriter, data interface{}, p store.Page, total int) {
	writeJSON(rw, http.StatusOK, Response{Success: true, Data: data, Pagination: &Pagination{
		Page:       p.Page,
		Limit:      p.Limit,
		Total:      total,
		TotalPages: (total + p.Limit - 1) / p.Limit,
	}})
}

// fail replies err. Errors without a kind are logged and answered as a generic internal error.
func (w *Wallet) fail(rw http.ResponseWriter, r *http.Request, err error) {
	e, isApp := apperr.As(err)
	if !isApp || e.Kind == apperr.Internal {
		w.log.Error("request failed", zap.String("method", r.Method), zap.String("uri", r.RequestURI),
			zap.Error(err))
		writeJSON(rw, http.StatusInternalServerError, Response{Error: string(apperr.Internal),
			Message: "internal error"})

		return
	}

	if e.Kind == apperr.Upstream {
		w.log.Warn("upstream failure", zap.String("uri", r.RequestURI), zap.Error(err))
	}

	writeJSON(rw, apperr.HTTPStatus(e.Kind), Response{
		Error:   string(e.Kind),
		Message: e.Message,
		Fields:  e.Fields,
		Limit:   e.Limit,
	})
}

var errBody = apperr.New(apperr.Validation, "malformed JSON body")

// decode reads the JSON body of r into v.
func decode(rw http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.Validation, "request body required")
		}

		return errBody
	}

	return nil
}

// pageOf reads the page and limit query parameters.
func pageOf(r *http.Request) (store.Page, error) {
	var p store.Page

	for _, q := range []struct {
		name string
		dst  *int
	}{{"page", &p.Page}, {"limit", &p.Limit}} {
		v := r.URL.Query().Get(q.name)
		if v == "" {
			continue
		}

		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, apperr.Invalid(q.name, "must be a positive integer")
		}

		*q.dst = n
	}

	return p.Normalize(), nil
}
