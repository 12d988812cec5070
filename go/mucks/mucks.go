package mucks

import (
	"encoding/json"
	"net/http"
)

type Middleware interface {
	Wrap(handlerFunc http.HandlerFunc) http.HandlerFunc
}

type Mucks struct {
	Mux         *http.ServeMux
	HandlerFunc http.HandlerFunc
}

func NotFoundHandleFunc(w http.ResponseWriter, _ *http.Request) {
	jsonError(w, NewNotFound())
}

func NewMucks() *Mucks {
	m := http.NewServeMux()
	m.HandleFunc("/", NotFoundHandleFunc)
	return &Mucks{
		Mux:         m,
		HandlerFunc: m.ServeHTTP,
	}
}

func (m *Mucks) Add(middleware Middleware) {
	m.HandlerFunc = middleware.Wrap(m.HandlerFunc)
}

func (m *Mucks) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	m.Mux.HandleFunc(pattern, handler)
}

func (m *Mucks) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.HandlerFunc(w, r)
}

const ContentType = "Content-Type"
const ApplicationJsonContentType = "application/json; charset=utf-8"

func jsonError(w http.ResponseWriter, problem Problem) {
	w.Header().Set(ContentType, ApplicationJsonContentType)
	w.WriteHeader(problem.StatusCode)
	json.NewEncoder(w).Encode(problem)
}

// JsonOk writes body as a 200 JSON response.
func JsonOk(w http.ResponseWriter, body any) {
	w.Header().Set(ContentType, ApplicationJsonContentType)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}
