package app

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"engage/offline/internal/api"
	"engage/offline/internal/offline"
)

// mountEntities mirrors the platform's entity routes on the local gateway.
// Answers carry the platform envelope plus where the data came from.
func (s *HTTPServer) mountEntities(r chi.Router) {
	client := s.service.Client()
	mountResource(r, s, client.Surveys(), func(r chi.Router) {
		r.Post("/{id}/responses", s.handleSubmitAnswers)
	})
	mountResource(r, s, client.SurveyResponses())
	mountResource(r, s, client.Comments())
	mountResource(r, s, client.Feedback())
	mountResource(r, s, client.CommunitySessions(), func(r chi.Router) {
		r.Post("/{id}/comments", s.handleAddComment)
	})
	mountResource(r, s, client.Projects())
}

func mountResource[T api.Entity[T]](r chi.Router, s *HTTPServer, repo *offline.Repository[T], nested ...func(chi.Router)) {
	route, err := api.RouteFor(repo.Kind())
	if err != nil {
		panic(err)
	}
	h := resourceHandler[T]{server: s, repo: repo, route: route}
	r.Route(route.Collection, func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.remove)
		for _, mount := range nested {
			mount(r)
		}
	})
}

type resourceHandler[T api.Entity[T]] struct {
	server *HTTPServer
	repo   *offline.Repository[T]
	route  api.Route
}

func (h resourceHandler[T]) list(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r.URL.Query(), h.route)
	if err != nil {
		h.server.fail(w, r, err)
		return
	}
	res, err := h.repo.List(r.Context(), q)
	if err != nil {
		h.server.fail(w, r, err)
		return
	}
	items := res.Items
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "ok",
		"result":  items,
		"meta":    res.Meta,
		"source":  res.Source,
		"offline": res.Source == offline.SourceCache,
	})
}

func (h resourceHandler[T]) get(w http.ResponseWriter, r *http.Request) {
	res, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.server.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "ok",
		"result":  res.Item,
		"source":  res.Source,
		"offline": res.Source == offline.SourceCache,
	})
}

func (h resourceHandler[T]) create(w http.ResponseWriter, r *http.Request) {
	var item T
	if err := decodeBody(r, &item); err != nil {
		h.server.fail(w, r, err)
		return
	}
	res, err := h.repo.Create(r.Context(), item)
	if err != nil {
		h.server.fail(w, r, err)
		return
	}
	writeWrite(w, http.StatusCreated, "created", res)
}

func (h resourceHandler[T]) update(w http.ResponseWriter, r *http.Request) {
	var item T
	if err := decodeBody(r, &item); err != nil {
		h.server.fail(w, r, err)
		return
	}
	res, err := h.repo.Update(r.Context(), chi.URLParam(r, "id"), item)
	if err != nil {
		h.server.fail(w, r, err)
		return
	}
	writeWrite(w, http.StatusOK, "updated", res)
}

func (h resourceHandler[T]) remove(w http.ResponseWriter, r *http.Request) {
	res, err := h.repo.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.server.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Offline {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"message": "deleted", "offline": res.Offline})
}

func (s *HTTPServer) handleSubmitAnswers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Answers json.RawMessage `json:"answers"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.service.Client().SubmitAnswers(r.Context(), chi.URLParam(r, "id"), body.Answers)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeWrite(w, http.StatusCreated, "created", res)
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.service.Client().AddComment(r.Context(), chi.URLParam(r, "id"), body.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeWrite(w, http.StatusCreated, "created", res)
}

// writeWrite answers a write; queued writes get 202.
func writeWrite[T any](w http.ResponseWriter, status int, message string, res offline.WriteResult[T]) {
	if res.Offline {
		status = http.StatusAccepted
		message = "queued"
	}
	writeJSON(w, status, map[string]any{
		"message": message,
		"result":  res.Item,
		"offline": res.Offline,
	})
}

func listQuery(values url.Values, route api.Route) (api.ListQuery, error) {
	q := api.ListQuery{
		Status: strings.TrimSpace(values.Get("status")),
		Search: strings.TrimSpace(values.Get("search")),
	}
	for _, field := range []struct {
		name   string
		target *int
	}{{"page", &q.Page}, {"limit", &q.Limit}} {
		raw := values.Get(field.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return api.ListQuery{}, domainError(http.StatusBadRequest, "INVALID_QUERY", field.name+" must be a non-negative integer", nil)
		}
		*field.target = n
	}
	if route.ParentParam != "" {
		q.ParentID = strings.TrimSpace(values.Get(route.ParentParam))
	}
	return q, nil
}
