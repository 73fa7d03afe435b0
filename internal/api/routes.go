package api

import (
	"fmt"
	"net/url"
	"strings"

	"engage/offline/internal/store"
)

// Route says where an entity type lives on the platform.
type Route struct {
	Collection string
	// ParentParam is the list query parameter that scopes by parent.
	ParentParam string
	// CreateUnder, when set, nests creates below the parent:
	// CreateUnder + "/" + parentID + "/" + CreateSuffix.
	CreateUnder  string
	CreateSuffix string
}

var routes = map[store.EntityType]Route{
	store.EntitySurvey:           {Collection: "/api/surveys", ParentParam: "projectId"},
	store.EntitySurveyResponse:   {Collection: "/api/survey-responses", ParentParam: "surveyId", CreateUnder: "/api/surveys", CreateSuffix: "responses"},
	store.EntityComment:          {Collection: "/api/comments", ParentParam: "sessionId", CreateUnder: "/api/community-sessions", CreateSuffix: "comments"},
	store.EntityFeedback:         {Collection: "/api/feedback", ParentParam: "projectId"},
	store.EntityCommunitySession: {Collection: "/api/community-sessions", ParentParam: "projectId"},
	store.EntityProject:          {Collection: "/api/projects"},
}

func RouteFor(entityType store.EntityType) (Route, error) {
	route, ok := routes[entityType]
	if !ok {
		return Route{}, fmt.Errorf("no route for entity type %q", entityType)
	}
	return route, nil
}

func (r Route) Item(id string) string {
	return r.Collection + "/" + url.PathEscape(id)
}

// Create returns the path a new entity is POSTed to.
func (r Route) Create(parentID string) (string, error) {
	if r.CreateUnder == "" {
		return r.Collection, nil
	}
	if strings.TrimSpace(parentID) == "" {
		return "", fmt.Errorf("create under %s: parent id required", r.CreateUnder)
	}
	return r.CreateUnder + "/" + url.PathEscape(parentID) + "/" + r.CreateSuffix, nil
}

type ListQuery struct {
	Page     int
	Limit    int
	ParentID string
	Status   string
	Search   string
}

func (q ListQuery) values(route Route) url.Values {
	v := url.Values{}
	if q.Page > 0 {
		v.Set("page", fmt.Sprint(q.Page))
	}
	if q.Limit > 0 {
		v.Set("limit", fmt.Sprint(q.Limit))
	}
	if q.ParentID != "" && route.ParentParam != "" {
		v.Set(route.ParentParam, q.ParentID)
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	return v
}
