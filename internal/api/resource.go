package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"engage/offline/internal/store"
)

// Resource is the typed CRUD surface of one entity type.
type Resource[T Entity[T]] struct {
	client *Client
	kind   store.EntityType
	route  Route
}

func NewResource[T Entity[T]](client *Client, kind store.EntityType) *Resource[T] {
	route, err := RouteFor(kind)
	if err != nil {
		panic(err)
	}
	return &Resource[T]{client: client, kind: kind, route: route}
}

func (r *Resource[T]) Kind() store.EntityType {
	return r.kind
}

func (r *Resource[T]) List(ctx context.Context, q ListQuery) (Page[T], error) {
	raw, err := r.client.Do(ctx, http.MethodGet, r.route.Collection, q.values(r.route), nil)
	if err != nil {
		return Page[T]{}, err
	}
	env, err := decodeEnvelope[[]T](raw)
	if err != nil {
		return Page[T]{}, fmt.Errorf("list %s: %w", r.kind, err)
	}
	page := Page[T]{Items: env.Result, Message: env.Message}
	if env.Meta != nil {
		page.Meta = *env.Meta
	} else {
		page.Meta = NewMeta(len(env.Result), 1, len(env.Result))
	}
	return page, nil
}

func (r *Resource[T]) Get(ctx context.Context, id string) (T, error) {
	return r.one(ctx, http.MethodGet, r.route.Item(id), nil)
}

func (r *Resource[T]) Create(ctx context.Context, item T) (T, error) {
	var zero T
	if err := r.client.Validate(item); err != nil {
		return zero, err
	}
	path, err := r.route.Create(item.Index().ParentID)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return r.one(ctx, http.MethodPost, path, item)
}

func (r *Resource[T]) Update(ctx context.Context, id string, item T) (T, error) {
	var zero T
	if err := r.client.Validate(item); err != nil {
		return zero, err
	}
	return r.one(ctx, http.MethodPut, r.route.Item(id), item)
}

func (r *Resource[T]) Remove(ctx context.Context, id string) error {
	_, err := r.client.Do(ctx, http.MethodDelete, r.route.Item(id), nil, nil)
	return err
}

func (r *Resource[T]) one(ctx context.Context, method, path string, body any) (T, error) {
	var zero T
	raw, err := r.client.Do(ctx, method, path, nil, body)
	if err != nil {
		return zero, err
	}
	env, err := decodeEnvelope[T](raw)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", method, r.kind, err)
	}
	return env.Result, nil
}

func (c *Client) Surveys() *Resource[Survey] {
	return NewResource[Survey](c, store.EntitySurvey)
}

func (c *Client) SurveyResponses() *Resource[SurveyResponse] {
	return NewResource[SurveyResponse](c, store.EntitySurveyResponse)
}

func (c *Client) Comments() *Resource[Comment] {
	return NewResource[Comment](c, store.EntityComment)
}

func (c *Client) Feedback() *Resource[Feedback] {
	return NewResource[Feedback](c, store.EntityFeedback)
}

func (c *Client) CommunitySessions() *Resource[CommunitySession] {
	return NewResource[CommunitySession](c, store.EntityCommunitySession)
}

func (c *Client) Projects() *Resource[Project] {
	return NewResource[Project](c, store.EntityProject)
}

// SubmitAnswers records a response to a survey.
func (c *Client) SubmitAnswers(ctx context.Context, surveyID string, answers json.RawMessage) (SurveyResponse, error) {
	return c.SurveyResponses().Create(ctx, SurveyResponse{SurveyID: surveyID, Answers: answers})
}

// AddComment posts a comment to a community session.
func (c *Client) AddComment(ctx context.Context, sessionID, content string) (Comment, error) {
	return c.Comments().Create(ctx, Comment{SessionID: sessionID, Content: content})
}
