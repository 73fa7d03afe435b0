package api

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Envelope is the response body shape of every platform endpoint.
type Envelope[T any] struct {
	Message string `json:"message,omitempty"`
	Result  T      `json:"result"`
	Meta    *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
	Limit      int `json:"limit"`
}

// NewMeta computes pagination metadata for total items split into pages of
// limit.
func NewMeta(total, page, limit int) Meta {
	pages := 0
	if limit > 0 {
		pages = total / limit
		if total%limit != 0 {
			pages++
		}
	}
	return Meta{Total: total, Page: page, TotalPages: pages, Limit: limit}
}

type Page[T any] struct {
	Items   []T
	Meta    Meta
	Message string
}

// Index is what the local cache needs to know about an entity to filter
// and sort it without decoding the payload.
type Index struct {
	ID        string
	ParentID  string
	OwnerID   string
	Status    string
	Text      string
	CreatedAt time.Time
}

// Entity is implemented by every platform resource type. Stamp returns a
// copy carrying id, and at as its creation time when none is set.
type Entity[T any] interface {
	Index() Index
	Stamp(id string, at time.Time) T
}

func stampTime(current, at time.Time) time.Time {
	if current.IsZero() {
		return at
	}
	return current
}

func joinText(parts ...string) string {
	return strings.TrimSpace(strings.Join(parts, " "))
}

type Survey struct {
	ID          string          `json:"id,omitempty"`
	ProjectID   string          `json:"projectId,omitempty"`
	Title       string          `json:"title" validate:"notblank,max=200"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status,omitempty" validate:"omitempty,oneof=draft active closed"`
	Questions   json.RawMessage `json:"questions,omitempty"`
	CreatedBy   string          `json:"createdBy,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (s Survey) Index() Index {
	return Index{ID: s.ID, ParentID: s.ProjectID, OwnerID: s.CreatedBy, Status: s.Status, Text: joinText(s.Title, s.Description), CreatedAt: s.CreatedAt}
}

func (s Survey) Stamp(id string, at time.Time) Survey {
	s.ID = id
	s.CreatedAt = stampTime(s.CreatedAt, at)
	return s
}

type SurveyResponse struct {
	ID        string          `json:"id,omitempty"`
	SurveyID  string          `json:"surveyId" validate:"required"`
	UserID    string          `json:"userId,omitempty"`
	Answers   json.RawMessage `json:"answers" validate:"required"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (r SurveyResponse) Index() Index {
	return Index{ID: r.ID, ParentID: r.SurveyID, OwnerID: r.UserID, CreatedAt: r.CreatedAt}
}

func (r SurveyResponse) Stamp(id string, at time.Time) SurveyResponse {
	r.ID = id
	r.CreatedAt = stampTime(r.CreatedAt, at)
	return r
}

type Comment struct {
	ID        string    `json:"id,omitempty"`
	SessionID string    `json:"sessionId" validate:"required"`
	UserID    string    `json:"userId,omitempty"`
	Content   string    `json:"content" validate:"notblank,max=5000"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c Comment) Index() Index {
	return Index{ID: c.ID, ParentID: c.SessionID, OwnerID: c.UserID, Text: c.Content, CreatedAt: c.CreatedAt}
}

func (c Comment) Stamp(id string, at time.Time) Comment {
	c.ID = id
	c.CreatedAt = stampTime(c.CreatedAt, at)
	return c
}

type Feedback struct {
	ID        string    `json:"id,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Category  string    `json:"category,omitempty"`
	Content   string    `json:"content" validate:"notblank,max=5000"`
	Status    string    `json:"status,omitempty" validate:"omitempty,oneof=new reviewed resolved"`
	Rating    int       `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
	CreatedAt time.Time `json:"createdAt"`
}

func (f Feedback) Index() Index {
	return Index{ID: f.ID, ParentID: f.ProjectID, OwnerID: f.UserID, Status: f.Status, Text: joinText(f.Category, f.Content), CreatedAt: f.CreatedAt}
}

func (f Feedback) Stamp(id string, at time.Time) Feedback {
	f.ID = id
	f.CreatedAt = stampTime(f.CreatedAt, at)
	return f
}

type CommunitySession struct {
	ID          string    `json:"id,omitempty"`
	ProjectID   string    `json:"projectId,omitempty"`
	Title       string    `json:"title" validate:"notblank,max=200"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty" validate:"omitempty,oneof=scheduled live ended"`
	StartsAt    time.Time `json:"startsAt"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s CommunitySession) Index() Index {
	return Index{ID: s.ID, ParentID: s.ProjectID, OwnerID: s.CreatedBy, Status: s.Status, Text: joinText(s.Title, s.Description), CreatedAt: s.CreatedAt}
}

func (s CommunitySession) Stamp(id string, at time.Time) CommunitySession {
	s.ID = id
	s.CreatedAt = stampTime(s.CreatedAt, at)
	return s
}

type Project struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name" validate:"notblank,max=200"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty" validate:"omitempty,oneof=active archived"`
	OwnerID     string    `json:"ownerId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (p Project) Index() Index {
	return Index{ID: p.ID, OwnerID: p.OwnerID, Status: p.Status, Text: joinText(p.Name, p.Description), CreatedAt: p.CreatedAt}
}

func (p Project) Stamp(id string, at time.Time) Project {
	p.ID = id
	p.CreatedAt = stampTime(p.CreatedAt, at)
	return p
}
