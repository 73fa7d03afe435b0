// Package offline serves platform entities whether or not the remote is
// reachable: reads fall back to the local cache and writes that cannot
// reach the remote are queued for replay.
package offline

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"engage/offline/internal/api"
	"engage/offline/internal/netstatus"
	"engage/offline/internal/store"
	"engage/offline/internal/syncqueue"
)

type Options struct {
	UserID string
	Now    func() time.Time
	NewID  func() string
}

type Client struct {
	remote  *api.Client
	store   store.Store
	queue   *syncqueue.Service
	network netstatus.Source
	now     func() time.Time
	newID   func() string

	mu     sync.RWMutex
	userID string

	surveys   *Repository[api.Survey]
	responses *Repository[api.SurveyResponse]
	comments  *Repository[api.Comment]
	feedback  *Repository[api.Feedback]
	sessions  *Repository[api.CommunitySession]
	projects  *Repository[api.Project]
}

func New(remote *api.Client, st store.Store, queue *syncqueue.Service, network netstatus.Source, opts Options) *Client {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	c := &Client{
		remote:  remote,
		store:   st,
		queue:   queue,
		network: network,
		now:     opts.Now,
		newID:   opts.NewID,
		userID:  opts.UserID,
	}
	c.surveys = newRepository(c, remote.Surveys())
	c.responses = newRepository(c, remote.SurveyResponses())
	c.comments = newRepository(c, remote.Comments())
	c.feedback = newRepository(c, remote.Feedback())
	c.sessions = newRepository(c, remote.CommunitySessions())
	c.projects = newRepository(c, remote.Projects())
	return c
}

func (c *Client) Surveys() *Repository[api.Survey]                     { return c.surveys }
func (c *Client) SurveyResponses() *Repository[api.SurveyResponse]     { return c.responses }
func (c *Client) Comments() *Repository[api.Comment]                   { return c.comments }
func (c *Client) Feedback() *Repository[api.Feedback]                  { return c.feedback }
func (c *Client) CommunitySessions() *Repository[api.CommunitySession] { return c.sessions }
func (c *Client) Projects() *Repository[api.Project]                   { return c.projects }

// SwitchUser changes the owner used to scope cached rows. The previous
// user's synced rows are dropped on the next list refresh of each type.
func (c *Client) SwitchUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) Online() bool {
	return c.network.Online()
}

// SubmitAnswers records a response to a survey.
func (c *Client) SubmitAnswers(ctx context.Context, surveyID string, answers json.RawMessage) (WriteResult[api.SurveyResponse], error) {
	return c.responses.Create(ctx, api.SurveyResponse{SurveyID: surveyID, UserID: c.UserID(), Answers: answers})
}

// AddComment posts a comment to a community session.
func (c *Client) AddComment(ctx context.Context, sessionID, content string) (WriteResult[api.Comment], error) {
	return c.comments.Create(ctx, api.Comment{SessionID: sessionID, UserID: c.UserID(), Content: content})
}
