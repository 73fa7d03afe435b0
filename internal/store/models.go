package store

import (
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

type EntityType string

const (
	EntitySurveyResponse   EntityType = "surveyResponse"
	EntityComment          EntityType = "comment"
	EntityFeedback         EntityType = "feedback"
	EntitySurvey           EntityType = "survey"
	EntityCommunitySession EntityType = "communitySession"
	EntityProject          EntityType = "project"
)

var EntityTypes = []EntityType{
	EntitySurveyResponse,
	EntityComment,
	EntityFeedback,
	EntitySurvey,
	EntityCommunitySession,
	EntityProject,
}

func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// QueueEntry is one mutation waiting to be replayed against the remote API.
type QueueEntry struct {
	ID          string          `json:"id"`
	Seq         uint64          `json:"seq"`
	EntityType  EntityType      `json:"entityType"`
	EntityID    string          `json:"entityId"`
	ParentID    string          `json:"parentId,omitempty"`
	Action      Action          `json:"action"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RetryCount  int             `json:"retryCount"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastAttempt *time.Time      `json:"lastAttempt,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// RepeatedlyFailing reports whether the entry has failed at least threshold times.
func (e QueueEntry) RepeatedlyFailing(threshold int) bool {
	return threshold > 0 && e.RetryCount >= threshold
}

type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
)

// Record is one cached entity row. Data holds the entity as the remote API
// returns it; the other fields are the columns local reads filter on.
type Record struct {
	Type       EntityType      `json:"type"`
	ID         string          `json:"id"`
	OwnerID    string          `json:"ownerId,omitempty"`
	ParentID   string          `json:"parentId,omitempty"`
	Status     string          `json:"status,omitempty"`
	Text       string          `json:"text,omitempty"`
	Data       json.RawMessage `json:"data"`
	SyncStatus SyncStatus      `json:"syncStatus"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type Filter struct {
	OwnerID  string
	ParentID string
	Status   string
	Search   string
}

func (f Filter) Match(r Record) bool {
	if f.OwnerID != "" && r.OwnerID != f.OwnerID {
		return false
	}
	if f.ParentID != "" && r.ParentID != f.ParentID {
		return false
	}
	if f.Status != "" && !strings.EqualFold(r.Status, f.Status) {
		return false
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		if !strings.Contains(strings.ToLower(r.Text), strings.ToLower(search)) {
			return false
		}
	}
	return true
}

// SortRecords orders newest first, ties broken by id.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}

// survivesReplace reports whether a cached row is kept when ownerID's fresh
// list replaces the cached set: only the owner's unsynced local edits stay.
func survivesReplace(r Record, ownerID string) bool {
	return r.OwnerID == ownerID && r.SyncStatus == SyncStatusPending
}

func filterMatching(records []Record, filter Filter) []Record {
	out := make([]Record, 0, len(records))
	for _, record := range records {
		if filter.Match(record) {
			out = append(out, record)
		}
	}
	SortRecords(out)
	return out
}
