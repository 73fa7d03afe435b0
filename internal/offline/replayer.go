package offline

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"engage/offline/internal/api"
	"engage/offline/internal/store"
	"engage/offline/internal/syncqueue"
)

// Replayer turns queue entries back into remote API calls.
type Replayer struct {
	remote *api.Client
}

func NewReplayer(remote *api.Client) *Replayer {
	return &Replayer{remote: remote}
}

func (r *Replayer) Replay(ctx context.Context, entry store.QueueEntry) (syncqueue.Outcome, error) {
	route, err := api.RouteFor(entry.EntityType)
	if err != nil {
		return syncqueue.Outcome{}, err
	}

	switch entry.Action {
	case store.ActionCreate:
		path, err := route.Create(entry.ParentID)
		if err != nil {
			return syncqueue.Outcome{}, err
		}
		body, err := patchPayload(entry.Payload, route.ParentParam, entry.ParentID, "")
		if err != nil {
			return syncqueue.Outcome{}, err
		}
		raw, err := r.remote.Do(ctx, http.MethodPost, path, nil, body)
		if err != nil {
			return syncqueue.Outcome{}, err
		}
		return syncqueue.Outcome{ServerID: resultID(raw)}, nil

	case store.ActionUpdate:
		body, err := patchPayload(entry.Payload, route.ParentParam, entry.ParentID, entry.EntityID)
		if err != nil {
			return syncqueue.Outcome{}, err
		}
		_, err = r.remote.Do(ctx, http.MethodPut, route.Item(entry.EntityID), nil, body)
		return syncqueue.Outcome{}, err

	case store.ActionDelete:
		_, err := r.remote.Do(ctx, http.MethodDelete, route.Item(entry.EntityID), nil, nil)
		if api.IsNotFound(err) {
			// Already gone: a replay after a lost response.
			return syncqueue.Outcome{}, nil
		}
		return syncqueue.Outcome{}, err

	default:
		return syncqueue.Outcome{}, fmt.Errorf("unknown action %q", entry.Action)
	}
}

// patchPayload brings a queued body up to date with id remaps that
// happened after it was queued. The local id is dropped from creates.
func patchPayload(payload json.RawMessage, parentField, parentID, id string) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}
	if trimmed[0] != '{' {
		return payload, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("decode queued payload: %w", err)
	}
	if id == "" {
		delete(fields, "id")
	} else {
		fields["id"], _ = json.Marshal(id)
	}
	if parentField != "" && parentID != "" {
		fields[parentField], _ = json.Marshal(parentID)
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode queued payload: %w", err)
	}
	return out, nil
}

// resultID extracts result.id from an envelope; numeric ids are kept in
// their decimal form.
func resultID(raw json.RawMessage) string {
	var env struct {
		Result struct {
			ID json.RawMessage `json:"id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Result.ID) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(env.Result.ID, &id); err == nil {
		return id
	}
	if s := string(bytes.TrimSpace(env.Result.ID)); s != "null" {
		return s
	}
	return ""
}
