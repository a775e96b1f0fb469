package model

import (
	"encoding/json"
	"time"
)

// Session is one continuous period of app usage.
//
// Key is unique per session lifecycle; ID is the client-supplied session id,
// which is retired once the session ends and starts a new Session if reused.
type Session struct {
	Key            string     `json:"key"`
	ID             string     `json:"session_id"`
	UserID         string     `json:"user_id"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Activities     []Activity `json:"activities"`
}

// Ended reports whether the session has been terminated.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// Activity is one tracked user action. Immutable once recorded.
type Activity struct {
	URL       string            `json:"url"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  *ActivityMetadata `json:"metadata,omitempty"`
}

// Action is a named step accumulated by the client within one activity.
type Action struct {
	Name      string     `json:"name"`
	Target    string     `json:"target,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ActivityMetadata carries the known metadata fields plus every other key verbatim.
type ActivityMetadata struct {
	Actions    []Action `json:"actions,omitempty"`
	Referrer   string   `json:"referrer,omitempty"`
	UserAgent  string   `json:"user_agent,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`

	Additional map[string]json.RawMessage `json:"-"`
}

var knownMetadataKeys = []string{"actions", "referrer", "user_agent", "duration_ms"}

// activityMetadataFields has the same fields as ActivityMetadata without its JSON methods.
type activityMetadataFields ActivityMetadata

// MarshalJSON flattens Additional next to the known fields. Known fields win on collision.
func (m ActivityMetadata) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(activityMetadataFields(m))
	if err != nil {
		return nil, err
	}
	if len(m.Additional) == 0 {
		return known, nil
	}

	out := make(map[string]json.RawMessage, len(m.Additional)+len(knownMetadataKeys))
	for k, v := range m.Additional {
		out[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON fills the known fields and keeps all other keys in Additional.
func (m *ActivityMetadata) UnmarshalJSON(data []byte) error {
	var fields activityMetadataFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownMetadataKeys {
		delete(all, k)
	}

	*m = ActivityMetadata(fields)
	if len(all) > 0 {
		m.Additional = all
	}
	return nil
}

// RouteCount is a visit count for one URL.
type RouteCount struct {
	URL   string `json:"url"`
	Count int    `json:"count"`
}

// ActivityStats aggregates a user's sessions.
type ActivityStats struct {
	UserID          string       `json:"user_id"`
	TotalSessions   int          `json:"total_sessions"`
	ActiveSessions  int          `json:"active_sessions"`
	TotalActivities int          `json:"total_activities"`
	TotalActions    int          `json:"total_actions"`
	TopRoutes       []RouteCount `json:"top_routes"`
	FirstSeen       *time.Time   `json:"first_seen,omitempty"`
	LastSeen        *time.Time   `json:"last_seen,omitempty"`
}

// TrackActivityRequest is the body of an activity tracking call.
type TrackActivityRequest struct {
	SessionID string            `json:"session_id,omitempty"`
	URL       string            `json:"url"`
	Metadata  *ActivityMetadata `json:"metadata,omitempty"`
}

// TrackActivityResponse returns the session the activity was recorded against.
type TrackActivityResponse struct {
	SessionID string `json:"session_id"`
}

// ListSessionsResponse is the response for listing a user's sessions.
type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

// ListActivitiesResponse is the response for listing a session's activities.
type ListActivitiesResponse struct {
	SessionID  string     `json:"session_id"`
	Activities []Activity `json:"activities"`
}
