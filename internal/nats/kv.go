package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/soilscope/advisory-platform/internal/activity"
	"github.com/soilscope/advisory-platform/internal/model"
)

// SessionBucket is the KV bucket holding activity sessions.
const SessionBucket = "activity_sessions"

// maxIndexRetries bounds compare-and-set attempts on a user index.
const maxIndexRetries = 3

// kvHeadroom is reserved below the server max payload for message headers.
const kvHeadroom = 4 << 10

// errCodeWrongLastSequence is the JetStream API error for a failed revision check.
const errCodeWrongLastSequence jetstream.ErrorCode = 10071

// kvBucket is the subset of jetstream.KeyValue used by KVStorage.
type kvBucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}

// KVStorage stores activity sessions in a JetStream key-value bucket so that
// several API instances share one view of each session.
type KVStorage struct {
	kv kvBucket

	// maxValueBytes bounds an encoded session; 0 means unbounded.
	maxValueBytes int
}

var _ activity.Storage = (*KVStorage)(nil)

// NewKVStorage opens the session bucket, creating it on first use.
func NewKVStorage(ctx context.Context, client *Client) (*KVStorage, error) {
	js := client.JetStream()

	kv, err := js.KeyValue(ctx, SessionBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      SessionBucket,
			Description: "Activity sessions and their indexes",
			History:     1,
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open session bucket: %w", err)
	}

	return &KVStorage{
		kv:            kv,
		maxValueBytes: int(client.MaxPayload()) - kvHeadroom,
	}, nil
}

func sessionKey(key string) string {
	return "session." + key
}

// Client ids and user ids are arbitrary strings; KV keys are not.
func latestKey(userID, sessionID string) string {
	return "latest." + encodeToken(userID) + "." + encodeToken(sessionID)
}

func userKey(userID string) string {
	return "user." + encodeToken(userID)
}

func encodeToken(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// LoadSession returns the session under key, or nil.
func (s *KVStorage) LoadSession(ctx context.Context, key string) (*model.Session, error) {
	entry, err := s.kv.Get(ctx, sessionKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess model.Session
	if err := json.Unmarshal(entry.Value(), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

// SaveSession writes the session under its key. A session that would not fit
// in one message returns activity.ErrSessionFull.
func (s *KVStorage) SaveSession(ctx context.Context, sess *model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if s.maxValueBytes > 0 && len(data) > s.maxValueBytes {
		return activity.ErrSessionFull
	}
	if _, err := s.kv.Put(ctx, sessionKey(sess.Key), data); err != nil {
		return fmt.Errorf("failed to put session: %w", err)
	}
	return nil
}

// LatestKey returns the newest key of userID's sessions under sessionID, or "".
func (s *KVStorage) LatestKey(ctx context.Context, userID, sessionID string) (string, error) {
	entry, err := s.kv.Get(ctx, latestKey(userID, sessionID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest session: %w", err)
	}
	return string(entry.Value()), nil
}

// SetLatestKey points userID's sessionID at key.
func (s *KVStorage) SetLatestKey(ctx context.Context, userID, sessionID, key string) error {
	if _, err := s.kv.Put(ctx, latestKey(userID, sessionID), []byte(key)); err != nil {
		return fmt.Errorf("failed to put latest session: %w", err)
	}
	return nil
}

// UserSessionKeys returns every session key indexed for userID.
func (s *KVStorage) UserSessionKeys(ctx context.Context, userID string) ([]string, error) {
	keys, _, err := s.userIndex(ctx, userID)
	return keys, err
}

// AddUserSessionKey appends key to userID's index with a revision check,
// retrying when another instance updated the index first.
func (s *KVStorage) AddUserSessionKey(ctx context.Context, userID, key string) error {
	for attempt := 0; attempt < maxIndexRetries; attempt++ {
		keys, revision, err := s.userIndex(ctx, userID)
		if err != nil {
			return err
		}

		data, err := json.Marshal(append(keys, key))
		if err != nil {
			return fmt.Errorf("failed to encode user index: %w", err)
		}

		if revision == 0 {
			_, err = s.kv.Create(ctx, userKey(userID), data)
		} else {
			_, err = s.kv.Update(ctx, userKey(userID), data, revision)
		}
		if err == nil {
			return nil
		}
		if !isRevisionConflict(err) {
			return fmt.Errorf("failed to write user index: %w", err)
		}
	}
	return fmt.Errorf("failed to write user index for %s: too many concurrent updates", userID)
}

func (s *KVStorage) userIndex(ctx context.Context, userID string) ([]string, uint64, error) {
	entry, err := s.kv.Get(ctx, userKey(userID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get user index: %w", err)
	}

	var keys []string
	if err := json.Unmarshal(entry.Value(), &keys); err != nil {
		return nil, 0, fmt.Errorf("failed to decode user index: %w", err)
	}
	return keys, entry.Revision(), nil
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeWrongLastSequence
}
