package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const conversationsCollection = "conversations"

// MongoStore implements ConversationRepository on MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

type conversationDoc struct {
	ID        string    `bson:"_id"`
	OwnerID   string    `bson:"owner_id"`
	ExpertID  *string   `bson:"expert_id"`
	DataType  string    `bson:"data_type"`
	Payload   string    `bson:"payload"`
	Version   int64     `bson:"version"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongo connects to MongoDB and ensures the conversation indexes exist.
func NewMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &MongoStore{
		client: client,
		db:     client.Database(database),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) conversations() *mongo.Collection {
	return s.db.Collection(conversationsCollection)
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "expert_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "expert_id", Value: 1}, {Key: "data_type", Value: 1}}},
	}
	if _, err := s.conversations().Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create conversation indexes: %w", err)
	}
	return nil
}

// FindByID returns the record with the given id.
func (s *MongoStore) FindByID(ctx context.Context, id string) (*ConversationRecord, error) {
	var doc conversationDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return doc.record(), nil
}

// FindOne returns the newest record matching filter.
func (s *MongoStore) FindOne(ctx context.Context, filter ConversationFilter) (*ConversationRecord, error) {
	q := bson.M{
		"owner_id":  filter.OwnerID,
		"data_type": filter.DataType,
		"expert_id": nil,
	}
	if filter.ExpertID != nil {
		q["expert_id"] = *filter.ExpertID
	}

	var doc conversationDoc
	err := s.conversations().FindOne(ctx, q,
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return doc.record(), nil
}

// ListByParticipant returns records owned by or assigned to userID.
func (s *MongoStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]*ConversationRecord, error) {
	q := bson.M{"$or": bson.A{
		bson.M{"owner_id": userID},
		bson.M{"expert_id": userID},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.conversations().Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}

	out := make([]*ConversationRecord, len(docs))
	for i := range docs {
		out[i] = docs[i].record()
	}
	return out, nil
}

// Create inserts a new record.
func (s *MongoStore) Create(ctx context.Context, rec *ConversationRecord) error {
	now := time.Now().UTC()
	rec.ID = uuid.Must(uuid.NewV7()).String()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if _, err := s.conversations().InsertOne(ctx, docFromRecord(rec)); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// Save replaces the payload when the stored version still equals rec.Version.
func (s *MongoStore) Save(ctx context.Context, rec *ConversationRecord) error {
	now := time.Now().UTC()
	result, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": rec.ID, "version": rec.Version},
		bson.M{"$set": bson.M{
			"payload":    rec.Payload,
			"version":    rec.Version + 1,
			"updated_at": now,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	if result.MatchedCount == 0 {
		n, err := s.conversations().CountDocuments(ctx, bson.M{"_id": rec.ID})
		if err != nil {
			return fmt.Errorf("failed to check conversation: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	rec.Version++
	rec.UpdatedAt = now
	return nil
}

// Ping verifies database connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (d *conversationDoc) record() *ConversationRecord {
	return &ConversationRecord{
		ID:        d.ID,
		OwnerID:   d.OwnerID,
		ExpertID:  d.ExpertID,
		DataType:  d.DataType,
		Payload:   d.Payload,
		Version:   d.Version,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func docFromRecord(rec *ConversationRecord) conversationDoc {
	return conversationDoc{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		ExpertID:  rec.ExpertID,
		DataType:  rec.DataType,
		Payload:   rec.Payload,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
