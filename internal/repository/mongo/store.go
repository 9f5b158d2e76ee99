package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/domain"
)

const (
	conversationsCollection = "conversations"
	usageCollection         = "usage"
)

type messageDoc struct {
	Role      string    `bson:"role"`
	Content   string    `bson:"content"`
	Timestamp time.Time `bson:"timestamp"`
}

type conversationDoc struct {
	Key          string       `bson:"_id"`
	ID           string       `bson:"conversation_id"`
	Owner        string       `bson:"owner"`
	Title        string       `bson:"title"`
	Created      time.Time    `bson:"created"`
	Updated      time.Time    `bson:"updated"`
	Deleted      bool         `bson:"deleted"`
	Service      string       `bson:"llm_service"`
	Model        string       `bson:"llm_model"`
	SystemPrompt string       `bson:"system_prompt"`
	Temperature  float64      `bson:"temperature"`
	Messages     []messageDoc `bson:"messages"`
	Version      int64        `bson:"version"`
}

type usageDoc struct {
	Owner         string `bson:"_id"`
	LastRequestAt int64  `bson:"last_request_at"`
}

// ConversationStore implements domain.ConversationStore on MongoDB.
// MongoDB here offers no multi-document transactions, so PutWithUsage claims the usage clock first.
type ConversationStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect opens a client against cfg and verifies it
func Connect(ctx context.Context, cfg config.MongoConfig) (*ConversationStore, error) {
	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.Timeout > 0 {
		clientOpts.SetConnectTimeout(cfg.Timeout)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping: %w", err)
	}

	store := &ConversationStore{client: client, db: client.Database(cfg.Database)}
	if err := store.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

func (s *ConversationStore) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner", Value: 1}, {Key: "updated", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (s *ConversationStore) Get(ctx context.Context, owner, id string) (*domain.Conversation, error) {
	var doc conversationDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": documentKey(owner, id)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return fromDoc(doc), nil
}

func (s *ConversationStore) Put(ctx context.Context, conv *domain.Conversation) error {
	if err := s.writeConversation(ctx, conv); err != nil {
		return err
	}
	conv.Version++
	return nil
}

func (s *ConversationStore) PutWithUsage(ctx context.Context, conv *domain.Conversation, usage domain.Usage) error {
	if err := s.claimUsage(ctx, usage.Owner, domain.UnixSeconds(usage.Previous), domain.UnixSeconds(usage.LastRequest)); err != nil {
		return err
	}

	if err := s.writeConversation(ctx, conv); err != nil {
		// hand the clock back so the owner is not rate limited by a write that never landed
		_ = s.claimUsage(context.WithoutCancel(ctx), usage.Owner, domain.UnixSeconds(usage.LastRequest), domain.UnixSeconds(usage.Previous))
		return err
	}

	conv.Version++
	return nil
}

func (s *ConversationStore) ListByOwner(ctx context.Context, owner string, includeDeleted bool) ([]domain.ConversationSummary, error) {
	filter := bson.M{"owner": owner}
	if !includeDeleted {
		filter["deleted"] = false
	}

	opts := options.Find().SetSort(bson.D{{Key: "updated", Value: -1}})
	cursor, err := s.conversations().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	summaries := []domain.ConversationSummary{}
	for cursor.Next(ctx) {
		var doc conversationDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode conversation: %w", err)
		}
		summaries = append(summaries, fromDoc(doc).Summary())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return summaries, nil
}

func (s *ConversationStore) CountByOwner(ctx context.Context, owner string) (int, error) {
	n, err := s.conversations().CountDocuments(ctx, bson.M{"owner": owner})
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return int(n), nil
}

func (s *ConversationStore) LastRequestTime(ctx context.Context, owner string) (time.Time, error) {
	var doc usageDoc
	err := s.db.Collection(usageCollection).FindOne(ctx, bson.M{"_id": owner}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get last request time: %w", err)
	}
	return domain.FromUnixSeconds(doc.LastRequestAt), nil
}

func (s *ConversationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *ConversationStore) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *ConversationStore) conversations() *mongo.Collection {
	return s.db.Collection(conversationsCollection)
}

func (s *ConversationStore) writeConversation(ctx context.Context, conv *domain.Conversation) error {
	next := conv.Clone()
	next.Version++
	doc := toDoc(next)

	if conv.Version == 0 {
		_, err := s.conversations().InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		return nil
	}

	res, err := s.conversations().ReplaceOne(ctx, bson.M{"_id": doc.Key, "version": conv.Version}, doc)
	if err != nil {
		return fmt.Errorf("failed to replace conversation: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := s.conversations().CountDocuments(ctx, bson.M{"_id": doc.Key})
	if err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrVersionConflict
}

// claimUsage moves the owner's clock from previous to next, failing if someone else moved it first
func (s *ConversationStore) claimUsage(ctx context.Context, owner string, previous, next int64) error {
	coll := s.db.Collection(usageCollection)
	filter := bson.M{"_id": owner, "last_request_at": previous}
	update := bson.M{"$set": bson.M{"last_request_at": next}}

	// only a never-stamped owner may create the document
	opts := options.Update().SetUpsert(previous == 0)

	res, err := coll.UpdateOne(ctx, filter, update, opts)
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	if res.MatchedCount == 0 && res.UpsertedCount == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func documentKey(owner, id string) string {
	return owner + ":" + id
}

func toDoc(c *domain.Conversation) conversationDoc {
	msgs := make([]messageDoc, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = messageDoc{Role: string(m.Role), Content: m.Content, Timestamp: m.Timestamp}
	}
	return conversationDoc{
		Key:          documentKey(c.Owner, c.ID),
		ID:           c.ID,
		Owner:        c.Owner,
		Title:        c.Title,
		Created:      c.Created,
		Updated:      c.Updated,
		Deleted:      c.Deleted,
		Service:      c.Service,
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		Temperature:  c.Temperature,
		Messages:     msgs,
		Version:      c.Version,
	}
}

func fromDoc(d conversationDoc) *domain.Conversation {
	msgs := make([]domain.Message, len(d.Messages))
	for i, m := range d.Messages {
		msgs[i] = domain.Message{Role: domain.MessageRole(m.Role), Content: m.Content, Timestamp: m.Timestamp}
	}
	return &domain.Conversation{
		ID:           d.ID,
		Owner:        d.Owner,
		Title:        d.Title,
		Created:      d.Created,
		Updated:      d.Updated,
		Deleted:      d.Deleted,
		Service:      d.Service,
		Model:        d.Model,
		SystemPrompt: d.SystemPrompt,
		Temperature:  d.Temperature,
		Messages:     msgs,
		Version:      d.Version,
	}
}
