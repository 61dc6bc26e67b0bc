package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/crypto"
	"github.com/fathima-sithara/messaging-service/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return client, nil
}

type MongoStore struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	notifications *mongo.Collection
	prefs         *mongo.Collection
	users         *mongo.Collection
	cipher        *crypto.ContentCipher
}

// NewMongoStore wires the collections of db. cipher may be nil.
func NewMongoStore(db *mongo.Database, cipher *crypto.ContentCipher) *MongoStore {
	return &MongoStore{
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		notifications: db.Collection("notifications"),
		prefs:         db.Collection("notification_preferences"),
		users:         db.Collection("users"),
		cipher:        cipher,
	}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	idx := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.conversations, []mongo.IndexModel{
			{Keys: bson.D{{Key: "participants.user_id", Value: 1}, {Key: "last_activity_at", Value: -1}}, Options: options.Index().SetName("participant_activity_idx")},
			{Keys: bson.D{{Key: "direct_key", Value: 1}}, Options: options.Index().SetName("direct_key_uniq").SetUnique(true).
				SetPartialFilterExpression(bson.M{"direct_key": bson.M{"$type": "string"}})},
		}},
		{s.messages, []mongo.IndexModel{
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}, Options: options.Index().SetName("conv_created_idx")},
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "temp_id", Value: 1}}, Options: options.Index().SetName("temp_id_uniq").SetUnique(true).
				SetPartialFilterExpression(bson.M{"temp_id": bson.M{"$type": "string"}})},
		}},
		{s.notifications, []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}, Options: options.Index().SetName("user_created_idx")},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetName("expires_idx").SetSparse(true)},
		}},
	}
	for _, i := range idx {
		if _, err := i.coll.Indexes().CreateMany(ctx, i.models); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) CreateConversation(ctx context.Context, c *domain.Conversation) (*domain.Conversation, bool, error) {
	if c.DirectKey != "" {
		existing, err := s.findDirect(ctx, c.DirectKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}
	if _, err := s.conversations.InsertOne(ctx, c); err != nil {
		// lost a race on the unique direct key
		if mongo.IsDuplicateKeyError(err) && c.DirectKey != "" {
			existing, ferr := s.findDirect(ctx, c.DirectKey)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return c.Clone(), true, nil
}

func (s *MongoStore) findDirect(ctx context.Context, key string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := s.conversations.FindOne(ctx, bson.M{"direct_key": key}).Decode(&c); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.openConversation(&c)
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.openConversation(&c)
}

func (s *MongoStore) ListConversationsForUser(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_activity_at", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.conversations.Find(ctx, bson.M{"participants.user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*domain.Conversation{}
	for cur.Next(ctx) {
		var c domain.Conversation
		if err := cur.Decode(&c); err != nil {
			return nil, err
		}
		oc, err := s.openConversation(&c)
		if err != nil {
			return nil, err
		}
		out = append(out, oc)
	}
	return out, cur.Err()
}

func (s *MongoStore) RecordMessage(ctx context.Context, conversationID string, preview *domain.MessagePreview) error {
	sealed, err := s.sealPreview(preview)
	if err != nil {
		return err
	}
	update := bson.M{
		"$set": bson.M{
			"last_message":     sealed,
			"last_activity_at": preview.CreatedAt,
			"updated_at":       preview.CreatedAt,
		},
		"$inc": bson.M{"participants.$[p].unread_count": 1},
	}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{"p.user_id": bson.M{"$ne": preview.SenderID}}},
	})
	res, err := s.conversations.UpdateOne(ctx, bson.M{"_id": conversationID}, update, opts)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) RefreshPreview(ctx context.Context, conversationID string, preview *domain.MessagePreview) error {
	sealed, err := s.sealPreview(preview)
	if err != nil {
		return err
	}
	_, err = s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID, "last_message.id": preview.ID},
		bson.M{"$set": bson.M{"last_message": sealed}})
	return err
}

func (s *MongoStore) ResetUnread(ctx context.Context, conversationID, userID string, at time.Time) (bool, error) {
	filter := bson.M{
		"_id": conversationID,
		"participants": bson.M{"$elemMatch": bson.M{
			"user_id":      userID,
			"unread_count": bson.M{"$gt": 0},
		}},
	}
	update := bson.M{"$set": bson.M{
		"participants.$.unread_count": 0,
		"participants.$.last_read_at": at,
	}}
	res, err := s.conversations.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) InsertMessage(ctx context.Context, m *domain.Message) (*domain.Message, bool, error) {
	if m.TempID != "" {
		existing, err := s.findByTempID(ctx, m)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}
	doc := *m
	sealed, err := s.cipher.Seal(m.Content)
	if err != nil {
		return nil, false, err
	}
	doc.Content = sealed
	if doc.ReadBy == nil {
		doc.ReadBy = []string{}
	}
	if _, err := s.messages.InsertOne(ctx, &doc); err != nil {
		if mongo.IsDuplicateKeyError(err) && m.TempID != "" {
			existing, ferr := s.findByTempID(ctx, m)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return copyMessage(m), true, nil
}

func (s *MongoStore) findByTempID(ctx context.Context, m *domain.Message) (*domain.Message, error) {
	filter := bson.M{"conversation_id": m.ConversationID, "sender_id": m.SenderID, "temp_id": m.TempID}
	return s.findMessage(ctx, filter)
}

func (s *MongoStore) findMessage(ctx context.Context, filter bson.M) (*domain.Message, error) {
	var m domain.Message
	if err := s.messages.FindOne(ctx, filter).Decode(&m); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.openMessage(&m)
}

func (s *MongoStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return s.findMessage(ctx, bson.M{"_id": id})
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID string, cursor *Cursor, limit int) ([]*domain.Message, error) {
	filter := bson.M{"conversation_id": conversationID}
	if !cursor.IsZero() {
		if cursor.BeforeID != "" {
			filter["$or"] = bson.A{
				bson.M{"created_at": bson.M{"$lt": cursor.Before}},
				bson.M{"created_at": cursor.Before, "_id": bson.M{"$lt": cursor.BeforeID}},
			}
		} else {
			filter["created_at"] = bson.M{"$lt": cursor.Before}
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*domain.Message{}
	for cur.Next(ctx) {
		var m domain.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		om, err := s.openMessage(&m)
		if err != nil {
			return nil, err
		}
		out = append(out, om)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	// newest first from the index, callers want chronological
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MongoStore) UpdateMessage(ctx context.Context, m *domain.Message) error {
	sealed, err := s.cipher.Seal(m.Content)
	if err != nil {
		return err
	}
	set := bson.M{
		"content":    sealed,
		"metadata":   m.Metadata,
		"is_edited":  m.IsEdited,
		"is_deleted": m.IsDeleted,
		"edited_at":  m.EditedAt,
		"deleted_at": m.DeletedAt,
	}
	res, err := s.messages.UpdateByID(ctx, m.ID, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	base := bson.M{"conversation_id": conversationID, "sender_id": bson.M{"$ne": readerID}}

	stamp := bson.M{"read_at": nil}
	for k, v := range base {
		stamp[k] = v
	}
	if _, err := s.messages.UpdateMany(ctx, stamp, bson.M{"$set": bson.M{"read_at": at}}); err != nil {
		return 0, err
	}

	unread := bson.M{"read_by": bson.M{"$ne": readerID}}
	for k, v := range base {
		unread[k] = v
	}
	res, err := s.messages.UpdateMany(ctx, unread, bson.M{
		"$addToSet": bson.M{"read_by": readerID},
		"$set":      bson.M{"status": domain.StatusRead},
	})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": id, "delivered_at": nil},
		bson.M{"$set": bson.M{"delivered_at": at}})
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		return false, nil
	}
	// status never moves backwards from read
	_, err = s.messages.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": bson.A{domain.StatusSending, domain.StatusSent}}},
		bson.M{"$set": bson.M{"status": domain.StatusDelivered}})
	return err == nil, err
}

func (s *MongoStore) sealPreview(p *domain.MessagePreview) (*domain.MessagePreview, error) {
	cp := *p
	sealed, err := s.cipher.Seal(p.Content)
	if err != nil {
		return nil, err
	}
	cp.Content = sealed
	return &cp, nil
}

func (s *MongoStore) openMessage(m *domain.Message) (*domain.Message, error) {
	plain, err := s.cipher.Open(m.Content)
	if err != nil {
		return nil, err
	}
	m.Content = plain
	return m, nil
}

func (s *MongoStore) openConversation(c *domain.Conversation) (*domain.Conversation, error) {
	if c.LastMessage != nil {
		plain, err := s.cipher.Open(c.LastMessage.Content)
		if err != nil {
			return nil, err
		}
		c.LastMessage.Content = plain
	}
	return c, nil
}
