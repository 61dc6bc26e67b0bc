package repository

import (
	"context"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (s *MongoStore) InsertNotification(ctx context.Context, n *domain.Notification) error {
	_, err := s.notifications.InsertOne(ctx, n)
	return err
}

func notificationFilter(userID string, f NotificationFilter) bson.M {
	filter := bson.M{
		"user_id": userID,
		"$or": bson.A{
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gt": f.Now}},
		},
	}
	if !f.IncludeArchived {
		filter["is_archived"] = false
	}
	if f.UnreadOnly {
		filter["is_read"] = false
	}
	if len(f.Types) > 0 {
		filter["type"] = bson.M{"$in": f.Types}
	}
	if f.Priority != "" {
		filter["priority"] = f.Priority
	}
	return filter
}

func (s *MongoStore) QueryNotifications(ctx context.Context, userID string, f NotificationFilter) (*NotificationPage, error) {
	filter := notificationFilter(userID, f)
	total, err := s.notifications.CountDocuments(ctx, filter)
	if err != nil {
		return nil, err
	}
	unreadFilter := bson.M{}
	for k, v := range filter {
		unreadFilter[k] = v
	}
	unreadFilter["is_read"] = false
	unread, err := s.notifications.CountDocuments(ctx, unreadFilter)
	if err != nil {
		return nil, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(f.Offset))
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.notifications.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	items := []*domain.Notification{}
	if err := cur.All(ctx, &items); err != nil {
		return nil, err
	}
	return &NotificationPage{Items: items, Total: total, UnreadCount: unread}, nil
}

func (s *MongoStore) MarkNotificationRead(ctx context.Context, userID, id string, at time.Time) error {
	res, err := s.notifications.UpdateOne(ctx, bson.M{"_id": id, "user_id": userID}, bson.A{
		bson.M{"$set": bson.M{
			"read_at": bson.M{"$ifNull": bson.A{"$read_at", at}},
			"is_read": true,
		}},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := s.notifications.UpdateMany(ctx,
		bson.M{"user_id": userID, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true, "read_at": at}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) ArchiveNotification(ctx context.Context, userID, id string) error {
	res, err := s.notifications.UpdateOne(ctx,
		bson.M{"_id": id, "user_id": userID},
		bson.M{"$set": bson.M{"is_archived": true}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteNotification(ctx context.Context, userID, id string) error {
	res, err := s.notifications.DeleteOne(ctx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.notifications.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) GetPreferences(ctx context.Context, userID string) (*domain.NotificationPreferences, error) {
	var p domain.NotificationPreferences
	if err := s.prefs.FindOne(ctx, bson.M{"_id": userID}).Decode(&p); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if p.Types == nil {
		p.Types = map[domain.NotificationType]domain.TypePreference{}
	}
	return &p, nil
}

func (s *MongoStore) SavePreferences(ctx context.Context, p *domain.NotificationPreferences) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.prefs.ReplaceOne(ctx, bson.M{"_id": p.UserID}, p, opts)
	return err
}

func (s *MongoStore) GetContact(ctx context.Context, userID string) (*domain.Contact, error) {
	var c domain.Contact
	if err := s.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&c); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}
