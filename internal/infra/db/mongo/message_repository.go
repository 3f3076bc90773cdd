package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"skillchat/internal/domain/chat"
)

var ErrMessageIDRequired = errors.New("mongo: message id is required")

// MessageRepository stores direct messages in the chat_messages collection.
type MessageRepository struct {
	col *mongo.Collection
}

func NewMessageRepository(ctx context.Context, db *mongo.Database) *MessageRepository {
	col := db.Collection("chat_messages")
	_, _ = col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "pair", Value: 1}, {Key: "created_at", Value: -1}},
	})
	_, _ = col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "receiver_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "is_read", Value: 1}},
	})
	return &MessageRepository{col: col}
}

func (r *MessageRepository) Save(ctx context.Context, msg chat.Message) error {
	if msg.ID == "" {
		return ErrMessageIDRequired
	}
	doc := newMessageDocument(msg)
	_, err := r.col.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

// Conversation returns one page of the conversation between a and b, oldest
// first. Page 1 holds the newest messages.
func (r *MessageRepository) Conversation(ctx context.Context, a, b chat.UserID, q chat.PageQuery) ([]chat.Message, error) {
	q = q.Normalized()
	filter := bson.M{"pair": pairKey(a, b)}
	if !q.Before.IsZero() {
		filter["created_at"] = bson.M{"$lt": q.Before.UTC()}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64((q.Page - 1) * q.Limit)).
		SetLimit(int64(q.Limit))
	cur, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, len(docs))
	for i, doc := range docs {
		msgs[len(docs)-1-i] = doc.toMessage()
	}
	return msgs, nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, reader, sender chat.UserID) ([]chat.MessageID, error) {
	filter := bson.M{"receiver_id": string(reader), "sender_id": string(sender), "is_read": false}
	cur, err := r.col.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]chat.MessageID, len(rows))
	raw := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = chat.MessageID(row.ID)
		raw[i] = row.ID
	}
	_, err = r.col.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": raw}}, bson.M{"$set": bson.M{"is_read": true}})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

type messageDocument struct {
	ID              string    `bson:"_id"`
	Pair            string    `bson:"pair"`
	Content         string    `bson:"content"`
	CreatedAt       time.Time `bson:"created_at"`
	IsRead          bool      `bson:"is_read"`
	SenderID        string    `bson:"sender_id"`
	SenderName      string    `bson:"sender_name,omitempty"`
	SenderPicture   string    `bson:"sender_profile_pic,omitempty"`
	ReceiverID      string    `bson:"receiver_id"`
	ReceiverName    string    `bson:"receiver_name,omitempty"`
	ReceiverPicture string    `bson:"receiver_profile_pic,omitempty"`
}

func newMessageDocument(msg chat.Message) messageDocument {
	return messageDocument{
		ID:              string(msg.ID),
		Pair:            pairKey(msg.SenderID, msg.ReceiverID),
		Content:         msg.Content,
		CreatedAt:       msg.CreatedAt.UTC(),
		IsRead:          msg.IsRead,
		SenderID:        string(msg.SenderID),
		SenderName:      msg.SenderName,
		SenderPicture:   msg.SenderPicture,
		ReceiverID:      string(msg.ReceiverID),
		ReceiverName:    msg.ReceiverName,
		ReceiverPicture: msg.ReceiverPicture,
	}
}

func (d messageDocument) toMessage() chat.Message {
	return chat.Message{
		ID:              chat.MessageID(d.ID),
		Content:         d.Content,
		CreatedAt:       d.CreatedAt.UTC(),
		IsRead:          d.IsRead,
		SenderID:        chat.UserID(d.SenderID),
		SenderName:      d.SenderName,
		SenderPicture:   d.SenderPicture,
		ReceiverID:      chat.UserID(d.ReceiverID),
		ReceiverName:    d.ReceiverName,
		ReceiverPicture: d.ReceiverPicture,
	}
}

// pairKey is the order-independent conversation key of a and b.
func pairKey(a, b chat.UserID) string {
	if a > b {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

var _ chat.MessageRepository = (*MessageRepository)(nil)
