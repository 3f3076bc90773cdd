package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"skillchat/internal/domain/chat"
)

// ConnectionRepository stores one document per side of a connection in
// chat_connections.
type ConnectionRepository struct {
	col *mongo.Collection
}

func NewConnectionRepository(ctx context.Context, db *mongo.Database) *ConnectionRepository {
	col := db.Collection("chat_connections")
	_, _ = col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner_id", Value: 1}, {Key: "friend_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return &ConnectionRepository{col: col}
}

func (r *ConnectionRepository) Friends(ctx context.Context, user chat.UserID) ([]chat.Friend, error) {
	cur, err := r.col.Find(ctx, bson.M{"owner_id": string(user)}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []connectionDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	friends := make([]chat.Friend, len(docs))
	for i, doc := range docs {
		friends[i] = doc.toFriend()
	}
	return friends, nil
}

func (r *ConnectionRepository) Connect(ctx context.Context, a, b chat.Friend, at time.Time) error {
	if a.ID == "" || b.ID == "" {
		return chat.ErrFriendIDRequired
	}
	connID := a.ConnectionID
	if connID == "" {
		var existing connectionDocument
		err := r.col.FindOne(ctx, bson.M{"owner_id": string(a.ID), "friend_id": string(b.ID)}).Decode(&existing)
		switch {
		case err == nil:
			connID = existing.ConnectionID
		case err == mongo.ErrNoDocuments:
			connID = uuid.NewString()
		default:
			return err
		}
	}
	for _, doc := range []connectionDocument{
		newConnectionDocument(a.ID, b, connID, at),
		newConnectionDocument(b.ID, a, connID, at),
	} {
		filter := bson.M{"owner_id": doc.OwnerID, "friend_id": doc.FriendID}
		if _, err := r.col.UpdateOne(ctx, filter, bson.M{"$set": doc}, options.Update().SetUpsert(true)); err != nil {
			return err
		}
	}
	return nil
}

func (r *ConnectionRepository) Delete(ctx context.Context, user, friend chat.UserID) error {
	res, err := r.col.DeleteMany(ctx, bson.M{"$or": bson.A{
		bson.M{"owner_id": string(user), "friend_id": string(friend)},
		bson.M{"owner_id": string(friend), "friend_id": string(user)},
	}})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return chat.ErrConnectionNotFound
	}
	return nil
}

type connectionDocument struct {
	OwnerID      string    `bson:"owner_id"`
	FriendID     string    `bson:"friend_id"`
	ConnectionID string    `bson:"connection_id"`
	Name         string    `bson:"name"`
	Profession   string    `bson:"profession,omitempty"`
	Picture      string    `bson:"profile_pic,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
}

func newConnectionDocument(owner chat.UserID, f chat.Friend, connID string, at time.Time) connectionDocument {
	return connectionDocument{
		OwnerID:      string(owner),
		FriendID:     string(f.ID),
		ConnectionID: connID,
		Name:         f.Name,
		Profession:   f.Profession,
		Picture:      f.PictureRef,
		CreatedAt:    at.UTC(),
	}
}

func (d connectionDocument) toFriend() chat.Friend {
	return chat.Friend{
		ID:           chat.UserID(d.FriendID),
		ConnectionID: d.ConnectionID,
		Name:         d.Name,
		Profession:   d.Profession,
		PictureRef:   d.Picture,
		CreatedAt:    d.CreatedAt.UTC(),
	}
}

var _ chat.ConnectionRepository = (*ConnectionRepository)(nil)
