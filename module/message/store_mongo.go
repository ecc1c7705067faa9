package message

import (
	"context"

	"PPChat/data/database/mgo/mongoutil"
	"PPChat/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore MongoDB 实现
type MongoStore struct {
	cli  *mongoutil.Client
	coll *mongo.Collection
}

func NewMongoStore(ctx context.Context, cfg *mongoutil.Config, collection string) (*MongoStore, error) {
	cli, err := mongoutil.NewMongoDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if collection == "" {
		collection = "messages"
	}
	coll := cli.GetDB().Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		_ = cli.Close(ctx)
		return nil, errs.WrapMsg(err, "create index", "collection", collection)
	}
	return &MongoStore{cli: cli, coll: coll}, nil
}

func (s *MongoStore) Close(ctx context.Context) error { return s.cli.Close(ctx) }

func (s *MongoStore) Save(ctx context.Context, r *Record) error {
	// upsert + $setOnInsert：重复投递不覆盖已有记录
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": r.ID},
		bson.M{"$setOnInsert": bson.M{
			"thread_id":     r.ThreadID,
			"sender_id":     r.SenderID,
			"client_msg_id": r.ClientMsgID,
			"payload":       r.Payload,
			"created_at":    r.CreatedAt,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.WrapMsg(err, "upsert message", "id", r.ID)
	}
	return nil
}

func (s *MongoStore) Recent(ctx context.Context, threadID string, limit int) ([]*Record, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, bson.M{"thread_id": threadID}, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "find history", "thread", threadID)
	}
	var out []*Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode history", "thread", threadID)
	}
	reverse(out)
	return out, nil
}
