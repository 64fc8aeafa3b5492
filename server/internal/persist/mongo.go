package persist

import (
	"context"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/paulloo/countdown3d/pkg/position"
)

const (
	defaultMongoDatabase   = "countdown3d"
	defaultMongoCollection = "positions"
)

type mongoGateway struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// openMongo connects to the URI. The database comes from the URI path and the
// collection from the "collection" query parameter, which is stripped before
// the URI reaches the driver.
func openMongo(ctx context.Context, u *url.URL) (Gateway, error) {
	dbName := strings.Trim(u.Path, "/")
	if dbName == "" {
		dbName = defaultMongoDatabase
	}
	q := u.Query()
	collName := q.Get("collection")
	if collName == "" {
		collName = defaultMongoCollection
	}
	q.Del("collection")
	driverURI := *u
	driverURI.RawQuery = q.Encode()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(driverURI.String()))
	if err != nil {
		return nil, wrap("mongodb", "connect", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background()) //nolint:errcheck
		return nil, wrap("mongodb", "ping", err)
	}

	coll := client.Database(dbName).Collection(collName)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		client.Disconnect(context.Background()) //nolint:errcheck
		return nil, wrap("mongodb", "migrate", err)
	}
	return &mongoGateway{client: client, coll: coll}, nil
}

func (g *mongoGateway) Append(ctx context.Context, p position.Position) error {
	_, err := g.coll.UpdateOne(ctx,
		bson.M{"timestamp": p.Timestamp},
		bson.M{"$set": p},
		options.Update().SetUpsert(true),
	)
	return wrap("mongodb", "append", err)
}

func (g *mongoGateway) LoadRecent(ctx context.Context, since int64) ([]position.Position, error) {
	cur, err := g.coll.Find(ctx,
		bson.M{"timestamp": bson.M{"$gte": since}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}),
	)
	if err != nil {
		return nil, wrap("mongodb", "load", err)
	}
	var out []position.Position
	if err := cur.All(ctx, &out); err != nil {
		return nil, wrap("mongodb", "load", err)
	}
	return out, nil
}

func (g *mongoGateway) Prune(ctx context.Context, before int64) (int, error) {
	res, err := g.coll.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": before}})
	if err != nil {
		return 0, wrap("mongodb", "prune", err)
	}
	return int(res.DeletedCount), nil
}

func (g *mongoGateway) Close() error {
	return wrap("mongodb", "close", g.client.Disconnect(context.Background()))
}
