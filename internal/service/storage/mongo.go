package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/cogtoolslab/cab-experiments/backend/internal/model/record"
)

// namespaceExistsCode is returned by createCollection when another writer won the race.
const namespaceExistsCode = 48

var ErrNotConnected = errors.New("mongodb client not connected")

// MongoStore is the production record.Store: one database per project, one
// collection per experiment.
type MongoStore struct {
	uri    string
	logger *zap.Logger

	mu     sync.RWMutex
	client *mongo.Client

	known sync.Map // "db.coll" -> struct{}
}

// NewMongoStore returns an unconnected store; call Connect before use.
func NewMongoStore(uri string, logger *zap.Logger) *MongoStore {
	return &MongoStore{uri: uri, logger: logger}
}

// Connect dials and pings MongoDB, retrying every delay until it answers or
// ctx is cancelled.
func (s *MongoStore) Connect(ctx context.Context, delay time.Duration) error {
	return ConnectWithRetry(ctx, delay, s.logger, s.connectOnce)
}

func (s *MongoStore) connectOnce(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.uri).SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("ping: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func (s *MongoStore) db(name string) (*mongo.Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client.Database(name), nil
}

// Insert implements record.Store.
func (s *MongoStore) Insert(ctx context.Context, database, collection string, doc json.RawMessage) (string, error) {
	if err := record.ValidateTarget(database, collection, doc); err != nil {
		return "", err
	}

	var bdoc bson.D
	if err := bson.UnmarshalExtJSON(doc, false, &bdoc); err != nil {
		return "", fmt.Errorf("%w: %v", record.ErrInvalidRequest, err)
	}

	db, err := s.db(database)
	if err != nil {
		return "", err
	}
	if err := s.ensureCollection(ctx, db, collection); err != nil {
		return "", err
	}

	res, err := db.Collection(collection).InsertOne(ctx, bdoc)
	if err != nil {
		return "", fmt.Errorf("insert into %s.%s: %w", database, collection, err)
	}
	return idString(res.InsertedID), nil
}

func (s *MongoStore) ensureCollection(ctx context.Context, db *mongo.Database, collection string) error {
	key := db.Name() + "." + collection
	if _, ok := s.known.Load(key); ok {
		return nil
	}

	names, err := db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: collection}})
	if err != nil {
		return fmt.Errorf("list collections of %s: %w", db.Name(), err)
	}
	if len(names) == 0 {
		s.logger.Info("creating collection", zap.String("database", db.Name()), zap.String("collection", collection))
		var cmdErr mongo.CommandError
		if err := db.CreateCollection(ctx, collection); err != nil && !(errors.As(err, &cmdErr) && cmdErr.Code == namespaceExistsCode) {
			return fmt.Errorf("create collection %s: %w", key, err)
		}
	}
	s.known.Store(key, struct{}{})
	return nil
}

// GetStims implements record.Store. Trial-set records are claimed
// atomically so concurrent sessions spread across them.
func (s *MongoStore) GetStims(ctx context.Context, database, collection string, q record.StimsQuery) (record.TrialSet, error) {
	if database == "" || collection == "" {
		return record.TrialSet{}, record.ErrInvalidRequest
	}
	db, err := s.db(database)
	if err != nil {
		return record.TrialSet{}, err
	}
	coll := db.Collection(collection)

	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "numGames", Value: 1}}}}
	if q.SessionID != "" {
		update = append(update, bson.E{Key: "$push", Value: bson.D{{Key: "games", Value: q.SessionID}}})
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "numGames", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var raw bson.Raw
	err = coll.FindOneAndUpdate(ctx, bson.D{{Key: "trials", Value: bson.D{{Key: "$type", Value: "array"}}}}, update, opts).Decode(&raw)
	switch {
	case err == nil:
		return trialSetFromRaw(raw)
	case !errors.Is(err, mongo.ErrNoDocuments):
		return record.TrialSet{}, fmt.Errorf("claim trial set in %s.%s: %w", database, collection, err)
	}

	cur, err := coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return record.TrialSet{}, fmt.Errorf("find trials in %s.%s: %w", database, collection, err)
	}
	defer cur.Close(ctx)

	var set record.TrialSet
	for cur.Next(ctx) {
		if set.ID == "" {
			set.ID = idString(cur.Current.Lookup("_id"))
		}
		js, err := flatTrial(cur.Current)
		if err != nil {
			return record.TrialSet{}, err
		}
		set.Trials = append(set.Trials, js)
	}
	if err := cur.Err(); err != nil {
		return record.TrialSet{}, err
	}
	if len(set.Trials) == 0 {
		return record.TrialSet{}, fmt.Errorf("%w in %s.%s", record.ErrNotFound, database, collection)
	}
	return set, nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(ctx)
	s.client = nil
	return err
}

func trialSetFromRaw(raw bson.Raw) (record.TrialSet, error) {
	js, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return record.TrialSet{}, fmt.Errorf("encode trial set: %w", err)
	}
	trials, ok := record.TrialsOf(js)
	if !ok {
		return record.TrialSet{}, fmt.Errorf("trial set record has no trials array")
	}
	return record.TrialSet{ID: idString(raw.Lookup("_id")), Trials: trials}, nil
}

// flatTrial encodes one document of a flat collection without its _id, the
// same shape the other backends return.
func flatTrial(raw bson.Raw) (json.RawMessage, error) {
	elems, err := raw.Elements()
	if err != nil {
		return nil, fmt.Errorf("decode trial: %w", err)
	}
	doc := make(bson.D, 0, len(elems))
	for _, elem := range elems {
		if elem.Key() == "_id" {
			continue
		}
		doc = append(doc, bson.E{Key: elem.Key(), Value: elem.Value()})
	}
	js, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, fmt.Errorf("encode trial: %w", err)
	}
	return js, nil
}

func idString(v interface{}) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case bson.RawValue:
		if oid, ok := id.ObjectIDOK(); ok {
			return oid.Hex()
		}
		if s, ok := id.StringValueOK(); ok {
			return s
		}
		return id.String()
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}
