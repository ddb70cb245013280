package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/store"
)

const (
	collSearches = "searches"
	collListings = "listings"
	collAlerts   = "alerts"
	collSettings = "settings"
	settingsID   = "user"
)

type settingsDoc struct {
	ID    string `bson:"_id"`
	Value string `bson:"value"`
}

// Store 基于 MongoDB 的持久化实现。
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ store.Store = (*Store)(nil)

// Connect 连接 MongoDB、校验连通性并创建索引。
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &Store{client: client, db: client.Database(dbName)}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collListings).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "searchId", Value: 1}, {Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create listing indexes: %w", err)
	}
	_, err = s.db.Collection(collAlerts).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sentAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create alert indexes: %w", err)
	}
	return nil
}

// Drop 删除整个数据库，仅用于测试。
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

func (s *Store) CreateSearch(ctx context.Context, search model.Search) error {
	if _, err := s.db.Collection(collSearches).InsertOne(ctx, search); err != nil {
		return fmt.Errorf("insert search: %w", err)
	}
	return nil
}

func (s *Store) UpdateSearch(ctx context.Context, search model.Search) error {
	res, err := s.db.Collection(collSearches).ReplaceOne(ctx, bson.M{"_id": search.ID}, search)
	if err != nil {
		return fmt.Errorf("replace search: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetSearch(ctx context.Context, id string) (model.Search, error) {
	var out model.Search
	err := s.db.Collection(collSearches).FindOne(ctx, bson.M{"_id": id}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Search{}, store.ErrNotFound
	}
	if err != nil {
		return model.Search{}, fmt.Errorf("find search: %w", err)
	}
	return out, nil
}

func (s *Store) ListSearches(ctx context.Context) ([]model.Search, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.db.Collection(collSearches).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find searches: %w", err)
	}
	out := []model.Search{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode searches: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteSearch(ctx context.Context, id string) error {
	res, err := s.db.Collection(collSearches).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete search: %w", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	if _, err := s.db.Collection(collListings).DeleteMany(ctx, bson.M{"searchId": id}); err != nil {
		return fmt.Errorf("delete listings: %w", err)
	}
	return nil
}

func (s *Store) TouchLastChecked(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.Collection(collSearches).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"lastChecked": at}})
	if err != nil {
		return fmt.Errorf("touch last checked: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) findListings(ctx context.Context, filter bson.M, sort bson.D) ([]model.Listing, error) {
	cur, err := s.db.Collection(collListings).Find(ctx, filter, options.Find().SetSort(sort).SetProjection(bson.M{"_id": 0}))
	if err != nil {
		return nil, fmt.Errorf("find listings: %w", err)
	}
	out := []model.Listing{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode listings: %w", err)
	}
	return out, nil
}

func (s *Store) ListingsBySearch(ctx context.Context, searchID string) ([]model.Listing, error) {
	return s.findListings(ctx, bson.M{"searchId": searchID}, bson.D{{Key: "id", Value: 1}})
}

func (s *Store) UpsertListing(ctx context.Context, l model.Listing) error {
	return s.UpsertListings(ctx, []model.Listing{l})
}

// UpsertListings 以 BulkWrite + ReplaceOne(upsert) 按 (searchId, id) 写入。
func (s *Store) UpsertListings(ctx context.Context, ls []model.Listing) error {
	if len(ls) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(ls))
	for _, l := range ls {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"searchId": l.SearchID, "id": l.ID}).
			SetReplacement(l).
			SetUpsert(true))
	}
	if _, err := s.db.Collection(collListings).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("upsert listings: %w", err)
	}
	return nil
}

func (s *Store) DeleteListing(ctx context.Context, searchID, id string) error {
	if _, err := s.db.Collection(collListings).DeleteOne(ctx, bson.M{"searchId": searchID, "id": id}); err != nil {
		return fmt.Errorf("delete listing: %w", err)
	}
	return nil
}

func (s *Store) GetListing(ctx context.Context, searchID, id string) (model.Listing, error) {
	var out model.Listing
	err := s.db.Collection(collListings).FindOne(ctx, bson.M{"searchId": searchID, "id": id},
		options.FindOne().SetProjection(bson.M{"_id": 0})).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Listing{}, store.ErrNotFound
	}
	if err != nil {
		return model.Listing{}, fmt.Errorf("find listing: %w", err)
	}
	return out, nil
}

func (s *Store) RecentListings(ctx context.Context, since time.Time) ([]model.Listing, error) {
	out, err := s.findListings(ctx,
		bson.M{"hidden": false, "timestamp": bson.M{"$gte": since}},
		bson.D{{Key: "timestamp", Value: -1}})
	if err != nil {
		return nil, err
	}
	store.SortRecent(out)
	return out, nil
}

func (s *Store) AllListings(ctx context.Context) ([]model.Listing, error) {
	out, err := s.findListings(ctx, bson.M{}, bson.D{{Key: "timestamp", Value: -1}})
	if err != nil {
		return nil, err
	}
	store.SortRecent(out)
	return out, nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.Collection(collListings).DeleteMany(ctx, bson.M{
		"hidden":    bson.M{"$ne": true},
		"timestamp": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("delete old listings: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) GetSettings(ctx context.Context) (model.Settings, error) {
	var doc settingsDoc
	err := s.db.Collection(collSettings).FindOne(ctx, bson.M{"_id": settingsID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("find settings: %w", err)
	}
	var out model.Settings
	if err := json.Unmarshal([]byte(doc.Value), &out); err != nil {
		return model.Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return out, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.Collection(collSettings).ReplaceOne(ctx,
		bson.M{"_id": settingsID},
		settingsDoc{ID: settingsID, Value: string(data)},
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *Store) AppendAlert(ctx context.Context, r model.AlertRecord) error {
	if _, err := s.db.Collection(collAlerts).InsertOne(ctx, r); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sentAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.db.Collection(collAlerts).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find alerts: %w", err)
	}
	out := []model.AlertRecord{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode alerts: %w", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}
