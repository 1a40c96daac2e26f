// Package mongostore implements the document store on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"agro-market-api-server/internal/apperr"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/store"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	usersCollection       = "users"
	credentialsCollection = "credentials"
	lotsCollection        = "lots"

	defaultPollInterval = 2 * time.Second
)

type Store struct {
	db           *mongo.Database
	lots         *mongo.Collection
	users        *mongo.Collection
	credentials  *mongo.Collection
	pollInterval time.Duration
	log          *zap.Logger

	// transactions is set by EnsureIndexes when the server is a replica set member or mongos.
	transactions bool

	watchers sync.WaitGroup
}

var _ store.Store = (*Store)(nil)

func New(db *mongo.Database, pollInterval time.Duration, logger *zap.Logger) *Store {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Store{
		db:           db,
		lots:         db.Collection(lotsCollection),
		users:        db.Collection(usersCollection),
		credentials:  db.Collection(credentialsCollection),
		pollInterval: pollInterval,
		log:          logger,
	}
}

// EnsureIndexes creates the indexes the queries rely on. It is safe to run on every start.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.credentials.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create credentials index: %w", err)
	}
	_, err = s.lots.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "farmerId", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create lots indexes: %w", err)
	}

	s.transactions, err = supportsTransactions(ctx, s.db.Client())
	if err != nil {
		return fmt.Errorf("failed to detect server topology: %w", err)
	}
	if !s.transactions {
		s.log.Warn("MongoDB is not a replica set, checkout uses conditional updates without transactions")
	}
	return nil
}

type helloReply struct {
	SetName string `bson:"setName"`
	Msg     string `bson:"msg"`
}

// supportsTransactions reports whether the server is a replica set member or a mongos router.
func supportsTransactions(ctx context.Context, client *mongo.Client) (bool, error) {
	var reply helloReply
	admin := client.Database("admin")
	err := admin.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&reply)
	if err != nil {
		// Servers before 4.4.2 only know the legacy name.
		if err := admin.RunCommand(ctx, bson.D{{Key: "isMaster", Value: 1}}).Decode(&reply); err != nil {
			return false, err
		}
	}
	return reply.SetName != "" || reply.Msg == "isdbgrid", nil
}

// Wait blocks until every subscription goroutine has exited. Cancel their contexts first.
func (s *Store) Wait() {
	s.watchers.Wait()
}

func lotFilter(q store.LotQuery) bson.M {
	filter := bson.M{}
	if q.FarmerID != "" {
		filter["farmerId"] = q.FarmerID
	}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	return filter
}

// SubscribeLots delivers the current result of q, then a fresh result after every change to
// the lots collection. Change streams need a replica set; on a standalone server the query is
// polled instead and only differing results are delivered.
func (s *Store) SubscribeLots(ctx context.Context, q store.LotQuery, onSnapshot func([]models.Lot), onError func(error)) (store.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)

	stream, err := s.lots.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		s.log.Warn("Change streams unavailable, polling lots", zap.Error(err))
		stream = nil
	}

	initial, err := s.ListLots(ctx, q)
	if err != nil {
		if stream != nil {
			_ = stream.Close(context.Background())
		}
		cancel()
		return nil, err
	}
	onSnapshot(initial)

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		last := initial
		if stream != nil {
			var ok bool
			last, ok = s.follow(ctx, stream, q, last, onSnapshot, onError)
			if !ok {
				return
			}
		}
		s.poll(ctx, q, last, onSnapshot, onError)
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// follow re-queries on every change event. It returns false when ctx ended, true when the
// stream broke and polling should take over.
func (s *Store) follow(ctx context.Context, stream *mongo.ChangeStream, q store.LotQuery, last []models.Lot, onSnapshot func([]models.Lot), onError func(error)) ([]models.Lot, bool) {
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		lots, err := s.ListLots(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return last, false
			}
			onError(err)
			continue
		}
		if !reflect.DeepEqual(last, lots) {
			last = lots
			onSnapshot(lots)
		}
	}
	if ctx.Err() != nil {
		return last, false
	}
	if err := stream.Err(); err != nil {
		s.log.Warn("Lot change stream failed, falling back to polling", zap.Error(err))
		onError(apperr.Remote("watch lots", err))
	}
	return last, true
}

func (s *Store) poll(ctx context.Context, q store.LotQuery, last []models.Lot, onSnapshot func([]models.Lot), onError func(error)) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		lots, err := s.ListLots(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			onError(err)
			continue
		}
		if !reflect.DeepEqual(last, lots) {
			last = lots
			onSnapshot(lots)
		}
	}
}

// ListLots returns the lots matching q in creation order. Malformed documents are skipped.
func (s *Store) ListLots(ctx context.Context, q store.LotQuery) ([]models.Lot, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.lots.Find(ctx, lotFilter(q), opts)
	if err != nil {
		return nil, apperr.Remote("find lots", err)
	}
	defer cursor.Close(ctx)

	lots := []models.Lot{}
	for cursor.Next(ctx) {
		lot, err := decodeLot(cursor.Current)
		if err != nil {
			s.log.Warn("Skipping malformed lot", zap.Error(err))
			continue
		}
		lots = append(lots, lot)
	}
	if err := cursor.Err(); err != nil {
		return nil, apperr.Remote("iterate lots", err)
	}
	return lots, nil
}

func (s *Store) GetLot(ctx context.Context, lotID string) (models.Lot, error) {
	oid, err := primitive.ObjectIDFromHex(lotID)
	if err != nil {
		return models.Lot{}, fmt.Errorf("lot %s: %w", lotID, apperr.ErrNotFound)
	}
	var raw bson.Raw
	if err := s.lots.FindOne(ctx, bson.M{"_id": oid}).Decode(&raw); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Lot{}, fmt.Errorf("lot %s: %w", lotID, apperr.ErrNotFound)
		}
		return models.Lot{}, apperr.Remote("find lot", err)
	}
	return decodeLot(raw)
}

func (s *Store) AddLot(ctx context.Context, lot models.Lot) (models.Lot, error) {
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = time.Now()
	}
	res, err := s.lots.InsertOne(ctx, newLotRecord(lot))
	if err != nil {
		return models.Lot{}, apperr.Remote("insert lot", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return models.Lot{}, fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	lot.ID = oid.Hex()
	return lot, nil
}

func (s *Store) DeleteLot(ctx context.Context, lotID string) error {
	oid, err := primitive.ObjectIDFromHex(lotID)
	if err != nil {
		return fmt.Errorf("lot %s: %w", lotID, apperr.ErrNotFound)
	}
	res, err := s.lots.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return apperr.Remote("delete lot", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("lot %s: %w", lotID, apperr.ErrNotFound)
	}
	return nil
}

// MarkSold flips all lots to sold or none of them. The update only matches available lots,
// so when another buyer got there first the count falls short and nothing is kept.
func (s *Store) MarkSold(ctx context.Context, lotIDs []string) error {
	if len(lotIDs) == 0 {
		return nil
	}
	seen := make(map[primitive.ObjectID]bool, len(lotIDs))
	oids := make([]primitive.ObjectID, 0, len(lotIDs))
	for _, id := range lotIDs {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			return fmt.Errorf("lot %s: %w", id, apperr.ErrNotFound)
		}
		if !seen[oid] {
			seen[oid] = true
			oids = append(oids, oid)
		}
	}

	if !s.transactions {
		return s.markSoldConditional(ctx, oids)
	}

	session, err := s.db.Client().StartSession()
	if err != nil {
		return apperr.Remote("start session", err)
	}
	defer session.EndSession(context.Background())

	callback := func(sessCtx mongo.SessionContext) (interface{}, error) {
		filter := bson.M{"_id": bson.M{"$in": oids}, "status": models.LotAvailable}
		update := bson.M{"$set": bson.M{"status": models.LotSold, "soldAt": time.Now().UTC()}}
		res, err := s.lots.UpdateMany(sessCtx, filter, update)
		if err != nil {
			return nil, err
		}
		if res.ModifiedCount == int64(len(oids)) {
			return nil, nil
		}
		return nil, s.shortfall(sessCtx, oids, res.ModifiedCount)
	}

	if _, err := session.WithTransaction(ctx, callback); err != nil {
		return apperr.Remote("mark lots sold", err)
	}
	return nil
}

// markSoldConditional is MarkSold for servers without transactions. Each sale tags the lots
// it flipped with its own id, so a short count reverts exactly those lots.
func (s *Store) markSoldConditional(ctx context.Context, oids []primitive.ObjectID) error {
	saleID := primitive.NewObjectID()
	filter := bson.M{"_id": bson.M{"$in": oids}, "status": models.LotAvailable}
	update := bson.M{"$set": bson.M{"status": models.LotSold, "soldAt": time.Now().UTC(), "saleId": saleID}}
	res, err := s.lots.UpdateMany(ctx, filter, update)
	if err != nil {
		return apperr.Remote("mark lots sold", err)
	}
	if res.ModifiedCount == int64(len(oids)) {
		return nil
	}

	revert := bson.M{
		"$set":   bson.M{"status": models.LotAvailable},
		"$unset": bson.M{"soldAt": "", "saleId": ""},
	}
	if _, err := s.lots.UpdateMany(context.Background(), bson.M{"saleId": saleID}, revert); err != nil {
		s.log.Error("CRITICAL: failed to revert partial sale",
			zap.String("saleId", saleID.Hex()), zap.Error(err))
		return apperr.Remote("revert partial sale", err)
	}
	return apperr.Remote("mark lots sold", s.shortfall(ctx, oids, res.ModifiedCount))
}

// shortfall explains why fewer than len(oids) lots were sold.
func (s *Store) shortfall(ctx context.Context, oids []primitive.ObjectID, modified int64) error {
	found, err := s.lots.CountDocuments(ctx, bson.M{"_id": bson.M{"$in": oids}})
	if err != nil {
		return err
	}
	if found < int64(len(oids)) {
		return fmt.Errorf("%d of %d lots: %w", int64(len(oids))-found, len(oids), apperr.ErrNotFound)
	}
	return fmt.Errorf("%d of %d lots are no longer available: %w",
		int64(len(oids))-modified, len(oids), apperr.ErrConflict)
}

func (s *Store) GetProfile(ctx context.Context, uid string) (models.User, error) {
	var user models.User
	if err := s.users.FindOne(ctx, bson.M{"_id": uid}).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.User{}, fmt.Errorf("profile %s: %w", uid, apperr.ErrNotFound)
		}
		return models.User{}, apperr.Remote("find profile", err)
	}
	return user, nil
}

func (s *Store) PutProfile(ctx context.Context, user models.User) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := s.users.ReplaceOne(ctx, bson.M{"_id": user.ID}, user, opts); err != nil {
		return apperr.Remote("put profile", err)
	}
	return nil
}

func (s *Store) CreateCredential(ctx context.Context, cred models.Credential) error {
	if _, err := s.credentials.InsertOne(ctx, cred); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("email %s: %w", cred.Email, apperr.ErrConflict)
		}
		return apperr.Remote("insert credential", err)
	}
	return nil
}

func (s *Store) FindCredentialByEmail(ctx context.Context, email string) (models.Credential, error) {
	var cred models.Credential
	if err := s.credentials.FindOne(ctx, bson.M{"email": email}).Decode(&cred); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Credential{}, fmt.Errorf("credential %s: %w", email, apperr.ErrNotFound)
		}
		return models.Credential{}, apperr.Remote("find credential", err)
	}
	return cred, nil
}

func (s *Store) DeleteCredential(ctx context.Context, uid string) error {
	res, err := s.credentials.DeleteOne(ctx, bson.M{"_id": uid})
	if err != nil {
		return apperr.Remote("delete credential", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("credential %s: %w", uid, apperr.ErrNotFound)
	}
	return nil
}
