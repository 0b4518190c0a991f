package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoCollection коллекция MongoDB, в которой хранятся все документы
const MongoCollection = "documents"

// Mongo документное хранилище поверх MongoDB. Транзакции и change streams
// требуют replica set.
type Mongo struct {
	client      *mongo.Client
	db          *mongo.Database
	coll        *mongo.Collection
	logger      *zap.Logger
	maxAttempts int

	mu     sync.Mutex
	subs   map[*mongoSub]struct{}
	closed bool
}

type mongoDoc struct {
	ID         string    `bson:"_id"`
	Collection string    `bson:"collection"`
	DocID      string    `bson:"docId"`
	Data       bson.M    `bson:"data"`
	Version    int64     `bson:"version"`
	CreatedAt  time.Time `bson:"createdAt"`
	UpdatedAt  time.Time `bson:"updatedAt"`
}

func (d *mongoDoc) snapshot() (*Snapshot, error) {
	data, err := canonicalData(map[string]any(d.Data))
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Ref:       Ref{Collection: d.Collection, ID: d.DocID},
		Data:      data,
		Version:   d.Version,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

// NewMongo подключается к MongoDB и создает индексы
func NewMongo(ctx context.Context, uri, database string, logger *zap.Logger, maxAttempts int) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ошибка проверки подключения к MongoDB: %w", err)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	db := client.Database(database)
	m := &Mongo{
		client:      client,
		db:          db,
		coll:        db.Collection(MongoCollection),
		logger:      logger,
		maxAttempts: maxAttempts,
		subs:        make(map[*mongoSub]struct{}),
	}
	_, err = m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "collection", Value: 1}, {Key: "docId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ошибка создания индекса: %w", err)
	}
	logger.Info("успешное подключение к MongoDB", zap.String("database", database))
	return m, nil
}

// Ping проверяет подключение
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func mongoFilter(q Query) (bson.D, error) {
	filter := bson.D{{Key: "collection", Value: q.Collection}}
	for _, f := range q.Filters {
		value, err := canonical(f.Value)
		if err != nil {
			return nil, err
		}
		key := "data." + f.Field
		switch f.Op {
		case OpEqual:
			filter = append(filter, bson.E{Key: key, Value: value})
		case OpGreaterOrEqual:
			filter = append(filter, bson.E{Key: key, Value: bson.D{{Key: "$gte", Value: value}}})
		default:
			return nil, fmt.Errorf("неподдерживаемый оператор %s", f.Op)
		}
	}
	return filter, nil
}

func (m *Mongo) get(ctx context.Context, ref Ref) (*Snapshot, error) {
	var doc mongoDoc
	err := m.coll.FindOne(ctx, bson.D{{Key: "_id", Value: ref.Path()}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", ref.Path(), ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка чтения документа %s: %w", ref.Path(), err)
	}
	return doc.snapshot()
}

func (m *Mongo) query(ctx context.Context, q Query) ([]*Snapshot, error) {
	filter, err := mongoFilter(q)
	if err != nil {
		return nil, err
	}
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Direction == Desc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: "data." + q.OrderBy, Value: dir}, {Key: "docId", Value: 1}})
	} else {
		opts.SetSort(bson.D{{Key: "docId", Value: 1}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса к коллекции %s: %w", q.Collection, err)
	}
	defer cursor.Close(ctx)

	var docs []mongoDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("ошибка чтения результатов: %w", err)
	}
	out := make([]*Snapshot, 0, len(docs))
	for i := range docs {
		snap, err := docs[i].snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (m *Mongo) count(ctx context.Context, q Query) (int, error) {
	filter, err := mongoFilter(q)
	if err != nil {
		return 0, err
	}
	n, err := m.coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчета документов %s: %w", q.Collection, err)
	}
	return int(n), nil
}

// Get читает документ
func (m *Mongo) Get(ctx context.Context, ref Ref) (*Snapshot, error) { return m.get(ctx, ref) }

// Query выполняет запрос
func (m *Mongo) Query(ctx context.Context, q Query) ([]*Snapshot, error) { return m.query(ctx, q) }

// Count возвращает количество документов
func (m *Mongo) Count(ctx context.Context, q Query) (int, error) { return m.count(ctx, q) }

func (m *Mongo) Create(ctx context.Context, ref Ref, data Data) error {
	return createViaTx(ctx, m, ref, data)
}

func (m *Mongo) Set(ctx context.Context, ref Ref, data Data, opts ...SetOption) error {
	return setViaTx(ctx, m, ref, data, opts)
}

func (m *Mongo) Update(ctx context.Context, ref Ref, updates ...Update) error {
	return updateViaTx(ctx, m, ref, updates)
}

func (m *Mongo) Delete(ctx context.Context, ref Ref) error {
	return deleteViaTx(ctx, m, ref)
}

func isTransient(err error) bool {
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("TransientTransactionError") || se.HasErrorLabel("UnknownTransactionCommitResult")
	}
	return false
}

// RunTransaction выполняет fn в транзакции MongoDB. Конфликт записи
// помечается сервером как TransientTransactionError и приводит к повтору.
func (m *Mongo) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	session, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("ошибка создания сессии: %w", err)
	}
	defer session.EndSession(context.Background())

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err := mongo.WithSession(ctx, session, func(sc mongo.SessionContext) error {
			if err := session.StartTransaction(); err != nil {
				return err
			}
			mtx := &mongoTx{m: m}
			if err := fn(sc, mtx); err != nil {
				_ = session.AbortTransaction(context.Background())
				return err
			}
			if err := mtx.flush(sc); err != nil {
				_ = session.AbortTransaction(context.Background())
				return err
			}
			return session.CommitTransaction(sc)
		})
		if err == nil {
			return nil
		}
		if isTransient(err) {
			m.logger.Debug("конфликт транзакции, повтор", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return err
	}
	return ErrTxAborted
}

type mongoTx struct {
	m      *Mongo
	writes []pendingWrite
}

func (t *mongoTx) Get(ctx context.Context, ref Ref) (*Snapshot, error) { return t.m.get(ctx, ref) }

func (t *mongoTx) Query(ctx context.Context, q Query) ([]*Snapshot, error) {
	return t.m.query(ctx, q)
}

func (t *mongoTx) Count(ctx context.Context, q Query) (int, error) { return t.m.count(ctx, q) }

func (t *mongoTx) Create(ref Ref, data Data) error {
	t.writes = append(t.writes, pendingWrite{kind: writeCreate, ref: ref, data: data})
	return nil
}

func (t *mongoTx) Set(ref Ref, data Data, opts ...SetOption) error {
	t.writes = append(t.writes, pendingWrite{kind: writeSet, ref: ref, data: data, merge: hasMerge(opts)})
	return nil
}

func (t *mongoTx) Update(ref Ref, updates ...Update) error {
	t.writes = append(t.writes, pendingWrite{kind: writeUpdate, ref: ref, updates: updates})
	return nil
}

func (t *mongoTx) Delete(ref Ref) error {
	t.writes = append(t.writes, pendingWrite{kind: writeDelete, ref: ref})
	return nil
}

// serverTime возвращает время сервера из команды hello
func (t *mongoTx) serverTime(ctx context.Context) (time.Time, error) {
	var res struct {
		LocalTime time.Time `bson:"localTime"`
	}
	if err := t.m.db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&res); err != nil {
		return time.Time{}, fmt.Errorf("ошибка получения времени сервера: %w", err)
	}
	if res.LocalTime.IsZero() {
		return time.Now().UTC(), nil
	}
	return res.LocalTime.UTC(), nil
}

type mongoStaged struct {
	ref       Ref
	data      Data
	version   int64
	createdAt time.Time
	exists    bool
	existed   bool
}

func (t *mongoTx) flush(ctx context.Context) error {
	if len(t.writes) == 0 {
		return nil
	}
	now, err := t.serverTime(ctx)
	if err != nil {
		return err
	}

	staged := make(map[string]*mongoStaged)
	var order []string
	for _, w := range t.writes {
		key := w.ref.Path()
		s, ok := staged[key]
		if !ok {
			s = &mongoStaged{ref: w.ref}
			snap, err := t.m.get(ctx, w.ref)
			switch {
			case err == nil:
				s.data, s.version, s.createdAt = snap.Data, snap.Version, snap.CreatedAt
				s.exists, s.existed = true, true
			case errors.Is(err, ErrNotFound):
			default:
				return err
			}
			staged[key] = s
			order = append(order, key)
		}
		var data Data
		switch w.kind {
		case writeCreate:
			if s.exists {
				return fmt.Errorf("%s: %w", key, ErrAlreadyExists)
			}
			data, err = applySet(nil, false, w.data, false, now)
		case writeSet:
			data, err = applySet(s.data, s.exists, w.data, w.merge, now)
		case writeUpdate:
			if !s.exists {
				return fmt.Errorf("%s: %w", key, ErrNotFound)
			}
			data, err = applyUpdates(s.data, w.updates, now)
		case writeDelete:
			s.data, s.exists = nil, false
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		s.data, s.exists = data, true
	}

	for _, key := range order {
		s := staged[key]
		if !s.exists {
			if s.existed {
				if _, err := t.m.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}}); err != nil {
					return fmt.Errorf("ошибка удаления документа %s: %w", key, err)
				}
			}
			continue
		}
		doc := mongoDoc{
			ID:         key,
			Collection: s.ref.Collection,
			DocID:      s.ref.ID,
			Data:       bson.M(s.data),
			Version:    s.version + 1,
			CreatedAt:  s.createdAt,
			UpdatedAt:  now,
		}
		if !s.existed {
			doc.CreatedAt = now
			if _, err := t.m.coll.InsertOne(ctx, doc); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return fmt.Errorf("%s: %w", key, ErrAlreadyExists)
				}
				return fmt.Errorf("ошибка записи документа %s: %w", key, err)
			}
			continue
		}
		_, err := t.m.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: key}}, doc)
		if err != nil {
			return fmt.Errorf("ошибка записи документа %s: %w", key, err)
		}
	}
	return nil
}

type mongoEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *mongoDoc `bson:"fullDocument"`
}

type mongoSub struct {
	m       *Mongo
	tracker *tracker
	feed    *feed
	onError func(error)
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *mongoSub) Stop() {
	s.once.Do(func() {
		s.m.mu.Lock()
		delete(s.m.subs, s)
		s.m.mu.Unlock()
		s.cancel()
		s.feed.stop()
	})
}

// Subscribe открывает change stream, затем выдает текущие документы
func (m *Mongo) Subscribe(ctx context.Context, q Query, onChange func([]Change), onError func(error)) (Subscription, error) {
	if _, err := mongoFilter(q); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.D{
		{Key: "documentKey._id", Value: bson.D{{Key: "$regex", Value: "^" + q.Collection + "/"}}},
	}}}}
	stream, err := m.coll.Watch(streamCtx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ошибка открытия change stream: %w", err)
	}

	sub := &mongoSub{
		m:       m,
		tracker: newTracker(q),
		feed:    newFeed(onChange),
		onError: onError,
		cancel:  cancel,
	}
	snaps, err := m.query(ctx, q)
	if err != nil {
		_ = stream.Close(context.Background())
		cancel()
		return nil, err
	}
	var initial []Change
	for _, snap := range snaps {
		if change, ok := sub.tracker.observe(snap.Ref, snap); ok {
			initial = append(initial, change)
		}
	}
	sub.feed.push(initial)

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go sub.run(streamCtx, stream)
	return sub, nil
}

func (s *mongoSub) run(ctx context.Context, stream *mongo.ChangeStream) {
	defer stream.Close(context.Background())
	for stream.Next(ctx) {
		var ev mongoEvent
		if err := stream.Decode(&ev); err != nil {
			s.m.logger.Error("ошибка декодирования события", zap.Error(err))
			continue
		}
		collection, id, ok := strings.Cut(ev.DocumentKey.ID, "/")
		if !ok {
			continue
		}
		ref := Ref{Collection: collection, ID: id}
		var snap *Snapshot
		if ev.OperationType != "delete" && ev.FullDocument != nil {
			var err error
			if snap, err = ev.FullDocument.snapshot(); err != nil {
				s.m.logger.Error("ошибка декодирования документа", zap.String("path", ref.Path()), zap.Error(err))
				continue
			}
		}
		if change, ok := s.tracker.observe(ref, snap); ok {
			s.feed.push([]Change{change})
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil && s.onError != nil {
		s.onError(err)
	}
}

// Close завершает подписки и отключается от MongoDB
func (m *Mongo) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*mongoSub, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.onError != nil {
			sub.onError(ErrClosed)
		}
		sub.Stop()
	}
	if err := m.client.Disconnect(context.Background()); err != nil {
		return fmt.Errorf("ошибка отключения от MongoDB: %w", err)
	}
	return nil
}
