package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ChangesChannel канал LISTEN/NOTIFY, в который триггер таблицы documents
// публикует путь измененного документа
const ChangesChannel = "docstore_changes"

const reconnectDelay = time.Second

// Postgres документное хранилище поверх таблицы documents (jsonb).
// Транзакции выполняются с уровнем SERIALIZABLE, конфликты повторяются.
type Postgres struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	maxAttempts int

	mu       sync.Mutex
	subs     map[uint64]*pgSub
	nextSub  uint64
	listener context.CancelFunc
	ready    chan struct{}
	closed   bool
}

// NewPostgres создает хранилище; пул принадлежит хранилищу и закрывается в Close
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger, maxAttempts int) *Postgres {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Postgres{
		pool:        pool,
		logger:      logger,
		maxAttempts: maxAttempts,
		subs:        make(map[uint64]*pgSub),
	}
}

// Ping проверяет подключение к базе
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgGet(ctx context.Context, db querier, ref Ref) (*Snapshot, error) {
	var (
		raw  []byte
		snap = &Snapshot{Ref: ref}
	)
	err := db.QueryRow(ctx, `
		SELECT data, version, created_at, updated_at
		FROM documents
		WHERE collection = $1 AND id = $2`, ref.Collection, ref.ID,
	).Scan(&raw, &snap.Version, &snap.CreatedAt, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", ref.Path(), ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка чтения документа %s: %w", ref.Path(), err)
	}
	if err := json.Unmarshal(raw, &snap.Data); err != nil {
		return nil, fmt.Errorf("ошибка декодирования документа %s: %w", ref.Path(), err)
	}
	return snap, nil
}

func pgQuery(ctx context.Context, db querier, q Query) ([]*Snapshot, error) {
	where, args, err := buildWhere(q)
	if err != nil {
		return nil, err
	}
	sql := `SELECT id, data, version, created_at, updated_at FROM documents WHERE ` + where
	if q.OrderBy != "" {
		args = append(args, strings.Split(q.OrderBy, "."))
		n := len(args)
		dir := "ASC"
		if q.Direction == Desc {
			dir = "DESC"
		}
		sql += fmt.Sprintf(" ORDER BY (data #> $%d) IS NULL, data #> $%d %s, id", n, n, dir)
	} else {
		sql += " ORDER BY id"
	}
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса к коллекции %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var raw []byte
		snap := &Snapshot{Ref: Ref{Collection: q.Collection}}
		if err := rows.Scan(&snap.Ref.ID, &raw, &snap.Version, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования документа: %w", err)
		}
		if err := json.Unmarshal(raw, &snap.Data); err != nil {
			return nil, fmt.Errorf("ошибка декодирования документа %s: %w", snap.Ref.Path(), err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения результатов: %w", err)
	}
	return out, nil
}

func pgCount(ctx context.Context, db querier, q Query) (int, error) {
	where, args, err := buildWhere(q)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRow(ctx, `SELECT count(*) FROM documents WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчета документов %s: %w", q.Collection, err)
	}
	return n, nil
}

// buildWhere переводит фильтры запроса в условия над jsonb
func buildWhere(q Query) (string, []any, error) {
	args := []any{q.Collection}
	conds := []string{"collection = $1"}
	for _, f := range q.Filters {
		value, err := canonical(f.Value)
		if err != nil {
			return "", nil, err
		}
		path := strings.Split(f.Field, ".")
		switch f.Op {
		case OpEqual:
			switch value.(type) {
			case nil:
				args = append(args, path)
				conds = append(conds, fmt.Sprintf("COALESCE(data #> $%d, 'null'::jsonb) = 'null'::jsonb", len(args)))
			case map[string]any, []any:
				raw, _ := json.Marshal(value)
				args = append(args, path, string(raw))
				conds = append(conds, fmt.Sprintf("data #> $%d = $%d::jsonb", len(args)-1, len(args)))
			default:
				raw, err := json.Marshal(nestValue(path, value))
				if err != nil {
					return "", nil, err
				}
				args = append(args, string(raw))
				conds = append(conds, fmt.Sprintf("data @> $%d::jsonb", len(args)))
			}
		case OpGreaterOrEqual:
			switch v := value.(type) {
			case float64:
				args = append(args, path, v)
				conds = append(conds, fmt.Sprintf(
					"CASE WHEN jsonb_typeof(data #> $%d) = 'number' THEN (data #>> $%d)::numeric >= $%d ELSE false END",
					len(args)-1, len(args)-1, len(args)))
			case string:
				args = append(args, path, v)
				conds = append(conds, fmt.Sprintf(
					`CASE WHEN jsonb_typeof(data #> $%d) = 'string' THEN (data #>> $%d) COLLATE "C" >= $%d ELSE false END`,
					len(args)-1, len(args)-1, len(args)))
			default:
				return "", nil, fmt.Errorf("неподдерживаемое значение для %s %s", f.Field, f.Op)
			}
		default:
			return "", nil, fmt.Errorf("неподдерживаемый оператор %s", f.Op)
		}
	}
	return strings.Join(conds, " AND "), args, nil
}

func nestValue(path []string, value any) map[string]any {
	out := map[string]any{path[len(path)-1]: value}
	for i := len(path) - 2; i >= 0; i-- {
		out = map[string]any{path[i]: out}
	}
	return out
}

// Get читает документ
func (p *Postgres) Get(ctx context.Context, ref Ref) (*Snapshot, error) {
	return pgGet(ctx, p.pool, ref)
}

// Query выполняет запрос
func (p *Postgres) Query(ctx context.Context, q Query) ([]*Snapshot, error) {
	return pgQuery(ctx, p.pool, q)
}

// Count возвращает количество документов
func (p *Postgres) Count(ctx context.Context, q Query) (int, error) {
	return pgCount(ctx, p.pool, q)
}

// Create создает документ, если его еще нет
func (p *Postgres) Create(ctx context.Context, ref Ref, data Data) error {
	return createViaTx(ctx, p, ref, data)
}

// Set записывает документ
func (p *Postgres) Set(ctx context.Context, ref Ref, data Data, opts ...SetOption) error {
	return setViaTx(ctx, p, ref, data, opts)
}

// Update изменяет поля существующего документа
func (p *Postgres) Update(ctx context.Context, ref Ref, updates ...Update) error {
	return updateViaTx(ctx, p, ref, updates)
}

// Delete удаляет документ
func (p *Postgres) Delete(ctx context.Context, ref Ref) error {
	return deleteViaTx(ctx, p, ref)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// RunTransaction выполняет fn в транзакции SERIALIZABLE
func (p *Postgres) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err := p.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			p.logger.Debug("конфликт сериализации, повтор транзакции",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return err
	}
	return ErrTxAborted
}

func (p *Postgres) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	ptx := &pgTx{tx: tx}
	if err := fn(ctx, ptx); err != nil {
		return err
	}
	if err := ptx.flush(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

type pgTx struct {
	tx     pgx.Tx
	writes []pendingWrite
}

func (t *pgTx) Get(ctx context.Context, ref Ref) (*Snapshot, error) {
	return pgGet(ctx, t.tx, ref)
}

func (t *pgTx) Query(ctx context.Context, q Query) ([]*Snapshot, error) {
	return pgQuery(ctx, t.tx, q)
}

func (t *pgTx) Count(ctx context.Context, q Query) (int, error) {
	return pgCount(ctx, t.tx, q)
}

func (t *pgTx) Create(ref Ref, data Data) error {
	t.writes = append(t.writes, pendingWrite{kind: writeCreate, ref: ref, data: data})
	return nil
}

func (t *pgTx) Set(ref Ref, data Data, opts ...SetOption) error {
	t.writes = append(t.writes, pendingWrite{kind: writeSet, ref: ref, data: data, merge: hasMerge(opts)})
	return nil
}

func (t *pgTx) Update(ref Ref, updates ...Update) error {
	t.writes = append(t.writes, pendingWrite{kind: writeUpdate, ref: ref, updates: updates})
	return nil
}

func (t *pgTx) Delete(ref Ref) error {
	t.writes = append(t.writes, pendingWrite{kind: writeDelete, ref: ref})
	return nil
}

type pgStaged struct {
	ref     Ref
	data    Data
	exists  bool
	existed bool
}

// flush применяет буферизованные записи; метка времени сервера общая
// для всех записей транзакции
func (t *pgTx) flush(ctx context.Context) error {
	if len(t.writes) == 0 {
		return nil
	}
	var now time.Time
	if err := t.tx.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return fmt.Errorf("ошибка получения времени сервера: %w", err)
	}

	staged := make(map[string]*pgStaged)
	var order []string
	load := func(ctx context.Context, ref Ref) (*pgStaged, error) {
		if s, ok := staged[ref.Path()]; ok {
			return s, nil
		}
		s := &pgStaged{ref: ref}
		snap, err := pgGet(ctx, t.tx, ref)
		switch {
		case err == nil:
			s.data, s.exists, s.existed = snap.Data, true, true
		case errors.Is(err, ErrNotFound):
		default:
			return nil, err
		}
		staged[ref.Path()] = s
		order = append(order, ref.Path())
		return s, nil
	}

	for _, w := range t.writes {
		s, err := load(ctx, w.ref)
		if err != nil {
			return err
		}
		var data Data
		switch w.kind {
		case writeCreate:
			if s.exists {
				return fmt.Errorf("%s: %w", w.ref.Path(), ErrAlreadyExists)
			}
			data, err = applySet(nil, false, w.data, false, now)
		case writeSet:
			data, err = applySet(s.data, s.exists, w.data, w.merge, now)
		case writeUpdate:
			if !s.exists {
				return fmt.Errorf("%s: %w", w.ref.Path(), ErrNotFound)
			}
			data, err = applyUpdates(s.data, w.updates, now)
		case writeDelete:
			s.data, s.exists = nil, false
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", w.ref.Path(), err)
		}
		s.data, s.exists = data, true
	}

	for _, key := range order {
		s := staged[key]
		if !s.exists {
			if s.existed {
				if _, err := t.tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`,
					s.ref.Collection, s.ref.ID); err != nil {
					return fmt.Errorf("ошибка удаления документа %s: %w", key, err)
				}
			}
			continue
		}
		raw, err := json.Marshal(s.data)
		if err != nil {
			return fmt.Errorf("ошибка кодирования документа %s: %w", key, err)
		}
		_, err = t.tx.Exec(ctx, `
			INSERT INTO documents (collection, id, data, version, created_at, updated_at)
			VALUES ($1, $2, $3::jsonb, 1, $4, $4)
			ON CONFLICT (collection, id) DO UPDATE
			SET data = EXCLUDED.data,
			    version = documents.version + 1,
			    updated_at = EXCLUDED.updated_at`,
			s.ref.Collection, s.ref.ID, string(raw), now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%s: %w", key, ErrAlreadyExists)
			}
			return fmt.Errorf("ошибка записи документа %s: %w", key, err)
		}
	}
	return nil
}

type pgSub struct {
	p       *Postgres
	id      uint64
	query   Query
	mu      sync.Mutex
	tracker *tracker
	feed    *feed
	onError func(error)
	once    sync.Once
}

func (s *pgSub) Stop() {
	s.once.Do(func() {
		s.p.mu.Lock()
		delete(s.p.subs, s.id)
		s.p.mu.Unlock()
		s.feed.stop()
	})
}

func (s *pgSub) deliver(ref Ref, snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if change, ok := s.tracker.observe(ref, snap); ok {
		s.feed.push([]Change{change})
	}
}

// resync сверяет известные документы с актуальным результатом запроса
func (s *pgSub) resync(snaps []*Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changes []Change
	present := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		present[snap.Ref.ID] = true
		if change, ok := s.tracker.observe(snap.Ref, snap); ok {
			changes = append(changes, change)
		}
	}
	for id := range s.tracker.known {
		if present[id] {
			continue
		}
		if change, ok := s.tracker.observe(Ref{Collection: s.query.Collection, ID: id}, nil); ok {
			changes = append(changes, change)
		}
	}
	s.feed.push(changes)
}

// Subscribe подписывается на изменения через LISTEN/NOTIFY
func (p *Postgres) Subscribe(ctx context.Context, q Query, onChange func([]Change), onError func(error)) (Subscription, error) {
	if _, _, err := buildWhere(q); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.startListenerLocked()
	ready := p.ready
	p.nextSub++
	sub := &pgSub{
		p:       p,
		id:      p.nextSub,
		query:   q,
		tracker: newTracker(q),
		feed:    newFeed(onChange),
		onError: onError,
	}
	p.subs[sub.id] = sub
	p.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		sub.Stop()
		return nil, ctx.Err()
	}

	snaps, err := pgQuery(ctx, p.pool, q)
	if err != nil {
		sub.Stop()
		return nil, err
	}
	sub.resync(snaps)
	context.AfterFunc(ctx, sub.Stop)
	return sub, nil
}

func (p *Postgres) startListenerLocked() {
	if p.listener != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.listener = cancel
	p.ready = make(chan struct{})
	go p.listen(ctx, p.ready)
}

func (p *Postgres) listen(ctx context.Context, ready chan struct{}) {
	var readyOnce sync.Once
	first := true
	for ctx.Err() == nil {
		err := p.listenOnce(ctx, func() {
			readyOnce.Do(func() { close(ready) })
			if !first {
				p.resyncAll(ctx)
			}
			first = false
		})
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("соединение LISTEN потеряно, переподключение", zap.Error(err))
		p.broadcastError(err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (p *Postgres) listenOnce(ctx context.Context, onReady func()) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("ошибка получения соединения: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangesChannel); err != nil {
		return fmt.Errorf("ошибка подписки на канал: %w", err)
	}
	onReady()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		collection, id, ok := strings.Cut(n.Payload, "/")
		if !ok {
			continue
		}
		p.dispatch(ctx, Ref{Collection: collection, ID: id})
	}
}

func (p *Postgres) subscribers(collection string) []*pgSub {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*pgSub
	for _, sub := range p.subs {
		if collection == "" || sub.query.Collection == collection {
			out = append(out, sub)
		}
	}
	return out
}

func (p *Postgres) dispatch(ctx context.Context, ref Ref) {
	subs := p.subscribers(ref.Collection)
	if len(subs) == 0 {
		return
	}
	snap, err := pgGet(ctx, p.pool, ref)
	if err != nil && !errors.Is(err, ErrNotFound) {
		p.logger.Error("ошибка чтения измененного документа", zap.String("path", ref.Path()), zap.Error(err))
		return
	}
	for _, sub := range subs {
		sub.deliver(ref, snap)
	}
}

func (p *Postgres) resyncAll(ctx context.Context) {
	for _, sub := range p.subscribers("") {
		snaps, err := pgQuery(ctx, p.pool, sub.query)
		if err != nil {
			p.logger.Error("ошибка синхронизации подписки", zap.Error(err))
			continue
		}
		sub.resync(snaps)
	}
}

func (p *Postgres) broadcastError(err error) {
	for _, sub := range p.subscribers("") {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

// Close останавливает подписки и закрывает пул соединений
func (p *Postgres) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.listener != nil {
		p.listener()
	}
	subs := make([]*pgSub, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		if sub.onError != nil {
			sub.onError(ErrClosed)
		}
		sub.Stop()
	}
	p.pool.Close()
	p.logger.Info("соединение с PostgreSQL закрыто")
	return nil
}
