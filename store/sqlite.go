package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"entitytrack/tracking"
)

// ErrClosed 存储已关闭
var ErrClosed = errors.New("save store closed")

// SavedEntity 最后一次被判定为需要保存的实体状态
type SavedEntity struct {
	Room      string
	EntityID  tracking.EntityID
	Category  tracking.Category
	Pos       tracking.Vec3
	Threshold float64
	Observer  tracking.ObserverID
	Tick      uint64
	SavedAt   time.Time
}

// UntrackRow 取消追踪审计记录
type UntrackRow struct {
	Room     string
	Tick     uint64
	Observer tracking.ObserverID
	EntityID tracking.EntityID
	Reason   string
	Saved    bool
	Distance float64
	Range    float64
}

// SaveStore 保存协作方：核心只触发保存判定，实际写盘由这里完成。
// 写入通过单个写协程串行执行，Tick 线程只负责入队。
type SaveStore struct {
	db  *sql.DB
	log *zap.Logger

	mu   sync.RWMutex
	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	written atomic.Int64
	failed  atomic.Int64
}

type req struct {
	room string
	ev   tracking.UntrackEvent
	done chan struct{} // 非空表示 flush 屏障
}

func OpenSQLite(path string, log *zap.Logger) (*SaveStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SaveStore{
		db:  db,
		log: log,
		ch:  make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS saved_entities (
			room TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			category TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			threshold REAL NOT NULL,
			observer_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			saved_at TEXT NOT NULL,
			PRIMARY KEY (room, entity_id)
		);`,
		`CREATE TABLE IF NOT EXISTS untracks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			room TEXT NOT NULL,
			tick INTEGER NOT NULL,
			observer_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			saved INTEGER NOT NULL,
			distance REAL NOT NULL,
			eff_range REAL NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_untracks_entity ON untracks(room, entity_id, tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// ForRoom 返回绑定房间的 Hooks，只关心取消追踪事件
func (s *SaveStore) ForRoom(room string) tracking.Hooks {
	return tracking.HookFuncs{Untrack: func(ev tracking.UntrackEvent) { s.Enqueue(room, ev) }}
}

// Enqueue 入队；队列满时阻塞而不是丢弃，保存请求不能丢
func (s *SaveStore) Enqueue(room string, ev tracking.UntrackEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		s.log.Warn("untrack after store closed", zap.String("room", room), zap.String("entity", string(ev.Entity.ID)))
		return
	}
	s.ch <- req{room: room, ev: ev}
}

// Flush 等待此前入队的请求全部写完
func (s *SaveStore) Flush(ctx context.Context) error {
	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{done: done}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SaveStore) loop() {
	for r := range s.ch {
		if r.done != nil {
			close(r.done)
			continue
		}
		if err := s.write(r.room, r.ev); err != nil {
			s.failed.Add(1)
			s.log.Error("save write failed",
				zap.String("room", r.room),
				zap.String("entity", string(r.ev.Entity.ID)),
				zap.Error(err))
			continue
		}
		s.written.Add(1)
	}
}

func (s *SaveStore) write(room string, ev tracking.UntrackEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	saved := 0
	if ev.Saved {
		saved = 1
	}
	if _, err := tx.Exec(`INSERT INTO untracks(room, tick, observer_id, entity_id, reason, saved, distance, eff_range, raw_json)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		room, int64(ev.Tick), string(ev.Observer.ID), string(ev.Entity.ID), ev.Reason.String(), saved,
		ev.Distance, ev.Range, string(raw)); err != nil {
		return err
	}
	if ev.Saved {
		e := ev.Entity
		if _, err := tx.Exec(`INSERT INTO saved_entities(room, entity_id, category, x, y, z, threshold, observer_id, tick, saved_at)
			VALUES(?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(room, entity_id) DO UPDATE SET
				category=excluded.category, x=excluded.x, y=excluded.y, z=excluded.z,
				threshold=excluded.threshold, observer_id=excluded.observer_id,
				tick=excluded.tick, saved_at=excluded.saved_at`,
			room, string(e.ID), e.Category.String(), e.Pos.X, e.Pos.Y, e.Pos.Z, e.Threshold,
			string(ev.Observer.ID), int64(ev.Tick), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SavedEntity 查询实体最后保存的状态
func (s *SaveStore) SavedEntity(ctx context.Context, room string, id tracking.EntityID) (SavedEntity, bool, error) {
	var (
		out      SavedEntity
		cat      string
		tick     int64
		savedAt  string
		observer string
	)
	err := s.db.QueryRowContext(ctx, `SELECT category, x, y, z, threshold, observer_id, tick, saved_at
		FROM saved_entities WHERE room = ? AND entity_id = ?`, room, string(id)).
		Scan(&cat, &out.Pos.X, &out.Pos.Y, &out.Pos.Z, &out.Threshold, &observer, &tick, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SavedEntity{}, false, nil
	}
	if err != nil {
		return SavedEntity{}, false, err
	}
	c, err := tracking.ParseCategory(cat)
	if err != nil {
		return SavedEntity{}, false, err
	}
	out.Room = room
	out.EntityID = id
	out.Category = c
	out.Observer = tracking.ObserverID(observer)
	out.Tick = uint64(tick)
	out.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
	return out, true, nil
}

// Untracks 某实体的取消追踪记录，按写入顺序
func (s *SaveStore) Untracks(ctx context.Context, room string, id tracking.EntityID) ([]UntrackRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tick, observer_id, reason, saved, distance, eff_range
		FROM untracks WHERE room = ? AND entity_id = ? ORDER BY seq`, room, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UntrackRow
	for rows.Next() {
		var (
			r        UntrackRow
			tick     int64
			observer string
			saved    int
		)
		if err := rows.Scan(&tick, &observer, &r.Reason, &saved, &r.Distance, &r.Range); err != nil {
			return nil, err
		}
		r.Room = room
		r.EntityID = id
		r.Tick = uint64(tick)
		r.Observer = tracking.ObserverID(observer)
		r.Saved = saved == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats 写入计数
func (s *SaveStore) Stats() (written, failed int64) {
	return s.written.Load(), s.failed.Load()
}

func (s *SaveStore) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}
