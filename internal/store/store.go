package store

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DoyleJ11/tabletop-backend/internal/engine"
	"github.com/DoyleJ11/tabletop-backend/internal/roomcode"
	"go.uber.org/zap"
)

var ErrRoomCodeTaken = errors.New("room code already taken")
var ErrCodeSpaceExhausted = errors.New("could not allocate a unique room code")
var ErrClosed = errors.New("store is closed")

const (
	DefaultTTL             = 24 * time.Hour
	DefaultMaxCodeAttempts = 16
	DefaultQueueSize       = 1024
	DefaultWriteTimeout    = 5 * time.Second
)

// SessionRecord is the durable part of a session.
type SessionRecord struct {
	RoomCode     string
	DMKeyHash    string
	CreatedAt    time.Time
	LastActivity time.Time
}

type PlayerRecord struct {
	ID       string
	RoomCode string
	Name     string
	JoinedAt time.Time
}

// Checkpoint is the durable shadow of the store. Implementations return
// ErrRoomCodeTaken from InsertSession when the code already has a row.
type Checkpoint interface {
	InsertSession(ctx context.Context, rec SessionRecord) error
	TouchSession(ctx context.Context, code string, at time.Time) error
	DeleteSession(ctx context.Context, code string) error
	UpsertPlayer(ctx context.Context, rec PlayerRecord) error
	DeletePlayer(ctx context.Context, id string) error
	ClearPlayers(ctx context.Context) error
	LoadSessions(ctx context.Context) ([]SessionRecord, error)
}

type Options struct {
	TTL             time.Duration
	MaxCodeAttempts int
	// MaxPlayers caps the roster of one room; zero means no cap.
	MaxPlayers   int
	Generator    roomcode.Generator
	Now          func() time.Time
	Logger       *zap.Logger
	QueueSize    int
	WriteTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxCodeAttempts <= 0 {
		o.MaxCodeAttempts = DefaultMaxCodeAttempts
	}
	if o.Generator == nil {
		o.Generator = roomcode.CryptoGenerator{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
}

type write struct {
	op    string
	fn    func(ctx context.Context, cp Checkpoint) error
	reply chan error
}

// Store owns every live session. Memory is the source of truth; each
// mutation is mirrored to the checkpoint by a single background writer, in
// order, and a failed write is logged and never rolled back.
type Store struct {
	cp   Checkpoint
	opts Options
	log  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*engine.Session

	qmu    sync.Mutex
	closed bool
	writes chan write
	done   chan struct{}
}

func New(cp Checkpoint, opts Options) *Store {
	opts.applyDefaults()
	s := &Store{
		cp:       cp,
		opts:     opts,
		log:      opts.Logger.Named("store"),
		sessions: make(map[string]*engine.Session),
		writes:   make(chan write, opts.QueueSize),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	defer close(s.done)
	for w := range s.writes {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
		err := w.fn(ctx, s.cp)
		cancel()

		if w.reply != nil {
			w.reply <- err
			continue
		}
		if err != nil {
			s.log.Warn("checkpoint write failed", zap.String("op", w.op), zap.Error(err))
		}
	}
}

// enqueue never blocks the caller. A full queue drops the write.
func (s *Store) enqueue(op string, fn func(ctx context.Context, cp Checkpoint) error) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.writes <- write{op: op, fn: fn}:
	default:
		s.log.Warn("checkpoint queue full, dropping write", zap.String("op", op))
	}
}

// await runs fn on the writer after everything already queued.
func (s *Store) await(ctx context.Context, op string, fn func(ctx context.Context, cp Checkpoint) error) error {
	reply := make(chan error, 1)

	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return ErrClosed
	}
	select {
	case s.writes <- write{op: op, fn: fn, reply: reply}:
		s.qmu.Unlock()
	case <-ctx.Done():
		s.qmu.Unlock()
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every write queued so far has been attempted.
func (s *Store) Flush(ctx context.Context) error {
	return s.await(ctx, "flush", func(context.Context, Checkpoint) error { return nil })
}

// Close stops accepting writes and drains the queue.
func (s *Store) Close() error {
	s.qmu.Lock()
	if !s.closed {
		s.closed = true
		close(s.writes)
	}
	s.qmu.Unlock()
	<-s.done
	return nil
}

// CreateSession allocates a room with a fresh code and DM key. The key is
// returned exactly once; only its digest is kept. Codes are unique against
// memory, which holds every checkpointed room once LoadSessions has run, so
// the insert is queued like any other write.
func (s *Store) CreateSession(ctx context.Context) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	key, err := s.opts.Generator.DMKey()
	if err != nil {
		return "", "", fmt.Errorf("generate dm key: %w", err)
	}
	hash := hashKey(key)

	for attempt := 0; attempt < s.opts.MaxCodeAttempts; attempt++ {
		code, err := s.opts.Generator.RoomCode()
		if err != nil {
			return "", "", fmt.Errorf("generate room code: %w", err)
		}
		code = roomcode.Canonical(code)

		now := s.opts.Now()
		s.mu.Lock()
		if _, taken := s.sessions[code]; taken {
			s.mu.Unlock()
			s.log.Debug("room code collision, regenerating", zap.String("room", code))
			continue
		}
		sess := engine.NewSession(code, hash, now, now)
		s.sessions[code] = sess
		// Queued under the lock so no touch for this room can beat it.
		rec := SessionRecord{RoomCode: code, DMKeyHash: string(hash), CreatedAt: now, LastActivity: now}
		s.enqueue("insert session", func(ctx context.Context, cp Checkpoint) error {
			err := cp.InsertSession(ctx, rec)
			if errors.Is(err, ErrRoomCodeTaken) {
				s.evict(code, sess)
			}
			return err
		})
		s.mu.Unlock()
		return code, key, nil
	}
	return "", "", ErrCodeSpaceExhausted
}

// evict drops a room whose code turned out to belong to another checkpointed
// session. Later writes for the code would land on that session's row.
func (s *Store) evict(code string, sess *engine.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[code] == sess {
		delete(s.sessions, code)
		s.log.Error("room code already checkpointed, room dropped", zap.String("room", code))
	}
}

// hashKey is the stored form of a DM key. Keys are random and long, so a
// plain digest is enough.
func hashKey(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return []byte(hex.EncodeToString(sum[:]))
}

// GetSession returns a deep copy, or nil.
func (s *Store) GetSession(code string) *engine.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[roomcode.Canonical(code)]
	if !ok {
		return nil
	}
	return sess.Clone()
}

func (s *Store) SessionExists(code string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[roomcode.Canonical(code)]
	return ok
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) ValidateDMKey(code, key string) bool {
	s.mu.RLock()
	sess, ok := s.sessions[roomcode.Canonical(code)]
	var hash []byte
	if ok {
		hash = sess.DMKeyHash
	}
	s.mu.RUnlock()
	if !ok || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare(hash, hashKey(key)) == 1
}

// SetDMConnection binds connID as the room's DM, replacing any earlier
// binding.
func (s *Store) SetDMConnection(code, connID string) error {
	return s.mutate(code, func(sess *engine.Session) error {
		sess.DMConnectionID = connID
		return nil
	})
}

// ClearDMConnection unbinds the DM only if connID is still the bound one.
// The session itself is untouched.
func (s *Store) ClearDMConnection(code, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[roomcode.Canonical(code)]
	if !ok || sess.DMConnectionID != connID {
		return false
	}
	sess.DMConnectionID = ""
	return true
}

// IsDM reports whether connID is the room's bound DM connection.
func (s *Store) IsDM(code, connID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[roomcode.Canonical(code)]
	return ok && connID != "" && sess.DMConnectionID == connID
}

// Touch stamps activity on a room without changing its state.
func (s *Store) Touch(code string) error {
	return s.mutate(code, func(*engine.Session) error { return nil })
}

// LoadSessions rebuilds every checkpointed room as an empty shell so the DM
// can reclaim it. Player rows are stale after a restart and are dropped.
// Call it before serving.
func (s *Store) LoadSessions(ctx context.Context) (int, error) {
	if err := s.cp.ClearPlayers(ctx); err != nil {
		s.log.Warn("could not clear stale players", zap.Error(err))
	}
	recs, err := s.cp.LoadSessions(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		code := roomcode.Canonical(r.RoomCode)
		s.sessions[code] = engine.NewSession(code, []byte(r.DMKeyHash), r.CreatedAt, r.LastActivity)
	}
	s.log.Info("sessions loaded", zap.Int("count", len(recs)))
	return len(recs), nil
}

// CleanupExpiredSessions purges rooms idle for longer than the TTL and
// returns their codes.
func (s *Store) CleanupExpiredSessions(ctx context.Context) []string {
	cutoff := s.opts.Now().Add(-s.opts.TTL)

	s.mu.Lock()
	var expired []string
	for code, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			expired = append(expired, code)
			delete(s.sessions, code)
		}
	}
	s.mu.Unlock()

	sort.Strings(expired)
	for _, code := range expired {
		s.enqueue("delete session", func(ctx context.Context, cp Checkpoint) error {
			return cp.DeleteSession(ctx, code)
		})
	}
	if len(expired) > 0 {
		s.log.Info("expired sessions purged", zap.Strings("rooms", expired))
	}
	return expired
}

// mutate runs fn on the live session under the write lock. fn must either
// fully apply or return an error before changing anything. On success the
// room's activity is stamped and checkpointed.
func (s *Store) mutate(code string, fn func(sess *engine.Session) error) error {
	code = roomcode.Canonical(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[code]
	if !ok {
		return engine.ErrSessionNotFound
	}
	if err := fn(sess); err != nil {
		return err
	}

	now := s.opts.Now()
	sess.LastActivity = now
	s.enqueue("touch session", func(ctx context.Context, cp Checkpoint) error {
		return cp.TouchSession(ctx, code, now)
	})
	return nil
}
