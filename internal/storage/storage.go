package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DoyleJ11/tabletop-backend/internal/store"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	uniqueViolation = "23505"
)

var ErrUnknownDriver = errors.New("unknown database driver")

// DB is the relational checkpoint behind the session store.
type DB struct {
	gdb *gorm.DB
	sql *sql.DB
}

var _ store.Checkpoint = (*DB)(nil)

// Open connects to driver/dsn and migrates the schema.
func Open(driver, dsn string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		cfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse database url: %w", err)
		}
		if cfg.RuntimeParams == nil {
			cfg.RuntimeParams = map[string]string{}
		}
		if _, ok := cfg.RuntimeParams["application_name"]; !ok {
			cfg.RuntimeParams["application_name"] = "tabletop-backend"
		}
		dialector = postgres.New(postgres.Config{Conn: stdlib.OpenDB(*cfg)})

	case DriverSQLite, "":
		path, err := sqliteDSN(dsn)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(path)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newZapLogger(log),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql handle: %w", err)
	}
	if driver != DriverPostgres {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}

	if err := gdb.AutoMigrate(&SessionRow{}, &PlayerRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &DB{gdb: gdb, sql: sqlDB}, nil
}

// sqliteDSN creates the parent directory of a file database and turns on
// foreign keys.
func sqliteDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", errors.New("database path is empty")
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		path, _, _ := strings.Cut(dsn, "?")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("ensure db directory: %w", err)
		}
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn, nil
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", nil
}

func (d *DB) InsertSession(ctx context.Context, rec store.SessionRecord) error {
	row := SessionRow{
		RoomCode:     rec.RoomCode,
		DMKey:        rec.DMKeyHash,
		CreatedAt:    rec.CreatedAt,
		LastActivity: rec.LastActivity,
	}
	if err := d.gdb.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("insert session %s: %w", rec.RoomCode, store.ErrRoomCodeTaken)
		}
		return fmt.Errorf("insert session %s: %w", rec.RoomCode, err)
	}
	return nil
}

func (d *DB) TouchSession(ctx context.Context, code string, at time.Time) error {
	err := d.gdb.WithContext(ctx).
		Model(&SessionRow{}).
		Where("room_code = ?", code).
		Update("last_activity", at).Error
	if err != nil {
		return fmt.Errorf("touch session %s: %w", code, err)
	}
	return nil
}

func (d *DB) DeleteSession(ctx context.Context, code string) error {
	err := d.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_room_code = ?", code).Delete(&PlayerRow{}).Error; err != nil {
			return err
		}
		return tx.Where("room_code = ?", code).Delete(&SessionRow{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", code, err)
	}
	return nil
}

func (d *DB) UpsertPlayer(ctx context.Context, rec store.PlayerRecord) error {
	row := PlayerRow{
		ID:              rec.ID,
		SessionRoomCode: rec.RoomCode,
		Name:            rec.Name,
		JoinedAt:        rec.JoinedAt,
	}
	err := d.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"session_room_code", "name", "joined_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert player %s: %w", rec.ID, err)
	}
	return nil
}

func (d *DB) DeletePlayer(ctx context.Context, id string) error {
	if err := d.gdb.WithContext(ctx).Where("id = ?", id).Delete(&PlayerRow{}).Error; err != nil {
		return fmt.Errorf("delete player %s: %w", id, err)
	}
	return nil
}

// ClearPlayers drops every player row. Rosters do not survive a restart.
func (d *DB) ClearPlayers(ctx context.Context) error {
	err := d.gdb.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&PlayerRow{}).Error
	if err != nil {
		return fmt.Errorf("clear players: %w", err)
	}
	return nil
}

func (d *DB) LoadSessions(ctx context.Context) ([]store.SessionRecord, error) {
	var rows []SessionRow
	if err := d.gdb.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	out := make([]store.SessionRecord, len(rows))
	for i, r := range rows {
		out[i] = store.SessionRecord{
			RoomCode:     r.RoomCode,
			DMKeyHash:    r.DMKey,
			CreatedAt:    r.CreatedAt,
			LastActivity: r.LastActivity,
		}
	}
	return out, nil
}

// DeleteSessionsBefore purges every session idle since before cutoff and
// returns how many were removed.
func (d *DB) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := d.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := tx.Model(&SessionRow{}).Select("room_code").Where("last_activity < ?", cutoff)
		if err := tx.Where("session_room_code IN (?)", stale).Delete(&PlayerRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("last_activity < ?", cutoff).Delete(&SessionRow{})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("delete sessions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return n, nil
}

func (d *DB) CountSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	if err := d.gdb.WithContext(ctx).Model(&SessionRow{}).Where("last_activity < ?", cutoff).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count sessions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return n, nil
}

func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
