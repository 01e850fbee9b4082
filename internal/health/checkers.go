package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrSealerUnreachable is returned when the encryption service does not answer.
	ErrSealerUnreachable = errors.New("encryption service unreachable")
	ErrDatabaseDown      = errors.New("database ping failed")
	ErrRedisDown         = errors.New("redis ping failed")
)

// DBChecker pings the capsule database.
type DBChecker struct {
	db *sql.DB
}

func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseDown, err)
	}
	return nil
}

// RedisChecker pings the access-window store.
type RedisChecker struct {
	client redis.Cmdable
}

func NewRedisChecker(client redis.Cmdable) *RedisChecker {
	return &RedisChecker{client: client}
}

func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisDown, err)
	}
	return nil
}

// Connectivity reports whether a collaborator answers.
type Connectivity interface {
	VerifyConnectivity(ctx context.Context) bool
}

// SealerChecker checks that the encryption service answers.
type SealerChecker struct {
	conn Connectivity
}

func NewSealerChecker(c Connectivity) *SealerChecker {
	return &SealerChecker{conn: c}
}

func (s *SealerChecker) HealthCheck(ctx context.Context) error {
	if !s.conn.VerifyConnectivity(ctx) {
		return ErrSealerUnreachable
	}
	return nil
}
