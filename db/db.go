package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"
)

// Supported database drivers
const (
	DriverPostgres string = "postgres"
	DriverSQLite          = "sqlite"
)

// Options contains the parameters for opening the database
type Options struct {
	Driver string
	URI    string
	Logger *zap.Logger
}

type patchedLogger struct {
	zapgorm2.Logger
}

// ErrRecordNotFound will be handled in application logic, let's not forward this to zap/sentry
func (l *patchedLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	l.Logger.Trace(ctx, begin, fc, err)
}

// New returns an instance for interacting with the database
func New(option Options) (*gorm.DB, error) {
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.URI) == 0 {
		return nil, fmt.Errorf("empty URI is invalid")
	}

	var dialector gorm.Dialector
	switch option.Driver {
	case DriverPostgres, "":
		dialector = postgres.Open(option.URI)
	case DriverSQLite:
		dialector = sqlite.Open(option.URI)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", option.Driver)
	}

	gLogger := zapgorm2.Logger{
		ZapLogger:        option.Logger,
		LogLevel:         gormlogger.Warn,
		SlowThreshold:    time.Second,
		SkipCallerLookup: false,
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: &patchedLogger{
			Logger: gLogger,
		},
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to database")
	}
	pool, err := db.DB()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot get the connection pool")
	}
	if option.Driver == DriverSQLite {
		// ":memory:" databases live and die with their connection
		pool.SetMaxOpenConns(1)
		return db, nil
	}
	pool.SetMaxIdleConns(1)
	pool.SetMaxOpenConns(20)
	pool.SetConnMaxLifetime(time.Hour)
	return db, nil
}
