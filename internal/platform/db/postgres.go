package db

import (
	"fmt"
	stdlog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/forgepipe/enginecore/internal/pipeline/model"
	"github.com/forgepipe/enginecore/internal/platform/config"
	"github.com/forgepipe/enginecore/internal/platform/logger"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(cfg config.Config, log *logger.Logger) (*PostgresService, error) {
	svcLog := log.With("service", "PostgresService")

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresName,
	)

	// Ignore "record not found" spam: the dispatcher polls constantly and a
	// miss is the expected steady-state outcome, not an error worth logging.
	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	svcLog.Info("connecting to postgres")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresService{db: gdb, log: svcLog}, nil
}

func (p *PostgresService) DB() *gorm.DB { return p.db }

func (p *PostgresService) AutoMigrateAll() error {
	return p.db.AutoMigrate(
		&model.PipelineExecution{},
		&model.StageExecution{},
		&model.TaskExecution{},
		&model.QueuedMessage{},
		&model.ConfigAdmission{},
		&model.ConfigWaitingEntry{},
	)
}
