// Package jobstore picks the JobStore backend named by configuration.
package jobstore

import (
	"context"
	"fmt"

	"cre8/internal/config"
	"cre8/internal/jobstore/memstore"
	"cre8/internal/jobstore/mongostore"
	"cre8/internal/jobstore/pgstore"
	"cre8/internal/pkg/errors"
	"cre8/internal/pkg/logger"
	"cre8/internal/ports"
)

func New(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (ports.JobStore, error) {
	switch cfg.Driver {
	case config.DriverMongo, "":
		s, err := mongostore.Connect(ctx, mongostore.Config{
			URI:              cfg.MongoURI,
			Database:         cfg.MongoDatabase,
			JobsCollection:   cfg.JobsCollection,
			EventsCollection: cfg.EventsCollection,
			Timeout:          cfg.Timeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.DriverPostgres:
		s, err := pgstore.Connect(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.DriverMemory:
		log.Warn("using in-memory job store, jobs are lost on restart")
		return memstore.New(), nil

	default:
		return nil, errors.Configuration("STORE_DRIVER", fmt.Sprintf("unknown store driver: %s", cfg.Driver))
	}
}
