package jobstore

import (
	"context"
	"testing"

	"cre8/internal/config"
	"cre8/internal/jobstore/memstore"
	"cre8/internal/pkg/errors"
	"cre8/internal/pkg/logger"
)

func TestNewMemory(t *testing.T) {
	store, err := New(context.Background(), config.StoreConfig{Driver: config.DriverMemory}, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*memstore.Store); !ok {
		t.Fatalf("expected memstore, got %T", store)
	}
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), config.StoreConfig{Driver: "sqlite"}, logger.Discard())
	if !errors.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
