package wallet_test

import (
	"context"
	"errors"
	"testing"

	"mercator-hq/gatekeeper/pkg/wallet"
	"mercator-hq/gatekeeper/pkg/wallet/wallettest"
)

func TestMemoryStore(t *testing.T) {
	wallettest.Run(t, func(t *testing.T) wallet.Store {
		return wallet.NewMemoryStore()
	})
}

func TestMemoryStore_Closed(t *testing.T) {
	store := wallet.NewMemoryStore()
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx := context.Background()
	if err := store.Ping(ctx); !errors.Is(err, wallet.ErrStorageUnavailable) {
		t.Errorf("Expected ErrStorageUnavailable from Ping, got %v", err)
	}
	err := store.Update(ctx, "org-1", func(wallet.Tx) error { return nil })
	if !errors.Is(err, wallet.ErrStorageUnavailable) {
		t.Errorf("Expected ErrStorageUnavailable from Update, got %v", err)
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := wallet.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Update(ctx, "org-1", func(wallet.Tx) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
