package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/billing"
	memstore "github.com/warp/invoice-engine/billing/store"
	"github.com/warp/invoice-engine/store"
	"github.com/warp/invoice-engine/store/postgres"
	"github.com/warp/invoice-engine/store/sqlite"
)

func TestOpen_SelectsBackendByScheme(t *testing.T) {
	tests := []struct {
		dsn     string
		backend string
		check   func(t *testing.T, s billing.RemoteStore)
	}{
		{"memory://", "memory", func(t *testing.T, s billing.RemoteStore) { assert.IsType(t, &memstore.Memory{}, s) }},
		{"", "memory", func(t *testing.T, s billing.RemoteStore) { assert.IsType(t, &memstore.Memory{}, s) }},
		{"sqlite://:memory:", "sqlite", func(t *testing.T, s billing.RemoteStore) { assert.IsType(t, &sqlite.Store{}, s) }},
		{":memory:", "sqlite", func(t *testing.T, s billing.RemoteStore) { assert.IsType(t, &sqlite.Store{}, s) }},
		{"postgres://u:p@localhost/db", "postgres", func(t *testing.T, s billing.RemoteStore) { assert.IsType(t, &postgres.Store{}, s) }},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			s, err := store.Open(tt.dsn)
			require.NoError(t, err)
			defer s.Close()
			tt.check(t, s)
			assert.Equal(t, tt.backend, store.Backend(tt.dsn))
		})
	}
}

func TestOpen_UnknownScheme(t *testing.T) {
	_, err := store.Open("mysql://localhost/db")
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}
