package remote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	offlineengine "github.com/wolfeidau/offline-engine"
)

func TestMemoryApplier(t *testing.T) {
	ctx := context.Background()

	t.Run("replayed create is applied once", func(t *testing.T) {
		m := NewMemoryApplier()
		mut := Mutation{
			Table:          "invoices",
			Operation:      offlineengine.OpCreate,
			RecordID:       "inv-1",
			Payload:        json.RawMessage(`{"total":1}`),
			IdempotencyKey: "k1",
		}
		require.NoError(t, m.Apply(ctx, mut))

		mut.Payload = json.RawMessage(`{"total":2}`)
		require.NoError(t, m.Apply(ctx, mut))

		rows := m.Rows("invoices")
		require.Len(t, rows, 1)
		assert.JSONEq(t, `{"total":1}`, string(rows["inv-1"]))
		assert.Len(t, m.Calls(), 2)
	})

	t.Run("create of an existing identifier keeps the original row", func(t *testing.T) {
		m := NewMemoryApplier()
		require.NoError(t, m.Apply(ctx, Mutation{
			Table: "invoices", Operation: offlineengine.OpCreate, RecordID: "inv-1",
			Payload: json.RawMessage(`{"total":1}`), IdempotencyKey: "k1",
		}))
		require.NoError(t, m.Apply(ctx, Mutation{
			Table: "invoices", Operation: offlineengine.OpCreate, RecordID: "inv-1",
			Payload: json.RawMessage(`{"total":2}`), IdempotencyKey: "k2",
		}))

		rows := m.Rows("invoices")
		require.Len(t, rows, 1)
		assert.JSONEq(t, `{"total":1}`, string(rows["inv-1"]))

		require.NoError(t, m.Apply(ctx, Mutation{
			Table: "invoices", Operation: offlineengine.OpUpdate, RecordID: "inv-1",
			Payload: json.RawMessage(`{"total":3}`), IdempotencyKey: "k3",
		}))
		assert.JSONEq(t, `{"total":3}`, string(m.Rows("invoices")["inv-1"]), "updates still apply")
	})

	t.Run("delete removes row", func(t *testing.T) {
		m := NewMemoryApplier()
		require.NoError(t, m.Apply(ctx, Mutation{Table: "t", Operation: offlineengine.OpSave, RecordID: "a", Payload: json.RawMessage(`{}`)}))
		require.NoError(t, m.Apply(ctx, Mutation{Table: "t", Operation: offlineengine.OpDelete, RecordID: "a"}))
		assert.Empty(t, m.Rows("t"))
	})

	t.Run("injected failure", func(t *testing.T) {
		m := NewMemoryApplier()
		boom := errors.New("boom")
		m.FailWith(func(mut Mutation) error {
			if mut.Operation == offlineengine.OpUpdate {
				return boom
			}
			return nil
		})

		require.ErrorIs(t, m.Apply(ctx, Mutation{Table: "t", Operation: offlineengine.OpUpdate, RecordID: "x"}), boom)
		require.NoError(t, m.Apply(ctx, Mutation{Table: "t", Operation: offlineengine.OpCreate, RecordID: "y"}))

		m.FailWith(nil)
		require.NoError(t, m.Apply(ctx, Mutation{Table: "t", Operation: offlineengine.OpUpdate, RecordID: "x"}))
	})

	t.Run("cancelled context is a network error", func(t *testing.T) {
		m := NewMemoryApplier()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		require.ErrorIs(t, m.Apply(cctx, Mutation{Table: "t", Operation: offlineengine.OpCreate}), offlineengine.ErrNetwork)
	})

	t.Run("applier func", func(t *testing.T) {
		var got Mutation
		a := ApplierFunc(func(_ context.Context, m Mutation) error {
			got = m
			return nil
		})
		require.NoError(t, a.Apply(ctx, Mutation{Table: "z"}))
		assert.Equal(t, "z", got.Table)
	})
}
