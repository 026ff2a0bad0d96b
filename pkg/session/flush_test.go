package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	drv "github.com/meridian-data/meridian-engine/pkg/driver"
	"github.com/meridian-data/meridian-engine/pkg/driver/drivertest"
	"github.com/meridian-data/meridian-engine/pkg/schema"
)

func executeIndex(sqls []string, contains string) int {
	for i, sqlText := range sqls {
		if strings.Contains(sqlText, contains) {
			return i
		}
	}
	return -1
}

func TestFlush_InsertsParentsBeforeChildren(t *testing.T) {
	s, connector := newSession(t)
	connector.Stub(`INSERT INTO "orders"`, drivertest.Rows([]string{"id"}, map[string]any{"id": int64(101)}))

	customer := &Customer{ID: uuid.New(), Name: "Ada", Email: "ada@example.com"}
	order := &Order{CustomerID: customer.ID, Status: "open", Total: 10}

	// Insert order is by dependency, not Add order.
	require.NoError(t, s.Add(order))
	require.NoError(t, s.Add(customer))

	require.NoError(t, s.Flush(context.Background()))

	sqls := connector.ExecutedSQL()
	customerAt := executeIndex(sqls, `INSERT INTO "customers"`)
	orderAt := executeIndex(sqls, `INSERT INTO "orders"`)
	require.GreaterOrEqual(t, customerAt, 0)
	require.GreaterOrEqual(t, orderAt, 0)
	assert.Less(t, customerAt, orderAt)

	assert.Equal(t, int64(101), order.ID)
}

func TestFlush_LinkPropagatesGeneratedKey(t *testing.T) {
	s, connector := newSession(t)
	connector.Stub(`INSERT INTO "orders"`, drivertest.Rows([]string{"id"}, map[string]any{"id": int64(7)}))
	connector.Stub(`INSERT INTO "order_items"`, drivertest.Rows([]string{"id"}, map[string]any{"id": int64(55)}))

	order := &Order{CustomerID: uuid.New(), Status: "open"}
	item := &OrderItem{Sku: "SKU-1", Qty: 2}
	require.NoError(t, s.Add(order))
	require.NoError(t, s.Link(order, "items", item))

	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, int64(7), order.ID)
	assert.Equal(t, int64(7), item.OrderID)
	assert.Equal(t, int64(55), item.ID)
}

func TestLink_RequiresForeignKeyManyRelationship(t *testing.T) {
	s, _ := newSession(t)

	order := &Order{}
	err := s.Link(order, "customer", &Customer{})
	assert.ErrorContains(t, err, "requires a foreign-key many relationship")

	err = s.Link(order, "products", &Product{})
	assert.ErrorContains(t, err, "requires a foreign-key many relationship")

	err = s.Link(&Customer{}, "orders", &OrderItem{})
	assert.ErrorContains(t, err, "targets")
}

func TestFlush_AssignsUUIDKeyAndInitialVersion(t *testing.T) {
	s, _ := newSession(t)

	c := &Customer{Name: "Ada", Email: "ada@example.com"}
	require.NoError(t, s.Add(c))
	require.NoError(t, s.Flush(context.Background()))

	assert.NotEqual(t, uuid.Nil, c.ID)
	assert.Equal(t, int64(1), c.Version)
	assert.Empty(t, s.PendingChanges().New)
	assert.Equal(t, 1, s.identity.len())
}

func TestFlush_GeneratedKeyRequiresReturnedRow(t *testing.T) {
	s, connector := newSession(t)
	connector.Stub(`INSERT INTO "orders"`, drivertest.Affected(1))

	require.NoError(t, s.Add(&Order{CustomerID: uuid.New()}))
	err := s.Flush(context.Background())
	assert.ErrorContains(t, err, "no generated key")
	assert.Equal(t, StateOpen, s.State())
}

func TestFlush_UpdatesDirtyWithVersionPredicate(t *testing.T) {
	s, connector := newSession(t)
	id := uuid.New()
	stubCustomerRow(connector, Customer{ID: id, Name: "Ada", Email: "ada@example.com", Version: 1})
	connector.Stub(`UPDATE "customers"`, drivertest.Affected(1))

	loaded, err := s.Get(context.Background(), Customer{}, id)
	require.NoError(t, err)
	c := loaded.(*Customer)
	c.Name = "Grace"

	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, 1, connector.ExecuteCount(
		`UPDATE "customers" SET "name" = $1, "version" = $2 WHERE "id" = $3 AND "version" = $4`))
	assert.Equal(t, int64(2), c.Version)

	// The snapshot advanced with the flush, so nothing is dirty anymore.
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, connector.ExecuteCount("UPDATE"))
}

func TestFlush_UnsignedVersionColumnUpdates(t *testing.T) {
	type Device struct {
		ID      uuid.UUID `db:"id,pk"`
		Label   string    `db:"label"`
		Version uint64    `db:"version,version"`
	}
	reg, err := schema.NewRegistry(schema.EntityDef{Prototype: Device{}})
	require.NoError(t, err)
	s, connector := newSessionWithRegistry(t, reg)

	id := uuid.New()
	connector.Stub(`SELECT "devices"."id"`, drivertest.Rows(
		[]string{"id", "label", "version"},
		map[string]any{"id": id, "label": "thermostat", "version": uint64(3)},
	))
	connector.Stub(`UPDATE "devices"`, drivertest.Affected(1))

	loaded, err := s.Get(context.Background(), Device{}, id)
	require.NoError(t, err)
	d := loaded.(*Device)
	d.Label = "hygrometer"

	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, 1, connector.ExecuteCount(
		`UPDATE "devices" SET "label" = $1, "version" = $2 WHERE "id" = $3 AND "version" = $4`))
	assert.Equal(t, uint64(4), d.Version)
	assert.Equal(t, StateOpen, s.State())
}

func TestFlush_StaleUpdateFailsAndStaysOpen(t *testing.T) {
	s, connector := newSession(t)
	id := uuid.New()
	stubCustomerRow(connector, Customer{ID: id, Name: "Ada", Email: "ada@example.com", Version: 1})
	// No UPDATE stub: zero rows affected, as when another transaction
	// bumped the version first.

	loaded, err := s.Get(context.Background(), Customer{}, id)
	require.NoError(t, err)
	c := loaded.(*Customer)
	c.Name = "Grace"

	err = s.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsStaleData(err))

	var stale *apperrors.StaleDataError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "Customer", stale.Entity)

	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, int64(1), c.Version)
	assert.Len(t, s.PendingChanges().Dirty, 1)
	assert.Equal(t, 1, connector.OpCount("rollback_to"))
}

func TestFlush_FailureRevertsInMemorySideEffects(t *testing.T) {
	s, connector := newSession(t)
	cause := apperrors.NewConstraintViolation("unique", "orders_status_key", errors.New("duplicate key"))
	orderInserts := 0
	connector.StubFunc(`INSERT INTO "orders"`, func(args []any) (*drv.Result, error) {
		orderInserts++
		if orderInserts == 1 {
			return nil, cause
		}
		return drivertest.Rows([]string{"id"}, map[string]any{"id": int64(1)}), nil
	})

	c := &Customer{Name: "Ada", Email: "ada@example.com"}
	o := &Order{Status: "open"}
	require.NoError(t, s.Add(c))
	require.NoError(t, s.Add(o))

	err := s.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsConstraintViolation(err))

	// The customer insert succeeded inside the savepoint; its assigned
	// key and tracking are rolled back along with it.
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, uuid.Nil, c.ID)
	assert.Equal(t, 0, s.identity.len())
	assert.Len(t, s.PendingChanges().New, 2)
	assert.Equal(t, 1, connector.OpCount("rollback_to"))

	// A retry after the conflict is resolved succeeds.
	require.NoError(t, s.Flush(context.Background()))
	assert.Empty(t, s.PendingChanges().New)
}

func TestFlush_DeleteDetachesEntity(t *testing.T) {
	s, connector := newSession(t)
	id := uuid.New()
	stubCustomerRow(connector, Customer{ID: id, Name: "Ada", Email: "ada@example.com", Version: 1})
	connector.Stub(`DELETE FROM "customers"`, drivertest.Affected(1))

	loaded, err := s.Get(context.Background(), Customer{}, id)
	require.NoError(t, err)
	require.NoError(t, s.Delete(loaded))

	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, 1, connector.ExecuteCount(
		`DELETE FROM "customers" WHERE "id" = $1 AND "version" = $2`))
	assert.Equal(t, 0, s.identity.len())
	assert.Empty(t, s.PendingChanges().Removed)
}

func TestFlush_StaleDeleteFails(t *testing.T) {
	s, connector := newSession(t)
	id := uuid.New()
	stubCustomerRow(connector, Customer{ID: id, Name: "Ada", Email: "ada@example.com", Version: 1})

	loaded, err := s.Get(context.Background(), Customer{}, id)
	require.NoError(t, err)
	require.NoError(t, s.Delete(loaded))

	err = s.Flush(context.Background())
	assert.True(t, apperrors.IsStaleData(err))
	assert.Equal(t, StateOpen, s.State())
	assert.Len(t, s.PendingChanges().Removed, 1)
}

func TestFlush_NothingPendingIssuesNoStatements(t *testing.T) {
	s, connector := newSession(t)

	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, 0, connector.OpCount("execute"))
	assert.Equal(t, 0, connector.OpCount("savepoint"))
}

func TestFlush_CyclicForeignKeysFail(t *testing.T) {
	type Alpha struct {
		ID     int64 `db:"id,pk,generated"`
		BetaID int64 `db:"beta_id"`
	}
	type Beta struct {
		ID      int64 `db:"id,pk,generated"`
		AlphaID int64 `db:"alpha_id"`
	}
	reg, err := schema.NewRegistry(
		schema.EntityDef{
			Prototype: Alpha{},
			Relationships: []schema.Relationship{
				{Name: "beta", Target: Beta{}, Cardinality: schema.One, ForeignKey: "beta_id", Strategy: schema.LoadLazy},
			},
		},
		schema.EntityDef{
			Prototype: Beta{},
			Relationships: []schema.Relationship{
				{Name: "alpha", Target: Alpha{}, Cardinality: schema.One, ForeignKey: "alpha_id", Strategy: schema.LoadLazy},
			},
		},
	)
	require.NoError(t, err)
	s, connector := newSessionWithRegistry(t, reg)

	require.NoError(t, s.Add(&Alpha{}))
	require.NoError(t, s.Add(&Beta{}))

	err = s.Flush(context.Background())
	require.Error(t, err)

	var cyclic *apperrors.CyclicDependencyError
	require.ErrorAs(t, err, &cyclic)
	assert.NotEmpty(t, cyclic.Cycle)

	// The cycle is detected before any statement or savepoint.
	assert.Equal(t, 0, connector.OpCount("execute"))
	assert.Equal(t, 0, connector.OpCount("savepoint"))
}

func TestFlush_ConnectionLostMidFlush(t *testing.T) {
	s, connector := newSession(t)
	connector.StubError(`INSERT INTO "customers"`, apperrors.ErrConnectionLost)

	require.NoError(t, s.Add(&Customer{Name: "Ada"}))

	err := s.Flush(context.Background())
	require.ErrorIs(t, err, apperrors.ErrConnectionLost)
	assert.Equal(t, StateRolledBack, s.State())
	assert.Equal(t, 0, connector.OpenConns())
}
