package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	"github.com/meridian-data/meridian-engine/pkg/config"
	"github.com/meridian-data/meridian-engine/pkg/driver/drivertest"
	"github.com/meridian-data/meridian-engine/pkg/pool"
	"github.com/meridian-data/meridian-engine/pkg/schema"
)

type Customer struct {
	ID      uuid.UUID `db:"id,pk"`
	Name    string    `db:"name"`
	Email   string    `db:"email"`
	Version int64     `db:"version,version"`
}

type Order struct {
	ID         int64     `db:"id,pk,generated"`
	CustomerID uuid.UUID `db:"customer_id"`
	Status     string    `db:"status"`
	Total      float64   `db:"total"`
}

type OrderItem struct {
	ID      int64  `db:"id,pk,generated"`
	OrderID int64  `db:"order_id"`
	Sku     string `db:"sku"`
	Qty     int64  `db:"qty"`
}

type Product struct {
	ID   int64  `db:"id,pk,generated"`
	Name string `db:"name"`
}

func sessionRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.NewRegistry(
		schema.EntityDef{
			Prototype: Customer{},
			Relationships: []schema.Relationship{
				{Name: "orders", Target: Order{}, Cardinality: schema.Many, ForeignKey: "customer_id", Strategy: schema.LoadLazy},
			},
		},
		schema.EntityDef{
			Prototype: Order{},
			Relationships: []schema.Relationship{
				{Name: "customer", Target: Customer{}, Cardinality: schema.One, ForeignKey: "customer_id", Strategy: schema.LoadLazy},
				{Name: "items", Target: OrderItem{}, Cardinality: schema.Many, ForeignKey: "order_id", Strategy: schema.LoadLazy},
				{Name: "products", Target: Product{}, Cardinality: schema.Many, JoinTable: "order_products", JoinSource: "order_id", JoinTarget: "product_id", Strategy: schema.LoadLazy},
			},
		},
		schema.EntityDef{Prototype: OrderItem{}},
		schema.EntityDef{Prototype: Product{}},
	)
	require.NoError(t, err)
	return reg
}

func newSession(t *testing.T) (*Session, *drivertest.Connector) {
	t.Helper()
	return newSessionWithRegistry(t, sessionRegistry(t))
}

func newSessionWithRegistry(t *testing.T, reg *schema.Registry) (*Session, *drivertest.Connector) {
	t.Helper()
	connector := drivertest.NewConnector()
	p := pool.New(connector, config.PoolConfig{
		MaxConns:       2,
		AcquireTimeout: time.Second,
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = p.Dispose() })

	s, err := Open(context.Background(), reg, p, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, connector
}

// stubCustomerRow scripts the single-row customer SELECT used by Get.
func stubCustomerRow(connector *drivertest.Connector, c Customer) {
	connector.Stub(`SELECT "customers"."id"`, drivertest.Rows(
		[]string{"id", "name", "email", "version"},
		map[string]any{"id": c.ID, "name": c.Name, "email": c.Email, "version": c.Version},
	))
}

func TestOpen_BeginsTransaction(t *testing.T) {
	s, connector := newSession(t)

	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, 1, connector.OpCount("begin"))
}

func TestAdd_RequiresPointer(t *testing.T) {
	s, _ := newSession(t)

	err := s.Add(Customer{Name: "Ada"})
	assert.ErrorContains(t, err, "requires a pointer")
}

func TestAdd_IsIdempotentPerInstance(t *testing.T) {
	s, _ := newSession(t)

	c := &Customer{Name: "Ada"}
	require.NoError(t, s.Add(c))
	require.NoError(t, s.Add(c))

	assert.Len(t, s.PendingChanges().New, 1)
}

func TestAdd_RejectsUnregisteredType(t *testing.T) {
	s, _ := newSession(t)

	type Stranger struct {
		ID int64 `db:"id,pk"`
	}
	assert.ErrorIs(t, s.Add(&Stranger{}), apperrors.ErrNotRegistered)
}

func TestGet_HitsIdentityMapOnSecondRead(t *testing.T) {
	s, connector := newSession(t)
	id := uuid.New()
	stubCustomerRow(connector, Customer{ID: id, Name: "Ada", Email: "ada@example.com", Version: 1})

	first, err := s.Get(context.Background(), Customer{}, id)
	require.NoError(t, err)
	second, err := s.Get(context.Background(), Customer{}, id)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, connector.OpCount("execute"))

	c := first.(*Customer)
	assert.Equal(t, "Ada", c.Name)
	assert.Equal(t, int64(1), c.Version)
}

func TestGet_MissReturnsNotFound(t *testing.T) {
	s, _ := newSession(t)

	_, err := s.Get(context.Background(), Customer{}, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDelete_CancelsPendingInsert(t *testing.T) {
	s, connector := newSession(t)

	c := &Customer{Name: "Ada"}
	require.NoError(t, s.Add(c))
	require.NoError(t, s.Delete(c))

	changes := s.PendingChanges()
	assert.Empty(t, changes.New)
	assert.Empty(t, changes.Removed)

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 0, connector.ExecuteCount("INSERT"))
}

func TestDelete_UntrackedEntityFails(t *testing.T) {
	s, _ := newSession(t)

	err := s.Delete(&Customer{ID: uuid.New()})
	assert.ErrorContains(t, err, "not tracked")
}

func TestCommit_ReleasesConnectionAndDetaches(t *testing.T) {
	s, connector := newSession(t)

	require.NoError(t, s.Add(&Customer{Name: "Ada"}))
	require.NoError(t, s.Commit(context.Background()))

	assert.Equal(t, StateCommitted, s.State())
	assert.Equal(t, 1, connector.OpCount("commit"))
	assert.Equal(t, 1, connector.ExecuteCount(`INSERT INTO "customers"`))

	err := s.Add(&Customer{Name: "Grace"})
	assert.ErrorIs(t, err, apperrors.ErrSessionClosed)
}

func TestRollback_DiscardsPendingChanges(t *testing.T) {
	s, connector := newSession(t)

	require.NoError(t, s.Add(&Customer{Name: "Ada"}))
	require.NoError(t, s.Rollback(context.Background()))

	assert.Equal(t, StateRolledBack, s.State())
	assert.Equal(t, 1, connector.OpCount("rollback"))
	assert.Equal(t, 0, connector.ExecuteCount("INSERT"))
}

func TestClose_IsNoopAfterCommit(t *testing.T) {
	s, connector := newSession(t)

	require.NoError(t, s.Commit(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, StateCommitted, s.State())
	assert.Equal(t, 0, connector.OpCount("rollback"))
}

func TestBeginNested_SavepointLifecycle(t *testing.T) {
	s, connector := newSession(t)

	sp, err := s.BeginNested(context.Background())
	require.NoError(t, err)
	require.NoError(t, sp.Rollback(context.Background()))

	assert.Equal(t, 1, connector.OpCount("savepoint"))
	assert.Equal(t, 1, connector.OpCount("rollback_to"))

	err = sp.Release(context.Background())
	assert.ErrorContains(t, err, "already resolved")

	sp2, err := s.BeginNested(context.Background())
	require.NoError(t, err)
	require.NoError(t, sp2.Release(context.Background()))
	assert.Equal(t, 1, connector.OpCount("release"))
}

func TestConnectionLost_ForcesSessionClosed(t *testing.T) {
	s, connector := newSession(t)
	connector.SetExecuteError(apperrors.ErrConnectionLost)

	_, err := s.Get(context.Background(), Customer{}, uuid.New())
	require.ErrorIs(t, err, apperrors.ErrConnectionLost)

	assert.Equal(t, StateRolledBack, s.State())
	assert.Equal(t, 0, connector.OpenConns())

	_, err = s.Get(context.Background(), Customer{}, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrSessionClosed)
}
