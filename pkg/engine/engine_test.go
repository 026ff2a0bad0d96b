package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridian-data/meridian-engine/pkg/config"
	"github.com/meridian-data/meridian-engine/pkg/driver/drivertest"
	"github.com/meridian-data/meridian-engine/pkg/schema"
	"github.com/meridian-data/meridian-engine/pkg/session"
)

type Customer struct {
	ID    uuid.UUID `db:"id,pk"`
	Name  string    `db:"name"`
	Email string    `db:"email"`
}

func testEngine(t *testing.T) (*Engine, *drivertest.Connector) {
	t.Helper()
	reg, err := schema.NewRegistry(schema.EntityDef{Prototype: Customer{}})
	require.NoError(t, err)

	connector := drivertest.NewConnector()
	e := NewWithConnector(connector, config.PoolConfig{
		MaxConns:       2,
		AcquireTimeout: time.Second,
	}, reg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = e.Close() })
	return e, connector
}

func TestNew_RejectsUnknownDialect(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Dialect = "oracle"

	reg, err := schema.NewRegistry()
	require.NoError(t, err)

	_, err = New(cfg, reg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unsupported dialect")
}

func TestWithSession_CommitsOnSuccess(t *testing.T) {
	e, connector := testEngine(t)

	err := e.WithSession(context.Background(), func(s *session.Session) error {
		return s.Add(&Customer{Name: "Ada", Email: "ada@example.com"})
	})
	require.NoError(t, err)

	assert.Equal(t, 1, connector.ExecuteCount(`INSERT INTO "customers"`))
	assert.Equal(t, 1, connector.OpCount("commit"))
	assert.Equal(t, 0, connector.OpCount("rollback"))

	leased, idle := e.Pool().Stats()
	assert.Equal(t, 0, leased)
	assert.Equal(t, 1, idle)
}

func TestWithSession_RollsBackOnError(t *testing.T) {
	e, connector := testEngine(t)
	boom := errors.New("boom")

	err := e.WithSession(context.Background(), func(s *session.Session) error {
		if err := s.Add(&Customer{Name: "Ada"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 0, connector.ExecuteCount("INSERT"))
	assert.Equal(t, 1, connector.OpCount("rollback"))
	assert.Equal(t, 0, connector.OpCount("commit"))

	leased, _ := e.Pool().Stats()
	assert.Equal(t, 0, leased)
}

func TestWithSession_RollsBackOnPanic(t *testing.T) {
	e, connector := testEngine(t)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = e.WithSession(context.Background(), func(s *session.Session) error {
			panic("kaboom")
		})
	})

	assert.Equal(t, 1, connector.OpCount("rollback"))
	leased, _ := e.Pool().Stats()
	assert.Equal(t, 0, leased)
}

func TestPing_LeasesAndReturnsConnection(t *testing.T) {
	e, connector := testEngine(t)

	require.NoError(t, e.Ping(context.Background()))
	assert.Equal(t, 1, connector.OpCount("ping"))

	leased, idle := e.Pool().Stats()
	assert.Equal(t, 0, leased)
	assert.Equal(t, 1, idle)
}

func TestClose_DisposesPool(t *testing.T) {
	e, connector := testEngine(t)

	require.NoError(t, e.Ping(context.Background()))
	require.NoError(t, e.Close())
	assert.Equal(t, 0, connector.OpenConns())

	_, err := e.OpenSession(context.Background())
	assert.Error(t, err)
}
