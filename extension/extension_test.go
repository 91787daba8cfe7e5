package extension

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/store/memory"
)

func TestBuildStoreDefaultsToMemory(t *testing.T) {
	e := New()
	s, err := e.buildStore()
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, s)
}

func TestBuildStoreNeedsGroveDB(t *testing.T) {
	e := New(WithConfig(Config{Driver: DriverPostgres}))
	_, err := e.buildStore()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WithGroveDB")
}

func TestMergeConfigurations(t *testing.T) {
	e := New()

	programmatic := DefaultConfig()
	programmatic.DisableMigrate = true

	file := Config{Engine: entitle.Config{GracePeriodDays: 7, CacheTTL: time.Minute}}
	got := e.mergeConfigurations(file, programmatic)

	assert.True(t, got.DisableMigrate)
	assert.Equal(t, DriverMemory, got.Driver)
	assert.Equal(t, 7, got.Engine.GracePeriodDays)
	assert.Equal(t, time.Minute, got.Engine.CacheTTL)
	assert.InDelta(t, 0.8, got.Engine.NearLimitThreshold, 1e-9)
	assert.Equal(t, 1024, got.Engine.CacheSize)
}

func TestMergeWithDefaultsFillsEmptyEngine(t *testing.T) {
	e := New()
	got := e.mergeWithDefaults(Config{})
	assert.Equal(t, entitle.DefaultConfig(), got.Engine)
	assert.Equal(t, DriverMemory, got.Driver)
}

type lockedSchema struct {
	*memory.Store
}

func (lockedSchema) Migrate(context.Context) error { return errors.New("schema locked") }

func TestBuildEngineOptsHonorsDisableMigrate(t *testing.T) {
	ctx := context.Background()

	e := New(WithDisableMigrate())
	e.config = e.mergeWithDefaults(e.config)
	eng, err := entitle.New(lockedSchema{memory.New()}, e.buildEngineOpts()...)
	require.NoError(t, err)
	assert.Equal(t, entitle.DefaultConfig(), eng.Config())
	assert.NoError(t, eng.Start(ctx))

	e = New()
	e.config = e.mergeWithDefaults(e.config)
	eng, err = entitle.New(lockedSchema{memory.New()}, e.buildEngineOpts()...)
	require.NoError(t, err)
	assert.ErrorIs(t, eng.Start(ctx), entitle.ErrMigrationFailed)
}
