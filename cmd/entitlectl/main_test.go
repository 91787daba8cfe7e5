package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/period"
	"github.com/xraph/entitle/plan"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("ENTITLE_CONFIG", "")
	t.Setenv("ENTITLE_DSN", "")

	path := writeFile(t, "entitle.yaml", `
driver: postgres
dsn: postgres://localhost/billing
engine:
  grace_period_days: 5
  cache_ttl: 10m
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "postgres://localhost/billing", cfg.DSN)
	assert.Equal(t, 5, cfg.Engine.GracePeriodDays)
	assert.Equal(t, 10*time.Minute, cfg.Engine.CacheTTL)
	assert.InDelta(t, 0.8, cfg.Engine.NearLimitThreshold, 1e-9, "unset keys keep defaults")

	t.Setenv("ENTITLE_DSN", "postgres://override/billing")
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://override/billing", cfg.DSN)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv("ENTITLE_CONFIG", "")
	t.Setenv("ENTITLE_DSN", "")

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "an explicit path must exist")

	bad := writeFile(t, "bad.yaml", "engine:\n  near_limit_threshold: 2\n")
	_, err = loadConfig(bad)
	require.ErrorIs(t, err, entitle.ErrInvalidInput)
}

func TestParsePlans(t *testing.T) {
	plans, err := parsePlans([]byte(`
plans:
  - name: Team
    slug: team
    price: "120.00"
    cadence: yearly
    trial_days: 7
    features:
      - {key: api_calls, name: API Calls, limit: 5000}
      - {key: seats, name: Seats, unlimited: true}
      - {key: sso, name: SSO, enabled: true}
      - {key: support, name: Support, text: priority}
  - name: Legacy
    slug: legacy
    inactive: true
`))
	require.NoError(t, err)
	require.Len(t, plans, 2)

	team := plans[0]
	assert.Equal(t, period.Yearly, team.Cadence)
	assert.Equal(t, "usd", team.Currency)
	assert.True(t, team.Active)
	assert.Equal(t, "10.00", team.MonthlyPrice().StringFixed(2))
	require.Len(t, team.Features, 4)
	assert.Equal(t, int64(5000), team.Features[0].NumericLimit())
	assert.Equal(t, int64(-1), team.Features[1].NumericLimit())
	assert.Equal(t, plan.FeatureBoolean, team.Features[2].Type)
	assert.Equal(t, "priority", team.Features[3].Text)

	assert.False(t, plans[1].Active)
	assert.Equal(t, period.Monthly, plans[1].Cadence)
}

func TestParsePlansRejectsBadInput(t *testing.T) {
	_, err := parsePlans([]byte("plans:\n  - {slug: x, cadence: daily}\n"))
	require.Error(t, err)

	_, err = parsePlans([]byte("plans:\n  - {slug: x, price: abc}\n"))
	require.Error(t, err)

	_, err = parsePlans([]byte("plans:\n  - slug: x\n    features:\n      - {key: k, name: K}\n"))
	require.Error(t, err)
}

func memoryEngine(t *testing.T) *entitle.Engine {
	t.Helper()
	cfg := defaultConfig()
	cfg.Driver = "memory"
	cfg.LogLevel = "error"

	eng, err := openEngine(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng
}

func TestCommandsAgainstMemoryStore(t *testing.T) {
	ctx := context.Background()
	eng := memoryEngine(t)

	var out bytes.Buffer
	require.NoError(t, seedPlans(ctx, eng, plan.DefaultPlans(), &out))
	assert.Contains(t, out.String(), "seeded 3 of 3 plans")

	out.Reset()
	require.NoError(t, seedPlans(ctx, eng, plan.DefaultPlans(), &out))
	assert.Contains(t, out.String(), "seeded 0 of 3 plans")

	out.Reset()
	require.NoError(t, listPlans(ctx, eng, &out, true, true))
	var rows []planRow
	require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
	require.Len(t, rows, 3)

	starter, err := eng.PlanBySlug(ctx, "starter")
	require.NoError(t, err)
	_, err = eng.CreateSubscription(ctx, "acct_1", starter.ID, entitle.CreateOpts{})
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, printStats(ctx, eng, &out, false))
	assert.Contains(t, out.String(), "plans")
	assert.Contains(t, out.String(), "mrr usd")
	assert.Contains(t, out.String(), "9.99")

	out.Reset()
	require.NoError(t, sweepOnce(ctx, eng, entitle.SweepOpts{DryRun: true}, &out, false))
	assert.Contains(t, out.String(), "checked: 0")

	out.Reset()
	require.NoError(t, cleanup(ctx, eng, 30, true, &out, false))
	assert.Contains(t, out.String(), "would remove 0 usage records")

	require.Error(t, cleanup(ctx, eng, 0, false, &out, false))
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, err := openStore(config{Driver: "cassandra"})
	require.Error(t, err)
}
