package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evetactical/gatewatch/pkg/models"
)

func TestInsertKillIdempotent(t *testing.T) {
	client, clock := newTestClient(t)
	ctx := context.Background()

	kill := storedKill(2001, 30002813, clock.Now())
	inserted, err := client.InsertKill(ctx, kill)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same kill again with different payload: first write wins.
	dup := storedKill(2001, 30002813, clock.Now())
	dup.TotalValue = 999
	inserted, err = client.InsertKill(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	stored, err := client.GetKill(ctx, 2001)
	require.NoError(t, err)
	assert.Equal(t, float64(125_000_000), stored.TotalValue)

	count, err := client.CountKills(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestInsertKillRejectsInvalid(t *testing.T) {
	client, clock := newTestClient(t)

	kill := storedKill(2002, 30002813, clock.Now())
	kill.AttackerCount = 0

	_, err := client.InsertKill(context.Background(), kill)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNoAttackers)
}

func TestQueryKills(t *testing.T) {
	client, clock := newTestClient(t)
	ctx := context.Background()
	base := clock.Now().Add(-time.Hour)

	seed := []*models.Kill{
		storedKill(1, 30002813, base),
		storedKill(2, 30002813, base.Add(10*time.Minute)),
		storedKill(3, 30000142, base.Add(20*time.Minute)),
		storedKill(4, 30002813, base.Add(30*time.Minute)),
	}
	seed[2].RegionID = 10000002
	for _, k := range seed {
		_, err := client.InsertKill(ctx, k)
		require.NoError(t, err)
	}

	tests := []struct {
		name      string
		query     KillQuery
		wantKills []int64
	}{
		{
			name:      "all kills ordered by time",
			query:     KillQuery{},
			wantKills: []int64{1, 2, 3, 4},
		},
		{
			name:      "by system",
			query:     KillQuery{SystemID: 30002813},
			wantKills: []int64{1, 2, 4},
		},
		{
			name:      "by region",
			query:     KillQuery{RegionID: 10000002},
			wantKills: []int64{3},
		},
		{
			name:      "since is inclusive",
			query:     KillQuery{Since: base.Add(10 * time.Minute)},
			wantKills: []int64{2, 3, 4},
		},
		{
			name:      "until is exclusive",
			query:     KillQuery{Until: base.Add(20 * time.Minute)},
			wantKills: []int64{1, 2},
		},
		{
			name:      "window with limit",
			query:     KillQuery{SystemID: 30002813, Since: base, Limit: 2},
			wantKills: []int64{1, 2},
		},
		{
			name:      "empty window",
			query:     KillQuery{Since: base.Add(2 * time.Hour)},
			wantKills: []int64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kills, err := client.QueryKills(ctx, tt.query)
			require.NoError(t, err)

			got := make([]int64, 0, len(kills))
			for _, k := range kills {
				got = append(got, k.KillID)
			}
			assert.Equal(t, tt.wantKills, got)
		})
	}
}

func TestKillsByAttackerOrg(t *testing.T) {
	client, clock := newTestClient(t)
	ctx := context.Background()
	base := clock.Now().Add(-time.Hour)

	a := storedKill(10, 30002813, base)
	a.AttackerOrgIDs = models.Int64List{98000100}
	b := storedKill(11, 30002813, base.Add(5*time.Minute))
	b.AttackerOrgIDs = models.Int64List{98000100, 98000300}
	c := storedKill(12, 30000142, base.Add(10*time.Minute))
	c.AttackerOrgIDs = models.Int64List{98000300}

	for _, k := range []*models.Kill{a, b, c} {
		_, err := client.InsertKill(ctx, k)
		require.NoError(t, err)
	}

	kills, err := client.KillsByAttackerOrg(ctx, 98000100, base, 0)
	require.NoError(t, err)
	require.Len(t, kills, 2)
	// Newest first.
	assert.Equal(t, int64(11), kills[0].KillID)
	assert.Equal(t, int64(10), kills[1].KillID)

	kills, err = client.KillsByAttackerOrg(ctx, 98000300, base, 1)
	require.NoError(t, err)
	require.Len(t, kills, 1)
	assert.Equal(t, int64(12), kills[0].KillID)
}

func TestInsertKillEvictsExpiredSameSystem(t *testing.T) {
	client, clock := newTestClient(t)
	ctx := context.Background()

	old := storedKill(20, 30002813, clock.Now())
	_, err := client.InsertKill(ctx, old)
	require.NoError(t, err)

	otherSystem := storedKill(21, 30000142, clock.Now())
	_, err = client.InsertKill(ctx, otherSystem)
	require.NoError(t, err)

	// Age both past the 24h window, then land a fresh kill in one system.
	clock.Advance(25 * time.Hour)
	fresh := storedKill(22, 30002813, clock.Now())
	_, err = client.InsertKill(ctx, fresh)
	require.NoError(t, err)

	_, err = client.GetKill(ctx, 20)
	assert.ErrorIs(t, err, ErrNotFound)

	// Lazy eviction only touches the written system; the sweeper owns the rest.
	_, err = client.GetKill(ctx, 21)
	assert.NoError(t, err)
	_, err = client.GetKill(ctx, 22)
	assert.NoError(t, err)
}

func TestLatestKillTime(t *testing.T) {
	client, clock := newTestClient(t)
	ctx := context.Background()

	latest, err := client.LatestKillTime(ctx)
	require.NoError(t, err)
	assert.True(t, latest.IsZero())

	newest := clock.Now().Add(-5 * time.Minute)
	_, err = client.InsertKill(ctx, storedKill(30, 30002813, clock.Now().Add(-time.Hour)))
	require.NoError(t, err)
	_, err = client.InsertKill(ctx, storedKill(31, 30002813, newest))
	require.NoError(t, err)

	latest, err = client.LatestKillTime(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, newest, latest, time.Second)
}

func TestGetKillNotFound(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.GetKill(context.Background(), 424242)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}
