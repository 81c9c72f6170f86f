package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign_engine/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCampaignRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.UnixMilli(time.Now().UnixMilli())

	c := model.Campaign{
		ID:                    "c1",
		TargetURL:             "https://example.com",
		LaunchRatePerMinute:   30,
		MaxConcurrentSessions: 3,
		Features:              model.Features{ProxyRotation: true, NaturalScrolling: true},
		Profiles:              []model.Profile{model.ProfileCasual, model.ProfileMobile},
		State:                 model.CampaignRunning,
		CreatedAt:             created,
		UpdatedAt:             created,
	}
	require.NoError(t, s.UpsertCampaign(ctx, c))

	c.State = model.CampaignStopped
	c.UpdatedAt = created.Add(time.Second)
	require.NoError(t, s.UpsertCampaign(ctx, c))

	got, err := s.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStopped, got.State)
	assert.Equal(t, c.Profiles, got.Profiles)
	assert.True(t, got.Features.NaturalScrolling)
	assert.True(t, got.CreatedAt.Equal(created))

	_, err = s.GetCampaign(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListCampaigns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMarkInterrupted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for id, st := range map[string]model.CampaignState{"a": model.CampaignRunning, "b": model.CampaignStopping, "c": model.CampaignStopped} {
		require.NoError(t, s.UpsertCampaign(ctx, model.Campaign{ID: id, TargetURL: "https://x.test", LaunchRatePerMinute: 1, MaxConcurrentSessions: 1, State: st}))
	}
	n, err := s.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.GetCampaign(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStopped, got.State)
}

func TestSnapshotsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendSnapshot(ctx, model.StatsSnapshot{CampaignID: "c1", AtMs: 100, Stats: model.CampaignStats{TotalLaunched: 1}}))
	require.NoError(t, s.AppendSnapshot(ctx, model.StatsSnapshot{CampaignID: "c1", AtMs: 200, Reason: "final", Stats: model.CampaignStats{TotalLaunched: 2, SuccessRate: 0.5}}))
	require.NoError(t, s.AppendSnapshot(ctx, model.StatsSnapshot{CampaignID: "other", AtMs: 300}))

	snaps, err := s.ListSnapshots(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "final", snaps[0].Reason)
	assert.Equal(t, 2, snaps[0].Stats.TotalLaunched)
	assert.InDelta(t, 0.5, snaps[0].Stats.SuccessRate, 1e-9)
}

func TestEmailSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetEmailSettings(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	in := model.EmailSettings{Enabled: true, Email: "ops@example.com", AuthCode: "code", SMTPHost: "mail.example.com", SMTPPort: 587}
	_, err = s.UpsertEmailSettings(ctx, in)
	require.NoError(t, err)

	got, ok, err := s.GetEmailSettings(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, in, got)
}
