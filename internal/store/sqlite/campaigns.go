package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campaign_engine/internal/model"
)

var ErrNotFound = errors.New("not found")

func (s *Store) UpsertCampaign(ctx context.Context, c model.Campaign) error {
	if c.ID == "" {
		return errors.New("campaign id is required")
	}
	features, err := json.Marshal(c.Features)
	if err != nil {
		return err
	}
	profiles, err := json.Marshal(c.Profiles)
	if err != nil {
		return err
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, target_url, launch_rate_per_minute, max_concurrent_sessions, features_json, profiles_json, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			target_url = excluded.target_url,
			launch_rate_per_minute = excluded.launch_rate_per_minute,
			max_concurrent_sessions = excluded.max_concurrent_sessions,
			features_json = excluded.features_json,
			profiles_json = excluded.profiles_json,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, c.ID, c.TargetURL, c.LaunchRatePerMinute, c.MaxConcurrentSessions, string(features), string(profiles), string(c.State), c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	return err
}

const campaignColumns = `id, target_url, launch_rate_per_minute, max_concurrent_sessions, features_json, profiles_json, state, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(r rowScanner) (model.Campaign, error) {
	var row struct {
		id           string
		targetURL    string
		rate         int
		maxSessions  int
		featuresJSON string
		profilesJSON string
		state        string
		createdAt    int64
		updatedAt    int64
	}
	if err := r.Scan(&row.id, &row.targetURL, &row.rate, &row.maxSessions, &row.featuresJSON, &row.profilesJSON, &row.state, &row.createdAt, &row.updatedAt); err != nil {
		return model.Campaign{}, err
	}
	c := model.Campaign{
		ID:                    row.id,
		TargetURL:             row.targetURL,
		LaunchRatePerMinute:   row.rate,
		MaxConcurrentSessions: row.maxSessions,
		State:                 model.CampaignState(row.state),
		CreatedAt:             time.UnixMilli(row.createdAt),
		UpdatedAt:             time.UnixMilli(row.updatedAt),
	}
	if err := json.Unmarshal([]byte(row.featuresJSON), &c.Features); err != nil {
		return model.Campaign{}, fmt.Errorf("campaign %s features: %w", row.id, err)
	}
	if err := json.Unmarshal([]byte(row.profilesJSON), &c.Profiles); err != nil {
		return model.Campaign{}, fmt.Errorf("campaign %s profiles: %w", row.id, err)
	}
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *Store) ListCampaigns(ctx context.Context, limit int) ([]model.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkInterrupted closes out campaigns a previous process left running. It
// returns how many rows were touched.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET state = ?, updated_at = ?
		WHERE state IN (?, ?)
	`, string(model.CampaignStopped), time.Now().UnixMilli(), string(model.CampaignRunning), string(model.CampaignStopping))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) AppendSnapshot(ctx context.Context, snap model.StatsSnapshot) error {
	b, err := json.Marshal(snap.Stats)
	if err != nil {
		return err
	}
	if snap.AtMs == 0 {
		snap.AtMs = time.Now().UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaign_snapshots (campaign_id, reason, stats_json, at_ms)
		VALUES (?, ?, ?, ?)
	`, snap.CampaignID, snap.Reason, string(b), snap.AtMs)
	return err
}

// ListSnapshots returns a campaign's snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, campaignID string, limit int) ([]model.StatsSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT campaign_id, reason, stats_json, at_ms FROM campaign_snapshots
		WHERE campaign_id = ? ORDER BY at_ms DESC, id DESC LIMIT ?
	`, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StatsSnapshot
	for rows.Next() {
		var snap model.StatsSnapshot
		var statsJSON string
		if err := rows.Scan(&snap.CampaignID, &snap.Reason, &statsJSON, &snap.AtMs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(statsJSON), &snap.Stats); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
