package store

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	recentTripsKey = "trips:recent"
	planKeyPrefix  = "plan:"
	maxRecentTrips = 50
)

// RememberTrip moves tripID to the front of the recent-trips list.
func RememberTrip(ctx context.Context, st Store, tripID string) error {
	trips, err := RecentTrips(ctx, st)
	if err != nil {
		return err
	}
	out := []string{tripID}
	for _, id := range trips {
		if id != tripID {
			out = append(out, id)
		}
	}
	if len(out) > maxRecentTrips {
		out = out[:maxRecentTrips]
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode recent trips: %w", err)
	}
	if err := st.Set(ctx, recentTripsKey, string(b)); err != nil {
		return fmt.Errorf("save recent trips: %w", err)
	}
	return nil
}

// RecentTrips returns remembered trip ids, most recent first.
func RecentTrips(ctx context.Context, st Store) ([]string, error) {
	raw, ok, err := st.Get(ctx, recentTripsKey)
	if err != nil {
		return nil, fmt.Errorf("load recent trips: %w", err)
	}
	if !ok {
		return []string{}, nil
	}
	var trips []string
	if err := json.Unmarshal([]byte(raw), &trips); err != nil {
		return nil, fmt.Errorf("decode recent trips: %w", err)
	}
	return trips, nil
}

// SavePlan caches a plan's raw JSON.
func SavePlan(ctx context.Context, st Store, tripID string, plan json.RawMessage) error {
	if err := st.Set(ctx, planKeyPrefix+tripID, string(plan)); err != nil {
		return fmt.Errorf("save plan %s: %w", tripID, err)
	}
	return nil
}

// LoadPlan returns a cached plan; ok is false when none is cached.
func LoadPlan(ctx context.Context, st Store, tripID string) (json.RawMessage, bool, error) {
	raw, ok, err := st.Get(ctx, planKeyPrefix+tripID)
	if err != nil {
		return nil, false, fmt.Errorf("load plan %s: %w", tripID, err)
	}
	if !ok {
		return nil, false, nil
	}
	return json.RawMessage(raw), true, nil
}

// ForgetTrip drops a trip's cached plan and its recent-list entry.
func ForgetTrip(ctx context.Context, st Store, tripID string) error {
	if err := st.Delete(ctx, planKeyPrefix+tripID); err != nil {
		return fmt.Errorf("delete plan %s: %w", tripID, err)
	}
	trips, err := RecentTrips(ctx, st)
	if err != nil {
		return err
	}
	out := make([]string, 0, len(trips))
	for _, id := range trips {
		if id != tripID {
			out = append(out, id)
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode recent trips: %w", err)
	}
	return st.Set(ctx, recentTripsKey, string(b))
}
