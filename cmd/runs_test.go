//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/clinical-extractor/internal/model"
)

func sampleRuns() []model.RunRecord {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return []model.RunRecord{
		{ID: "0f7c2a4e-1111-4c1e-9a55-000000000001", RequestID: "req-1", HighestTierUsed: model.TierB, OverallConfidence: 0.9, EntityCount: 3, CreatedAt: created},
		{ID: "0f7c2a4e-2222-4c1e-9a55-000000000002", RequestID: "req-2", HighestTierUsed: model.TierD, OverallConfidence: 0.8, EntityCount: 2, CreatedAt: created},
		{ID: "0f7c2a4e-3333-4c1e-9a55-000000000003", RequestID: "req-3", HighestTierUsed: model.TierA, OverallConfidence: 0.4, EntityCount: 1, EscalationDenied: true, CreatedAt: created},
		{ID: "0f7c2a4e-4444-4c1e-9a55-000000000004", RequestID: "req-4", CreatedAt: created},
	}
}

func TestComputeRunStats(t *testing.T) {
	s := computeRunStats(sampleRuns())

	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.ByTier[model.TierB])
	assert.Equal(t, 1, s.ByTier[model.TierD])
	assert.Equal(t, 1, s.ByTier[model.TierA])
	assert.Equal(t, 1, s.ByTier[model.TierNone])
	assert.Equal(t, 1, s.Denied)
	assert.Equal(t, 6, s.Entities)
	assert.InDelta(t, 0.525, s.AvgConfidence, 1e-9)
}

func TestComputeRunStats_Empty(t *testing.T) {
	s := computeRunStats(nil)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.AvgConfidence)
	assert.Empty(t, s.ByTier)
}

func TestFormatRunsList(t *testing.T) {
	var buf bytes.Buffer
	formatRunsList(&buf, sampleRuns())

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "TIER")
	assert.Contains(t, out, "0f7c2a4e")
	assert.NotContains(t, out, "0f7c2a4e-1111")
	assert.Contains(t, out, "0.90")
	assert.Contains(t, out, "2026-03-01 09:30")
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, computeRunStats(sampleRuns()))

	out := buf.String()
	assert.Contains(t, out, "Total runs:")
	assert.Contains(t, out, "Tier B:")
	assert.Contains(t, out, "Tier -:")
	assert.Contains(t, out, "Budget denied:")
	assert.Contains(t, out, "Avg confidence:")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("Tier -")), bytes.Index(buf.Bytes(), []byte("Tier A")))
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "0f7c2a4e", truncateID("0f7c2a4e-1111-4c1e-9a55-000000000001"))
	assert.Equal(t, "short", truncateID("short"))
	assert.Equal(t, "", truncateID(""))
}
