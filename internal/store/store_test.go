package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miesc/internal/audit"
	"miesc/internal/correlation"
	"miesc/internal/finding"
)

func openArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive", "miesc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func sampleReport(auditID string) *audit.Report {
	now := time.Now().UTC().Truncate(time.Second)
	return &audit.Report{
		AuditID: auditID,
		State:   audit.StateCompleted,
		Status:  audit.ReportOK,
		Summary: audit.Summary{
			CountsBySeverity: map[finding.Severity]int{finding.SeverityHigh: 1},
			Total:            1,
		},
		Findings: []correlation.CorrelatedFinding{
			{
				Fingerprint:        "fp-1",
				Class:              "reentrancy-eth",
				VulnerabilityType:  "reentrancy-eth",
				Title:              "Reentrancy in withdraw",
				Location:           finding.Location{File: "Vault.sol", LineStart: 42},
				ConfidenceAdjusted: 0.77,
				SeverityFinal:      finding.SeverityHigh,
			},
		},
		Metadata: audit.Metadata{
			Profile:   audit.ProfileStandard,
			Target:    "Vault.sol",
			ToolsUsed: []string{"alpha", "beta"},
			DurationS: 1.5,
		},
		CreatedAt:  now.Add(-time.Minute),
		FinishedAt: now,
	}
}

func TestSaveAndLoadReport(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()

	want := sampleReport("audit-1")
	require.NoError(t, a.SaveReport(ctx, want))

	got, err := a.LoadReport(ctx, "audit-1")
	require.NoError(t, err)
	assert.Equal(t, want.AuditID, got.AuditID)
	assert.Equal(t, want.Status, got.Status)
	require.Len(t, got.Findings, 1)
	assert.Equal(t, "fp-1", got.Findings[0].Fingerprint)
	assert.Equal(t, finding.SeverityHigh, got.Findings[0].SeverityFinal)
}

func TestLoadMissingReport(t *testing.T) {
	a := openArchive(t)
	_, err := a.LoadReport(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResaveReplacesFindings(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()

	first := sampleReport("audit-1")
	require.NoError(t, a.SaveReport(ctx, first))

	second := sampleReport("audit-1")
	second.Findings[0].Fingerprint = "fp-2"
	second.Findings[0].Class = "tx-origin"
	require.NoError(t, a.SaveReport(ctx, second))

	counts, err := a.ClassCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"tx-origin": 1}, counts,
		"stale findings from the first save must not linger")
}

func TestListAuditsNewestFirst(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()

	old := sampleReport("audit-old")
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, a.SaveReport(ctx, old))

	fresh := sampleReport("audit-fresh")
	require.NoError(t, a.SaveReport(ctx, fresh))

	recs, err := a.ListAudits(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "audit-fresh", recs[0].AuditID)
	assert.Equal(t, "audit-old", recs[1].AuditID)
	assert.Equal(t, "standard", recs[0].Profile)

	recs, err = a.ListAudits(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestFindingsByClassAcrossAudits(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()

	r1 := sampleReport("audit-1")
	require.NoError(t, a.SaveReport(ctx, r1))

	r2 := sampleReport("audit-2")
	r2.Findings[0].Fingerprint = "fp-9"
	r2.Findings[0].ConfidenceAdjusted = 0.95
	require.NoError(t, a.SaveReport(ctx, r2))

	fs, err := a.FindingsByClass(ctx, "reentrancy-eth", 0)
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Equal(t, "fp-9", fs[0].Fingerprint, "highest confidence first")

	fs, err = a.FindingsByClass(ctx, "no-such-class", 0)
	require.NoError(t, err)
	assert.Empty(t, fs)
}
