package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillcore/backend/internal/domain"
)

func TestZReportKey(t *testing.T) {
	assert.Equal(t, "zreport:reg_1:2026-03-14", ZReportKey("reg_1", "2026-03-14"))
}

func TestNoopCacheAlwaysMisses(t *testing.T) {
	var c ZReportCache = NoopZReportCache{}
	require.NoError(t, c.Set(context.Background(), &domain.ZReport{RegisterID: "r", Date: "2026-03-14", Locked: true}, 0))

	got, ok, err := c.Get(context.Background(), "r", "2026-03-14")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}
