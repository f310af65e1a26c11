package account_test

import (
	"testing"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/account"
	"github.com/stretchr/testify/assert"
)

func TestNextMonthFirstDay(t *testing.T) {
	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{
			name: "mid-month rolls to next month",
			from: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
			want: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "year-end rolls over to January",
			from: time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC),
			want: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "leap-year February rolls to March",
			from: time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC),
			want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "first of month still rolls to next month",
			from: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "non-UTC input is normalized before computing",
			from: time.Date(2026, 3, 10, 1, 0, 0, 0, time.FixedZone("TEST", 9*3600)),
			want: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := account.NextMonthFirstDay(tt.from)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}
