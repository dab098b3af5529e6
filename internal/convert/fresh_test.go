package convert

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotModified(t *testing.T) {
	mtime := time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	header := func(t time.Time) string { return t.UTC().Format(http.TimeFormat) }

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"same second", header(mtime), true},
		{"client newer", header(mtime.Add(time.Hour)), true},
		{"client older", header(mtime.Add(-time.Second)), false},
		{"empty", "", false},
		{"garbage", "yesterday-ish", false},
		{"rfc850", mtime.UTC().Format(time.RFC850), true},
		{"asctime", mtime.UTC().Format(time.ANSIC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NotModified(mtime, tt.header))
		})
	}
}

func TestNotModifiedHonoursZone(t *testing.T) {
	seoul := time.FixedZone("KST", 9*3600)
	mtime := time.Date(2025, 3, 14, 18, 0, 0, 0, seoul)
	assert.True(t, NotModified(mtime, "Fri, 14 Mar 2025 09:00:00 GMT"))
	assert.False(t, NotModified(mtime, "Fri, 14 Mar 2025 08:59:59 GMT"))
}

func TestLastModified(t *testing.T) {
	mtime := time.Date(2025, 3, 14, 18, 0, 0, 900_000_000, time.FixedZone("KST", 9*3600))
	assert.Equal(t, "Fri, 14 Mar 2025 09:00:00 GMT", LastModified(mtime))
	assert.True(t, NotModified(mtime, LastModified(mtime)))
}
