package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ru88s/matomeln-sub000/internal/model"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		in     string
		want   time.Time
		wantOK bool
	}{
		{"24/01/15(月) 12:00:00.12", time.Date(2024, 1, 15, 12, 0, 0, 120*int(time.Millisecond), model.JST), true},
		{"2024/01/15(月) 12:00:00", time.Date(2024, 1, 15, 12, 0, 0, 0, model.JST), true},
		{"2010/01/01(金) 00:00", time.Date(2010, 1, 1, 0, 0, 0, 0, model.JST), true},
		{"99/12/31(金) 23:59:59", time.Date(1999, 12, 31, 23, 59, 59, 0, model.JST), true},
		{"24/02/30(金) 00:00:00", time.Time{}, false},
		{"24/13/01(金) 00:00:00", time.Time{}, false},
		{"あぼーん", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseDate(tt.in)
		assert.Equal(t, tt.wantOK, ok, "入力: %q", tt.in)
		if tt.wantOK {
			assert.True(t, tt.want.Equal(got), "入力: %q 結果: %v", tt.in, got)
			_, offset := got.Zone()
			assert.Equal(t, 9*60*60, offset)
		}
	}
}

func TestSplitDateAndID(t *testing.T) {
	date, id := SplitDateAndID("24/01/15(月) 12:00:00.12 ID:abcD1234 BE:12345-2BP(1000)")
	assert.Equal(t, "24/01/15(月) 12:00:00.12", date)
	assert.Equal(t, "abcD1234", id)

	date, id = SplitDateAndID("24/01/15(月) 12:00:00.12")
	assert.Equal(t, "24/01/15(月) 12:00:00.12", date)
	assert.Empty(t, id)

	date, id = SplitDateAndID("ID:onlyid")
	assert.Empty(t, date)
	assert.Equal(t, "onlyid", id)
}
