package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ru88s/matomeln-sub000/internal/model"
)

// 曜日表記 "(月)" が標準の日付パーサーを壊すため、固定幅の正規表現で取り出します。
// 例: "24/01/15(月) 12:00:00.12", "2024/01/15(月) 12:00:00", "2010/01/01(金) 00:00"
var datePattern = regexp.MustCompile(`(\d{2,4})/(\d{1,2})/(\d{1,2})(?:\s*\([^)]*\))?\s*(\d{1,2}):(\d{2})(?::(\d{2}))?(?:\.(\d{1,3}))?`)

// ParseDate は掲示板の日付文字列を JST の時刻に変換します。解釈できなければ ok=false。
func ParseDate(s string) (time.Time, bool) {
	m := datePattern.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(m[1])
	if len(m[1]) == 2 {
		if year < 70 {
			year += 2000
		} else {
			year += 1900
		}
	} else if len(m[1]) == 3 {
		return time.Time{}, false
	}
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	second := 0
	if m[6] != "" {
		second, _ = strconv.Atoi(m[6])
	}
	nsec := 0
	if m[7] != "" {
		// ".12" は 0.12 秒。小数として扱う
		frac := m[7] + strings.Repeat("0", 3-len(m[7]))
		ms, _ := strconv.Atoi(frac)
		nsec = ms * int(time.Millisecond)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 60 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, second, nsec, model.JST)
	if t.Day() != day {
		// 2/30 のような存在しない日付
		return time.Time{}, false
	}
	return t, true
}

// SplitDateAndID は "<日付> ID:<トリップ>" 形式の日付欄を分割します。
// ID の後ろに続く " BE:..." などの付加情報は捨てます。
func SplitDateAndID(field string) (date, id string) {
	field = strings.TrimSpace(field)
	idx := strings.Index(field, " ID:")
	if idx < 0 {
		if strings.HasPrefix(field, "ID:") {
			return "", firstToken(field[len("ID:"):])
		}
		return field, ""
	}
	return strings.TrimSpace(field[:idx]), firstToken(field[idx+len(" ID:"):])
}

func firstToken(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		s = s[:i]
	}
	return s
}
