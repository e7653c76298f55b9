package core

import (
	"fmt"
	"sync"
	"time"
)

// SessionStats はセッション統計情報を管理します。
// 一括取得と API サーバーの両方が、取り込みの結果をここに積み上げます。
type SessionStats struct {
	mu sync.Mutex

	StartTime        time.Time `json:"start_time"`
	ThreadsSaved     int       `json:"threads_saved"`     // 保存（更新を含む）したスレッド数
	ThreadsUnchanged int       `json:"threads_unchanged"` // レスが増えていなかったスレッド数
	PostsSaved       int       `json:"posts_saved"`
	Skipped          int       `json:"skipped"` // 履歴・除外条件・取得元の不存在で飛ばした入力
	Failed           int       `json:"failed"`
	LowConfidence    int       `json:"low_confidence"`
}

// NewSessionStats は start を起動時刻とする統計を作ります。
func NewSessionStats(start time.Time) *SessionStats {
	return &SessionStats{StartTime: start}
}

// RecordItem は、一括取得の1件分の結果を統計に加えます。
func (s *SessionStats) RecordItem(item ItemReport) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch item.Outcome {
	case OutcomeSaved:
		s.ThreadsSaved++
		s.PostsSaved += item.Posts
	case OutcomeUnchanged:
		s.ThreadsUnchanged++
	case OutcomeSkippedHistory, OutcomeExcluded, OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
	if item.LowConfidence {
		s.LowConfidence++
	}
}

// RecordIngest は、保存を伴わない単発の取り込み結果を統計に加えます。
func (s *SessionStats) RecordIngest(res *Result, err error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.Failed++
		return
	}
	s.PostsSaved += len(res.Posts)
	if res.LowConfidence {
		s.LowConfidence++
	}
}

// Snapshot は、現在の値のコピーを返します。
func (s *SessionStats) Snapshot() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		StartTime:        s.StartTime,
		ThreadsSaved:     s.ThreadsSaved,
		ThreadsUnchanged: s.ThreadsUnchanged,
		PostsSaved:       s.PostsSaved,
		Skipped:          s.Skipped,
		Failed:           s.Failed,
		LowConfidence:    s.LowConfidence,
	}
}

// FormatSessionInfo はセッション統計情報を文字列にフォーマットします。
func (s *SessionStats) FormatSessionInfo(now time.Time) string {
	snap := s.Snapshot()
	uptime := now.Sub(snap.StartTime)
	if uptime < 0 {
		uptime = 0
	}
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60

	return fmt.Sprintf("経過: %dh%dm | 保存: %d | 変化なし: %d | レス: %d | スキップ: %d | 失敗: %d",
		hours, minutes, snap.ThreadsSaved, snap.ThreadsUnchanged, snap.PostsSaved, snap.Skipped, snap.Failed)
}
