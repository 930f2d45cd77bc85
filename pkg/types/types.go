// Package types 定義了 cardfarm 系統中使用的核心領域模型
package types

import (
	"strconv"
	"time"
)

// TargetID 可掉落物品的應用程式識別碼
type TargetID int

// String 以十進位字串表示 TargetID（用於顯示與 helper 參數）
func (id TargetID) String() string {
	return strconv.Itoa(int(id))
}

// Entry 一個可掉落物品的項目快照
// 除了 Remaining 會被重新查詢的值取代之外，在同一次 pass 中視為不可變
type Entry struct {
	ID        TargetID      `json:"id" yaml:"id"`               // 應用程式識別碼
	Name      string        `json:"name" yaml:"name"`           // 顯示名稱
	Remaining int           `json:"remaining" yaml:"remaining"` // 剩餘可掉落物品數量
	Playtime  time.Duration `json:"playtime" yaml:"playtime"`   // 累計遊玩時間
}

// Level 事件的嚴重程度
type Level string

// 定義事件等級常數
const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Action 事件附帶的動作提示，供呈現層決定如何處理
type Action string

// 定義動作常數
const (
	ActionNone   Action = ""       // 一般進度事件
	ActionCheck  Action = "check"  // 事件攜帶一個正在執行的 Executor
	ActionIgnore Action = "ignore" // 項目被放棄（例如無效的 target id）
	ActionDone   Action = "done"   // 項目或整個 pass 已完成
)

// EntryStatus 單一項目在 pass 中的狀態，用於快照與 status 指令
type EntryStatus struct {
	ID        TargetID `json:"id"`
	Name      string   `json:"name"`
	Remaining int      `json:"remaining"`
	Phase     string   `json:"phase"`
	Running   bool     `json:"running"` // 是否有存活的 helper process
}

// PassSnapshot 一次 farming pass 的狀態快照，用於持久化與 status 顯示
type PassSnapshot struct {
	SchemaVer      int                       `json:"schema_ver"`      // 資料結構版本號
	OwnerID        string                    `json:"owner_id"`        // 擁有者識別碼
	StartedAt      int64                     `json:"started_at"`      // pass 開始時間（Unix 毫秒）
	UpdatedAt      int64                     `json:"updated_at"`      // 最後更新時間（Unix 毫秒）
	Active         int                       `json:"active"`          // 目前持有 slot 的 session 數
	PeakActive     int                       `json:"peak_active"`     // 同時持有 slot 的最大 session 數
	Remaining      int                       `json:"remaining"`       // 尚未結束的 session 數
	ItemsRemaining int                       `json:"items_remaining"` // 全部項目的剩餘物品總數
	Finished       bool                      `json:"finished"`        // pass 是否已結束
	Entries        map[TargetID]*EntryStatus `json:"entries"`
}
