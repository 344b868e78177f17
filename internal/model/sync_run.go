package model

import (
	"time"

	"gorm.io/datatypes"
)

// 账户同步状态
const (
	SyncStateIdle         = "IDLE"
	SyncStateListing      = "LISTING"
	SyncStateTokenRefresh = "TOKEN_REFRESH"
	SyncStateFetching     = "FETCHING"
	SyncStateDone         = "DONE"
	SyncStateFailed       = "FAILED"
)

// SyncRun 单个账户一次同步的执行记录
type SyncRun struct {
	BaseModel
	RunID      string                      `gorm:"size:36;not null;index" json:"run_id"`
	Account    string                      `gorm:"size:64;not null;index" json:"account"`
	State      string                      `gorm:"size:20;not null" json:"state"`
	Listed     int                         `json:"listed"`
	Fetched    int                         `json:"fetched"`
	Saved      int                         `json:"saved"`
	Failed     int                         `json:"failed"`
	Error      string                      `gorm:"type:text" json:"error,omitempty"`
	Warnings   datatypes.JSONSlice[string] `gorm:"type:json" json:"warnings"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt *time.Time                  `json:"finished_at"`
}

func (SyncRun) TableName() string {
	return "sync_runs"
}

// AllModels 需要迁移的表
func AllModels() []any {
	return []any{
		&AccountToken{},
		&ListingSnapshot{},
		&PriceHistory{},
		&SyncRun{},
	}
}
