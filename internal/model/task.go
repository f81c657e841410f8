// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// TaskStatus は永続タスクの状態を表す。
type TaskStatus string

const (
	// TaskStatusPending は実行待ちのタスク状態。
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning はワーカーが実行中のタスク状態。
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusDone は正常完了したタスク状態。
	TaskStatusDone TaskStatus = "done"
	// TaskStatusFailed はリトライ上限に達して破棄されたタスク状態。
	TaskStatusFailed TaskStatus = "failed"
)

// Task は共有ストレージに永続化されるジョブを表す。
// pending/retry状態はプロセス再起動をまたいで保持される（at-least-once実行）。
type Task struct {
	ID        string
	Kind      string          // タスク種別（delivery, refresh_feed, ...）
	Key       string          // 一意タスクの重複排除キー。非一意タスクは空。
	Payload   json.RawMessage // タスク種別ごとの引数
	Status    TaskStatus
	Attempts  int
	RunAt     time.Time // この時刻以降に実行可能になる
	CreatedAt time.Time
	UpdatedAt time.Time
}
