// Package model はドメインモデルを定義する。
package model

import "fmt"

// エラー分類。恒久エラー（Parse/Validation）はフィード/アクター行に記録され
// サーキットブレーカーの閾値判定に使われる。一時エラー（Network/Persistence）は
// タスクのリトライポリシーに従って再試行される。

// NetworkError はフェッチまたは配送のトランスポート失敗を表す。
// トランスポートレベルとタスクレベルの両方でリトライ対象となる。
type NetworkError struct {
	URL string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *NetworkError) Error() string {
	return fmt.Sprintf("ネットワークエラー: %s: %v", e.URL, e.Err)
}

// Unwrap はラップされたエラーを返す。
func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError は不正なフィードまたはアクティビティドキュメントを表す。
// 恒久エラーであり、リトライされない。
type ParseError struct {
	Reason string
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *ParseError) Error() string {
	return fmt.Sprintf("パースエラー: %s", e.Reason)
}

// Unwrap はラップされたエラーを返す。
func (e *ParseError) Unwrap() error { return e.Err }

// AuthenticationError は署名の欠如・不正・期限切れを表す。
// 受信リクエストは拒否され、リトライされず、必ず監査ログに記録される。
type AuthenticationError struct {
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("認証エラー: %s", e.Reason)
}

// ValidationError はリモートアクタードキュメントの必須フィールド欠如などの
// 恒久的な検証失敗を表す。
type ValidationError struct {
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("検証エラー: %s", e.Reason)
}

// PersistenceError はストレージ操作の失敗を表す。
// 呼び出し元に伝播し、設定されていればタスクレベルのリトライが適用される。
type PersistenceError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("永続化エラー: %s: %v", e.Op, e.Err)
}

// Unwrap はラップされたエラーを返す。
func (e *PersistenceError) Unwrap() error { return e.Err }
