// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService はフィード由来のHTMLをサニタイズし、
// プロフィールや連合先に配送されるNoteに危険なマークアップが
// 混入することを防ぐ。bluemondayの許可リストベースのポリシーを使用する。
package security

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はHTMLコンテンツのサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// SanitizeContent は記事本文のHTMLをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, ul, ol, li, blockquote, pre, code, strong, em）のみを
	// 通過させ、script, iframe, styleタグおよびon*イベント属性を除去する。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeContent(rawHTML string) string

	// SanitizeText はプロフィール項目（タイトル・説明文）用に全タグを
	// 除去したプレーンテキストを返す。
	SanitizeText(rawHTML string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	content *bluemonday.Policy
	text    *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// 本文ポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em
//   - aタグ: href属性のみ許可、rel="noopener noreferrer"を強制付与
//   - script, iframe, style等は許可リスト外のため自動的に除去される
//
// プロフィールポリシーは全タグを除去する（StrictPolicy）。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.RequireNoReferrerOnLinks(true)
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})
	p.AllowURLSchemeWithCustomPolicy("http", func(u *url.URL) bool {
		return true
	})

	return &contentSanitizer{
		content: p,
		text:    bluemonday.StrictPolicy(),
	}
}

// SanitizeContent は記事本文のHTMLをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) SanitizeContent(rawHTML string) string {
	return s.content.Sanitize(rawHTML)
}

// SanitizeText はプロフィール項目用に全タグを除去したテキストを返す。
func (s *contentSanitizer) SanitizeText(rawHTML string) string {
	return strings.TrimSpace(s.text.Sanitize(rawHTML))
}
