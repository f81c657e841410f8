package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/hitoshi/feedpub/internal/signature"
)

type contextKey string

const (
	validityContextKey contextKey = "signature_validity"
	bodyContextKey     contextKey = "request_body"
)

// maxInboxBodySize は受信アクティビティボディの上限サイズ。
const maxInboxBodySize = 1 << 20

// NewSignatureMiddleware は受信リクエストのHTTP署名を検証するミドルウェアを返す。
// Digest検証とディスパッチの両方で同じボディが必要になるため、ここで一度だけ
// 読み取って検証結果とともにコンテキストへ格納する。
//
// checkDisabledがtrueの場合は検証をスキップしValidを格納する（開発用）。
// 検証失敗はこの層ではリクエストを拒否しない。処理可否の判断は
// ディスパッチャーが監査ログとともに行う。
func NewSignatureMiddleware(resolver signature.KeyResolver, checkDisabled bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBodySize))
			if err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			var validity signature.Validity
			if checkDisabled {
				validity = signature.Validity{Code: signature.ValidityValid}
			} else {
				validity = signature.Verify(r.Context(), r, resolver, body)
			}

			ctx := context.WithValue(r.Context(), validityContextKey, validity)
			ctx = context.WithValue(ctx, bodyContextKey, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ValidityFromContext はコンテキストから署名検証結果を取り出す。
// ミドルウェアを通過していない場合はAbsentを返す。
func ValidityFromContext(ctx context.Context) signature.Validity {
	if v, ok := ctx.Value(validityContextKey).(signature.Validity); ok {
		return v
	}
	return signature.Validity{Code: signature.ValidityAbsent}
}

// BodyFromContext はコンテキストから読み取り済みのリクエストボディを取り出す。
func BodyFromContext(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyContextKey).([]byte); ok {
		return b
	}
	return nil
}
