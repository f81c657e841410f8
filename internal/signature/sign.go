// Package signature はHTTPメッセージ署名（RSA-SHA256）の生成と検証を提供する。
// 送信リクエストにはフィードの秘密鍵で署名を付与し、受信リクエストは
// アクターの公開鍵で検証して有効性を分類する。
package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/feedpub/internal/ap"
)

// SigningError は鍵のパースまたは署名処理の失敗を表す。
type SigningError struct {
	Reason string
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *SigningError) Error() string {
	return fmt.Sprintf("署名エラー: %s: %v", e.Reason, e.Err)
}

// Unwrap はラップされたエラーを返す。
func (e *SigningError) Unwrap() error { return e.Err }

// Sign はリクエストに署名ヘッダーを付与する。
// (request-target)、host、dateと、ボディがある場合はSHA-256のdigestを
// 署名文字列に含め、RSA-SHA256で署名する。
// keyIDはアクタードキュメントのpublicKey.idと一致する完全なIDを渡す。
func Sign(r *http.Request, keyID, privateKeyPem string, body []byte) error {
	privateKey, err := ap.ParsePrivateKey(privateKeyPem)
	if err != nil {
		return &SigningError{Reason: "秘密鍵のパースに失敗", Err: err}
	}

	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if r.Header.Get("Host") == "" && r.Host == "" {
		r.Host = r.URL.Host
	}

	headers := []string{"(request-target)", "host", "date"}
	if body != nil {
		sum := sha256.Sum256(body)
		r.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(sum[:]))
		headers = append(headers, "digest")
	}

	signingString := buildSigningString(r, headers)

	hashed := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return &SigningError{Reason: "RSA署名に失敗", Err: err}
	}

	r.Header.Set("Signature", fmt.Sprintf(
		`keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		keyID,
		strings.Join(headers, " "),
		base64.StdEncoding.EncodeToString(sig),
	))

	return nil
}

// buildSigningString は指定された順序のヘッダー名から正規化署名文字列を組み立てる。
// 各行は「小文字ヘッダー名: 値」で、改行で連結する。
func buildSigningString(r *http.Request, headers []string) string {
	parts := make([]string, 0, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h)
		var value string
		switch name {
		case "(request-target)":
			value = fmt.Sprintf("%s %s", strings.ToLower(r.Method), r.URL.RequestURI())
		case "host":
			value = r.Host
			if value == "" {
				value = r.URL.Host
			}
		default:
			value = r.Header.Get(h)
		}
		parts = append(parts, fmt.Sprintf("%s: %s", name, value))
	}
	return strings.Join(parts, "\n")
}
