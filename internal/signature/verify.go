package signature

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/feedpub/internal/ap"
)

// dateSkewWindow は受信リクエストのDateヘッダーに許容する時刻差。
// これを超えて過去または未来のリクエストはOutdatedとして拒否する。
const dateSkewWindow = 12 * time.Hour

// ValidityCode は受信署名の検証結果の分類。
// 監査ログで拒否理由を区別するため、真偽値ではなく列挙で表す。
type ValidityCode int

const (
	// ValidityAbsent はSignatureヘッダーが存在しない。
	ValidityAbsent ValidityCode = iota
	// ValidityInvalid はSignatureヘッダーの形式が不正。
	ValidityInvalid
	// ValidityInvalidActor は署名者のアクターを解決できなかった。
	ValidityInvalidActor
	// ValidityInvalidSignature は署名またはダイジェストの検証に失敗した。
	ValidityInvalidSignature
	// ValidityValidNoDigest は署名は正しいがDigestヘッダーが無い。
	ValidityValidNoDigest
	// ValidityValid は署名・ダイジェスト・時刻がすべて有効。
	ValidityValid
	// ValidityOutdated はDateヘッダーが欠如・不正・許容時刻差の範囲外。
	ValidityOutdated
)

// String は監査ログ用の分類名を返す。
func (c ValidityCode) String() string {
	switch c {
	case ValidityAbsent:
		return "Absent"
	case ValidityInvalid:
		return "Invalid"
	case ValidityInvalidActor:
		return "InvalidActor"
	case ValidityInvalidSignature:
		return "InvalidSignature"
	case ValidityValidNoDigest:
		return "ValidNoDigest"
	case ValidityValid:
		return "Valid"
	case ValidityOutdated:
		return "Outdated"
	default:
		return "Unknown"
	}
}

// Validity は検証結果と署名者の鍵IDの組。
type Validity struct {
	Code  ValidityCode
	KeyID string
}

// IsSecure は認証済みとして扱ってよい場合のみtrueを返す。
func (v Validity) IsSecure() bool {
	return v.Code == ValidityValid
}

// KeyResolver は鍵IDから署名者の公開鍵PEMを解決する。
// 実体はアクターリゾルバーで、キャッシュミス時はリモート取得を行う。
type KeyResolver interface {
	PublicKeyPem(ctx context.Context, keyID string) (string, error)
}

// parsedSignature はSignatureヘッダーをパースした結果。
type parsedSignature struct {
	keyID     string
	headers   []string
	signature string
}

// Verify は受信リクエストの署名を検証し、結果を分類して返す。
// 署名文字列はヘッダーのheaders=リストに列挙された順序で再構築する
// （順序は送信側が決める）。bodyはDigest検証に使用する。
func Verify(ctx context.Context, r *http.Request, resolver KeyResolver, body []byte) Validity {
	sigHeader := r.Header.Get("Signature")
	if sigHeader == "" {
		return Validity{Code: ValidityAbsent}
	}

	sig := parseSignatureHeader(sigHeader)
	if sig.keyID == "" || sig.signature == "" || len(sig.headers) == 0 {
		return Validity{Code: ValidityInvalid}
	}

	signingString := buildSigningString(r, sig.headers)

	publicKeyPem, err := resolver.PublicKeyPem(ctx, sig.keyID)
	if err != nil || publicKeyPem == "" {
		return Validity{Code: ValidityInvalidActor, KeyID: sig.keyID}
	}

	publicKey, err := ap.ParsePublicKey(publicKeyPem)
	if err != nil {
		return Validity{Code: ValidityInvalidActor, KeyID: sig.keyID}
	}

	sigBytes, err := base64.StdEncoding.DecodeString(sig.signature)
	if err != nil {
		return Validity{Code: ValidityInvalid, KeyID: sig.keyID}
	}

	hashed := sha256.Sum256([]byte(signingString))
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, hashed[:], sigBytes); err != nil {
		return Validity{Code: ValidityInvalidSignature, KeyID: sig.keyID}
	}

	// Digest検証: ヘッダーがあればボディのSHA-256と一致しなければならない
	digestHeader := r.Header.Get("Digest")
	if digestHeader != "" {
		if !verifyDigest(digestHeader, body) {
			return Validity{Code: ValidityInvalidSignature, KeyID: sig.keyID}
		}
	}

	dateHeader := r.Header.Get("Date")
	sent, err := parseHTTPDate(dateHeader)
	if err != nil {
		return Validity{Code: ValidityOutdated, KeyID: sig.keyID}
	}

	skew := time.Since(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > dateSkewWindow {
		return Validity{Code: ValidityOutdated, KeyID: sig.keyID}
	}

	if digestHeader == "" {
		return Validity{Code: ValidityValidNoDigest, KeyID: sig.keyID}
	}
	return Validity{Code: ValidityValid, KeyID: sig.keyID}
}

// parseSignatureHeader はSignatureヘッダーをkeyId/headers/signatureに分解する。
// 未知のパラメータは無視する。
func parseSignatureHeader(header string) parsedSignature {
	var sig parsedSignature
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		value := strings.Trim(kv[1], `"`)
		switch kv[0] {
		case "keyId":
			sig.keyID = value
		case "headers":
			sig.headers = strings.Fields(value)
		case "signature":
			sig.signature = value
		}
	}
	return sig
}

// verifyDigest はDigestヘッダーの値とボディのSHA-256ハッシュを比較する。
// 対応形式は「SHA-256=<base64>」のみで、他のアルゴリズムは不一致として扱う。
func verifyDigest(header string, body []byte) bool {
	kv := strings.SplitN(header, "=", 2)
	if len(kv) != 2 || !strings.EqualFold(kv[0], "SHA-256") {
		return false
	}
	sum := sha256.Sum256(body)
	return kv[1] == base64.StdEncoding.EncodeToString(sum[:])
}

// parseHTTPDate はDateヘッダーをRFC 1123系の形式としてパースする。
func parseHTTPDate(value string) (time.Time, error) {
	if t, err := http.ParseTime(value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC1123Z, value)
}
