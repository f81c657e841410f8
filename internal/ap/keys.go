package ap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// GenerateKeyPair はフィード用の2048ビットRSA鍵ペアを生成し、
// PEMエンコードした秘密鍵と公開鍵を返す。
func GenerateKeyPair() (privateKeyPem, publicKeyPem string, err error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("秘密鍵の生成に失敗しました: %w", err)
	}

	privateBlock := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}
	privateKeyPem = string(pem.EncodeToMemory(privateBlock))

	publicBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("公開鍵のエンコードに失敗しました: %w", err)
	}
	publicBlock := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicBytes,
	}
	publicKeyPem = string(pem.EncodeToMemory(publicBlock))

	return privateKeyPem, publicKeyPem, nil
}

// ParsePrivateKey はPEMエンコードされたRSA秘密鍵をパースする。
// PKCS1とPKCS8の両形式を受け付ける。
func ParsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("PEMブロックのデコードに失敗しました")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		keyAny, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("秘密鍵のパースに失敗しました: %w", err)
		}
		rsaKey, ok := keyAny.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("RSA秘密鍵ではありません")
		}
		key = rsaKey
	}

	return key, nil
}

// ParsePublicKey はPEMエンコードされたRSA公開鍵をパースする。
// PKIXとPKCS1の両形式を受け付ける。
func ParsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("PEMブロックのデコードに失敗しました")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		key, err1 := x509.ParsePKCS1PublicKey(block.Bytes)
		if err1 != nil {
			return nil, fmt.Errorf("公開鍵のパースに失敗しました: %w", err)
		}
		return key, nil
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("RSA公開鍵ではありません")
	}

	return rsaPub, nil
}
