// Package actor はリモートアクターの解決とキャッシュを提供する。
// 識別子（プロフィールURL・inbox URL・鍵ID）からキャッシュ済みアクターを
// 引き、ミス時は署名付きGETでリモートドキュメントを取得してupsertする。
package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/feedpub/internal/ap"
	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/repository"
	"github.com/hitoshi/feedpub/internal/signature"
	"github.com/hitoshi/feedpub/internal/transport"
)

// userAgent は送信リクエストに付与するUser-Agent。
const userAgent = "feedpub/1.0 (+https://github.com/hitoshi/feedpub)"

// InstanceKey はアクター取得リクエストの署名に使用するインスタンス鍵。
// 一部のサーバー（secure mode のMastodon等）は未署名のアクター取得を拒否する。
type InstanceKey struct {
	KeyID         string
	PrivateKeyPem string
}

// HandleResolver はuser@domainハンドルをアクターURLに解決するインターフェース。
// webfinger.Resolverが実装する。
type HandleResolver interface {
	FindActorURL(ctx context.Context, handle string) (string, error)
}

// Resolver はアクターの解決とキャッシュを行う。
type Resolver struct {
	actorRepo      repository.ActorRepository
	blockedRepo    repository.BlockedDomainRepository
	httpClient     *http.Client
	handleResolver HandleResolver
	instanceKey    InstanceKey
	logger         *slog.Logger
	maxBodySize    int64
	retryPolicy    transport.Policy
}

// NewResolver はResolverの新しいインスタンスを生成する。
func NewResolver(
	actorRepo repository.ActorRepository,
	blockedRepo repository.BlockedDomainRepository,
	httpClient *http.Client,
	handleResolver HandleResolver,
	instanceKey InstanceKey,
	logger *slog.Logger,
	maxBodySize int64,
) *Resolver {
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}
	return &Resolver{
		actorRepo:      actorRepo,
		blockedRepo:    blockedRepo,
		httpClient:     httpClient,
		handleResolver: handleResolver,
		instanceKey:    instanceKey,
		logger:         logger,
		maxBodySize:    maxBodySize,
		retryPolicy:    transport.DefaultPolicy,
	}
}

// FindOrFetch は識別子からアクターを解決する。
// 識別子はURL（プロフィールURL・inbox URL・鍵ID）またはuser@domain形式の
// ハンドルを受け付ける。ハンドルはWebfinger照会でアクターURLに解決される。
// URLは正規化（フラグメント除去）され、ドメインがブロックリストに
// 含まれる場合はネットワークアクセスなしでnilを返す。
// キャッシュヒット時は即座に返し、ミス時はリモート取得とupsertを行う。
func (r *Resolver) FindOrFetch(ctx context.Context, identifier string) (*model.Actor, error) {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" {
		return nil, &model.ValidationError{Reason: "空のアクター識別子"}
	}

	if !strings.HasPrefix(identifier, "http://") && !strings.HasPrefix(identifier, "https://") {
		if r.handleResolver == nil {
			return nil, &model.ValidationError{Reason: fmt.Sprintf("不正なアクター識別子: %s", identifier)}
		}
		resolved, err := r.handleResolver.FindActorURL(ctx, identifier)
		if err != nil {
			return nil, err
		}
		identifier = resolved
	}

	domain, err := domainOf(identifier)
	if err != nil {
		return nil, &model.ValidationError{Reason: fmt.Sprintf("不正なアクター識別子: %s", identifier)}
	}

	blocked, err := r.blockedRepo.Exists(ctx, domain)
	if err != nil {
		return nil, err
	}
	if blocked {
		r.logger.Info("ブロック済みドメインのアクター解決を拒否しました",
			slog.String("domain", domain),
		)
		return nil, nil
	}

	cached, err := r.actorRepo.FindByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	doc, err := r.fetchActorDoc(ctx, identifier)
	if err != nil {
		return nil, err
	}

	actor, err := r.buildActor(ctx, doc)
	if err != nil {
		return nil, err
	}

	if err := r.actorRepo.Upsert(ctx, actor); err != nil {
		return nil, err
	}

	// upsertで既存行に収束した可能性があるため、保存済みの行を引き直して返す
	stored, err := r.actorRepo.FindByIdentifier(ctx, actor.URL)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return actor, nil
	}
	return stored, nil
}

// LogError は識別子に一致するアクターのエラーカウントを加算する。
// 配送失敗時に呼ばれ、上限超過分はクリーンアップタスクが削除する。
func (r *Resolver) LogError(ctx context.Context, identifier string) {
	identifier = normalizeIdentifier(identifier)
	if err := r.actorRepo.IncrementErrorCount(ctx, identifier); err != nil {
		r.logger.Error("アクターのエラーカウント更新に失敗しました",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()),
		)
	}
}

// PublicKeyPem は鍵IDから署名者の公開鍵PEMを解決する。
// signature.KeyResolverを実装する。
func (r *Resolver) PublicKeyPem(ctx context.Context, keyID string) (string, error) {
	actor, err := r.FindOrFetch(ctx, keyID)
	if err != nil {
		return "", err
	}
	if actor == nil || actor.PublicKeyPem == "" {
		return "", &model.ValidationError{Reason: fmt.Sprintf("公開鍵を解決できません: %s", keyID)}
	}
	return actor.PublicKeyPem, nil
}

// buildActor は取得したドキュメントからActor行を組み立てる。
// inbox URLの優先順位: (a) inboxフィールド (b) actorフィールド
// (c) 鍵のみのドキュメントの場合はpublicKey.ownerを再取得してそのinboxを使う。
func (r *Resolver) buildActor(ctx context.Context, doc *ap.RemoteActorDoc) (*model.Actor, error) {
	if doc.Inbox == "" && doc.Actor == "" {
		// GoToSocial系の鍵のみドキュメント: ownerから完全なアクターを取得する
		if doc.PublicKey == nil || doc.PublicKey.Owner == "" {
			return nil, &model.ValidationError{Reason: "inboxを解決できないアクタードキュメント"}
		}
		ownerDoc, err := r.fetchActorDoc(ctx, doc.PublicKey.Owner)
		if err != nil {
			return nil, err
		}
		if ownerDoc.PublicKey == nil {
			ownerDoc.PublicKey = doc.PublicKey
		}
		doc = ownerDoc
	}

	if doc.ID == "" || doc.PublicKey == nil {
		return nil, &model.ValidationError{Reason: "アクタードキュメントにidまたはpublicKeyがありません"}
	}
	if doc.PreferredUsername == "" {
		return nil, &model.ValidationError{Reason: "アクタードキュメントにpreferredUsernameがありません"}
	}

	inbox := doc.Inbox
	if inbox == "" {
		inbox = doc.Actor
	}
	if inbox == "" {
		return nil, &model.ValidationError{Reason: "アクターのinboxを解決できません"}
	}

	return &model.Actor{
		ID:           uuid.New().String(),
		URL:          doc.ID,
		InboxURL:     inbox,
		PublicKeyID:  doc.PublicKey.ID,
		PublicKeyPem: doc.PublicKey.PublicKeyPem,
		Username:     doc.PreferredUsername,
	}, nil
}

// fetchActorDoc は署名付きGETでアクタードキュメントを取得する。
func (r *Resolver) fetchActorDoc(ctx context.Context, actorURL string) (*ap.RemoteActorDoc, error) {
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURL, nil)
		if err != nil {
			return nil, fmt.Errorf("アクター取得リクエストの作成に失敗しました: %w", err)
		}
		req.Header.Set("Accept", ap.ContentType+", application/ld+json")
		req.Header.Set("User-Agent", userAgent)

		if r.instanceKey.KeyID != "" {
			if err := signature.Sign(req, r.instanceKey.KeyID, r.instanceKey.PrivateKeyPem, nil); err != nil {
				return nil, err
			}
		}
		return req, nil
	}

	resp, err := transport.Do(ctx, r.httpClient, r.retryPolicy, build)
	if err != nil {
		return nil, &model.NetworkError{URL: actorURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &model.NetworkError{
			URL: actorURL,
			Err: fmt.Errorf("HTTPステータス %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBodySize))
	if err != nil {
		return nil, &model.NetworkError{URL: actorURL, Err: err}
	}

	doc := &ap.RemoteActorDoc{}
	if err := json.Unmarshal(body, doc); err != nil {
		return nil, &model.ParseError{Reason: "アクタードキュメントのデコードに失敗", Err: err}
	}

	return doc, nil
}

// normalizeIdentifier は識別子からフラグメントを除去する。
// 鍵ID（https://host/actor#main-key）はアクターURLに正規化される。
func normalizeIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if i := strings.Index(identifier, "#"); i >= 0 {
		identifier = identifier[:i]
	}
	return identifier
}

// domainOf は識別子URLのホスト名を返す。
func domainOf(identifier string) (string, error) {
	u, err := url.Parse(identifier)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("empty host")
	}
	return u.Hostname(), nil
}
