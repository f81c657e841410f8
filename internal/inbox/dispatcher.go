// Package inbox は受信アクティビティのディスパッチを提供する。
// 署名検証結果で認証された受信ボディをアクティビティ種別ごとに処理する
// 状態機械であり、すべての受信試行を監査ログに記録する。
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/feedpub/internal/ap"
	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/repository"
	"github.com/hitoshi/feedpub/internal/signature"
)

// helpScanWindow はhelpキーワードを探す本文先頭の文字数。
const helpScanWindow = 100

// helpMessageSetting はhelp応答本文を上書きする設定キー。
const helpMessageSetting = "help_message"

// ActorResolver はアクター解決のインターフェース。actor.Resolverが実装する。
type ActorResolver interface {
	FindOrFetch(ctx context.Context, identifier string) (*model.Actor, error)
}

// ActivityBuilder は応答アクティビティの組み立てインターフェース。
// translator.Translatorが実装する。
type ActivityBuilder interface {
	AcceptFollow(feed *model.Feed, followerActorURL string, rawFollow json.RawMessage) *ap.Accept
	DirectMessage(feed *model.Feed, to *model.Actor, content string) *ap.CreateNote
}

// Sender は応答アクティビティの配送エンキューのインターフェース。
// delivery.Engineが実装する。
type Sender interface {
	EnqueueActivity(ctx context.Context, feed *model.Feed, actorURL string, activity any) error
}

// Sanitizer はHTMLサニタイズのインターフェース。
type Sanitizer interface {
	SanitizeText(rawHTML string) string
}

// InboxMetrics は受信アクティビティの計測インターフェース。
type InboxMetrics interface {
	InboundActivity(activityType, outcome string)
}

// Dispatcher は受信アクティビティを種別ごとに処理する。
//
//	Follow        フォロワーをupsertし、Acceptを配送キューに積む
//	Undo          対象Followのフォロワー行を削除する（冪等）
//	Delete        送信アクターのフォロワー行を削除する（冪等）
//	Create        adminフィード宛のメンションのみ処理し、helpコマンドに応答する
//	Accept/その他  無視する（監査ログのみ）
type Dispatcher struct {
	followerRepo repository.FollowerRepository
	messageRepo  repository.MessageRepository
	settingRepo  repository.SettingRepository
	resolver     ActorResolver
	builder      ActivityBuilder
	sender       Sender
	sanitizer    Sanitizer
	metrics      InboxMetrics
	logger       *slog.Logger
	baseURL      string
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
func NewDispatcher(
	followerRepo repository.FollowerRepository,
	messageRepo repository.MessageRepository,
	settingRepo repository.SettingRepository,
	resolver ActorResolver,
	builder ActivityBuilder,
	sender Sender,
	sanitizer Sanitizer,
	metrics InboxMetrics,
	logger *slog.Logger,
	baseURL string,
) *Dispatcher {
	return &Dispatcher{
		followerRepo: followerRepo,
		messageRepo:  messageRepo,
		settingRepo:  settingRepo,
		resolver:     resolver,
		builder:      builder,
		sender:       sender,
		sanitizer:    sanitizer,
		metrics:      metrics,
		logger:       logger,
		baseURL:      baseURL,
	}
}

// Dispatch は受信アクティビティを処理する。
// すべての受信試行は署名検証結果とともに監査ログに記録される。
// 安全でない署名のリクエストは状態を変更せず、監査ログを残した上で
// AuthenticationErrorを返す（ハンドラーはこれを404に変換する）。
// それ以外の戻り値のエラーは処理中の内部エラーのみで、無視された
// アクティビティはエラーにならない。
func (d *Dispatcher) Dispatch(ctx context.Context, feed *model.Feed, validity signature.Validity, body []byte) error {
	if !validity.IsSecure() {
		// 監査ログ用にアクティビティ種別と送信者を拾う。デコード失敗は無視する
		var activity ap.InboundActivity
		json.Unmarshal(body, &activity)

		d.logger.Warn("署名が不正な受信アクティビティを拒否します",
			slog.String("feed_name", feed.Name),
			slog.String("activity_type", activity.Type),
			slog.String("actor", activity.Actor),
			slog.String("validity", validity.Code.String()),
		)
		d.audit(ctx, feed, activity.Actor, string(body), fmt.Sprintf("署名検証失敗: %s", validity.Code.String()), false)
		d.recordMetric(activity.Type, "unauthenticated")
		return &model.AuthenticationError{Reason: validity.Code.String()}
	}

	var activity ap.InboundActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		d.audit(ctx, feed, "", string(body), fmt.Sprintf("アクティビティのデコードに失敗: %s", err.Error()), false)
		d.recordMetric("unknown", "malformed")
		return nil
	}

	var err error
	handled := false
	switch activity.Type {
	case "Follow":
		err = d.handleFollow(ctx, feed, &activity, body)
		handled = err == nil
	case "Undo":
		err = d.handleUndo(ctx, feed, &activity)
		handled = err == nil
	case "Delete":
		err = d.handleDelete(ctx, feed, &activity)
		handled = err == nil
	case "Create":
		err = d.handleCreate(ctx, feed, &activity)
		handled = err == nil
	default:
		// Accept等、応答不要のアクティビティは受理して無視する
		d.logger.Info("処理対象外のアクティビティを無視します",
			slog.String("feed_name", feed.Name),
			slog.String("activity_type", activity.Type),
			slog.String("actor", activity.Actor),
		)
	}

	outcome := "ignored"
	errText := ""
	if err != nil {
		outcome = "error"
		errText = err.Error()
	} else if handled {
		outcome = "handled"
	}
	d.recordMetric(activity.Type, outcome)
	d.audit(ctx, feed, activity.Actor, string(body), errText, handled)
	return err
}

// handleFollow はFollowアクティビティを処理する。
// フォロワーをupsertし、受信したFollowをエコーするAcceptを配送キューに積む。
// Acceptのエンキュー失敗はフォロー自体を巻き戻さない（ログのみ）。
func (d *Dispatcher) handleFollow(ctx context.Context, feed *model.Feed, activity *ap.InboundActivity, body []byte) error {
	sender, err := d.resolver.FindOrFetch(ctx, activity.Actor)
	if err != nil {
		return fmt.Errorf("フォロワーのアクター解決に失敗しました: %w", err)
	}
	if sender == nil {
		// ブロック済みドメインからのFollowは黙って無視する
		return nil
	}

	follower := &model.Follower{
		ID:     uuid.New().String(),
		FeedID: feed.ID,
		Actor:  sender.URL,
	}
	if err := d.followerRepo.Upsert(ctx, follower); err != nil {
		return err
	}

	d.logger.Info("フォロワーを登録しました",
		slog.String("feed_name", feed.Name),
		slog.String("actor", sender.URL),
	)

	accept := d.builder.AcceptFollow(feed, sender.URL, json.RawMessage(body))
	if err := d.sender.EnqueueActivity(ctx, feed, sender.URL, accept); err != nil {
		d.logger.Error("Acceptのエンキューに失敗しました",
			slog.String("feed_name", feed.Name),
			slog.String("actor", sender.URL),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// handleUndo はUndo(Follow)を処理する。対象のフォロワー行を削除する。
// 行が存在しない場合も成功として扱う（冪等）。
func (d *Dispatcher) handleUndo(ctx context.Context, feed *model.Feed, activity *ap.InboundActivity) error {
	var object ap.InboundObject
	if len(activity.Object) > 0 {
		if err := json.Unmarshal(activity.Object, &object); err != nil {
			// objectがURL文字列のケース: Undoの送信者のフォローを解除する
			object = ap.InboundObject{}
		}
	}
	if object.Type != "" && object.Type != "Follow" {
		return nil
	}

	actorURL := object.Actor
	if actorURL == "" {
		actorURL = activity.Actor
	}

	if err := d.followerRepo.Delete(ctx, feed.ID, actorURL); err != nil {
		return err
	}

	d.logger.Info("フォロワーを削除しました",
		slog.String("feed_name", feed.Name),
		slog.String("actor", actorURL),
	)
	return nil
}

// handleDelete はDeleteアクティビティを処理する。
// リモートアカウントの削除通知であり、送信アクターのフォロワー行を削除する。
func (d *Dispatcher) handleDelete(ctx context.Context, feed *model.Feed, activity *ap.InboundActivity) error {
	return d.followerRepo.Delete(ctx, feed.ID, activity.Actor)
}

// handleCreate はCreateアクティビティを処理する。
// adminフィード宛のメンションのみ対象とし、本文先頭にhelpキーワードが
// 含まれる場合は操作方法を案内するダイレクトメッセージを返信する。
func (d *Dispatcher) handleCreate(ctx context.Context, feed *model.Feed, activity *ap.InboundActivity) error {
	if !feed.Admin {
		return nil
	}

	var object ap.InboundObject
	if len(activity.Object) > 0 {
		if err := json.Unmarshal(activity.Object, &object); err != nil {
			return nil
		}
	}
	if object.Type != "Note" {
		return nil
	}

	if !containsHelpCommand(d.sanitizer.SanitizeText(object.Content)) {
		return nil
	}

	sender, err := d.resolver.FindOrFetch(ctx, activity.Actor)
	if err != nil {
		return fmt.Errorf("送信者のアクター解決に失敗しました: %w", err)
	}
	if sender == nil {
		return nil
	}

	dm := d.builder.DirectMessage(feed, sender, d.helpMessage(ctx))
	if err := d.sender.EnqueueActivity(ctx, feed, sender.URL, dm); err != nil {
		return err
	}

	d.logger.Info("helpコマンドに応答しました",
		slog.String("feed_name", feed.Name),
		slog.String("actor", sender.URL),
	)
	return nil
}

// helpMessage はhelp応答の本文を返す。設定で上書き可能で、
// 未設定時はログインリンク付きの既定文を使う。
func (d *Dispatcher) helpMessage(ctx context.Context) string {
	fallback := fmt.Sprintf(
		`<p>Hi! This account manages feeds on this instance. `+
			`To manage your feeds, sign in here: <a href="%s/login" rel="noopener noreferrer">%s/login</a></p>`,
		d.baseURL, d.baseURL,
	)
	content, err := d.settingRepo.Get(ctx, helpMessageSetting, fallback)
	if err != nil {
		d.logger.Error("help応答設定の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fallback
	}
	return content
}

// audit は受信試行を監査ログに記録する。ログ記録自体の失敗は処理を妨げない。
func (d *Dispatcher) audit(ctx context.Context, feed *model.Feed, actorURL, text, errText string, handled bool) {
	message := &model.Message{
		ID:       uuid.New().String(),
		Username: feed.Name,
		Text:     text,
		Actor:    actorURL,
		Error:    errText,
		Handled:  handled,
	}
	if err := d.messageRepo.Create(ctx, message); err != nil {
		d.logger.Error("監査ログの記録に失敗しました",
			slog.String("feed_name", feed.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) recordMetric(activityType, outcome string) {
	if d.metrics != nil {
		if activityType == "" {
			activityType = "unknown"
		}
		d.metrics.InboundActivity(activityType, outcome)
	}
}

// containsHelpCommand は本文先頭の走査窓内に単語としてのhelpが
// 含まれるかを判定する。"helpful"のような部分一致には反応しない。
func containsHelpCommand(text string) bool {
	text = strings.ToLower(text)
	runes := []rune(text)
	if len(runes) > helpScanWindow {
		runes = runes[:helpScanWindow]
		text = string(runes)
	}

	for i := 0; ; {
		j := strings.Index(text[i:], "help")
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len("help")

		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		beforeOK := start == 0 || isWordBoundary(before)
		afterOK := end >= len(text) || isWordBoundary(after)
		if beforeOK && afterOK {
			return true
		}
		i = start + 1
	}
}

// isWordBoundary は単語境界となる文字かを判定する。
func isWordBoundary(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
