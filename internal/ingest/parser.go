package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/repository"
)

// Sanitizer はHTMLサニタイズのインターフェース。
// security.ContentSanitizerServiceを抽象化してテスタビリティを向上させる。
type Sanitizer interface {
	SanitizeContent(rawHTML string) string
	SanitizeText(rawHTML string) string
}

// ParseOutcome はフィードドキュメント1件のパース・保存結果を表す。
type ParseOutcome struct {
	// NewItems は今回の取り込みで新規に保存された記事（古い順）。
	NewItems []*model.Item
	// NewestPostAt は新規記事の中で最も新しい公開日時。
	NewestPostAt *time.Time
}

// Parser はフィードドキュメントのパースと記事の冪等な保存を行う。
type Parser struct {
	itemRepo  repository.ItemRepository
	sanitizer Sanitizer
	logger    *slog.Logger
}

// NewParser はParserの新しいインスタンスを生成する。
func NewParser(itemRepo repository.ItemRepository, sanitizer Sanitizer, logger *slog.Logger) *Parser {
	return &Parser{
		itemRepo:  itemRepo,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// Parse はフィードドキュメントをパースし、プロフィールの反映と
// 新規記事の保存を行う。
//
// プロフィール（タイトル・説明・サイトURL・アイコン）はフィード由来の値で
// 上書きされるが、operatorが手動調整済み（TweakedProfile）の場合は触らない。
// 記事は(feed_id, guid)で重複排除され、last_post_atより古い記事は
// 取り込み対象から除外される。保存された新規記事のみを返す。
func (p *Parser) Parse(ctx context.Context, feed *model.Feed, body []byte) (*ParseOutcome, error) {
	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, &model.ParseError{Reason: "フィードドキュメントのパースに失敗", Err: err}
	}

	p.applyProfile(feed, parsed)

	outcome := &ParseOutcome{}

	// gofeedは新しい記事が先頭に来るため、逆順に処理して古い順に保存する
	for i := len(parsed.Items) - 1; i >= 0; i-- {
		entry := parsed.Items[i]
		if entry == nil {
			continue
		}

		guid := entry.GUID
		if guid == "" {
			guid = entry.Link
		}
		if guid == "" {
			p.logger.Warn("GUIDもリンクも持たない記事をスキップします",
				slog.String("feed_id", feed.ID),
				slog.String("title", entry.Title),
			)
			continue
		}

		publishedAt := entryPublishedAt(entry)

		// 過去分の一括再配信を防ぐ: last_post_atより厳密に古い記事は新着として扱わない。
		// 日付のみの粒度のフィードではlast_post_atと同時刻の新記事が届くため、同時刻は通す
		if feed.LastPostAt != nil && publishedAt != nil && publishedAt.Before(*feed.LastPostAt) {
			continue
		}

		exists, err := p.itemRepo.ExistsByFeedAndGUID(ctx, feed.ID, guid)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		item := &model.Item{
			ID:      uuid.New().String(),
			FeedID:  feed.ID,
			GUID:    guid,
			Title:   p.sanitizer.SanitizeText(entry.Title),
			Content: p.sanitizer.SanitizeContent(entryContent(entry)),
			URL:     entry.Link,
		}
		if item.URL == "" && strings.HasPrefix(guid, "http") {
			item.URL = guid
		}

		if err := p.itemRepo.Create(ctx, item); err != nil {
			return nil, err
		}

		outcome.NewItems = append(outcome.NewItems, item)
		if publishedAt != nil {
			if outcome.NewestPostAt == nil || publishedAt.After(*outcome.NewestPostAt) {
				outcome.NewestPostAt = publishedAt
			}
		}
	}

	return outcome, nil
}

// applyProfile はフィードドキュメントのメタデータをフィードプロフィールに反映する。
func (p *Parser) applyProfile(feed *model.Feed, parsed *gofeed.Feed) {
	if feed.TweakedProfile {
		return
	}

	if parsed.Title != "" {
		feed.Title = p.sanitizer.SanitizeText(parsed.Title)
	}
	if parsed.Description != "" {
		feed.Description = p.sanitizer.SanitizeText(parsed.Description)
	}
	if parsed.Link != "" {
		feed.SiteURL = parsed.Link
	}
	if parsed.Image != nil && parsed.Image.URL != "" {
		feed.ImageURL = parsed.Image.URL
		if feed.IconURL == "" {
			feed.IconURL = parsed.Image.URL
		}
	}
	if parsed.Language != "" && feed.Language == "" {
		feed.Language = normalizeLanguage(parsed.Language)
	}
}

// entryPublishedAt は記事の公開日時を返す。published優先、なければupdated。
func entryPublishedAt(entry *gofeed.Item) *time.Time {
	if entry.PublishedParsed != nil {
		t := *entry.PublishedParsed
		return &t
	}
	if entry.UpdatedParsed != nil {
		t := *entry.UpdatedParsed
		return &t
	}
	return nil
}

// entryContent は記事本文を返す。contentが空の場合はdescriptionを使用する。
func entryContent(entry *gofeed.Item) string {
	if entry.Content != "" {
		return entry.Content
	}
	return entry.Description
}

// normalizeLanguage は"ja-JP"のような言語タグを主言語部分に正規化する。
func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	return lang
}
