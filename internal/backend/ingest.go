package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/security"
)

const (
	defaultIngestTimeout = 30 * time.Second
	defaultMaxBodySize   = 10 * 1024 * 1024 // 10MB
)

// Ingestor は実フィードのフェッチ・パース・ストアへの取り込みを行う。
// 開発サーバーのデモデータ投入に使用する。取得先URLはSSRF検証を通し、
// 本文はサニタイズしてから格納する。
type Ingestor struct {
	store       *Store
	guard       security.SSRFGuardService
	sanitizer   security.ContentSanitizerService
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewIngestor はIngestorの新しいインスタンスを生成する。
func NewIngestor(store *Store, guard security.SSRFGuardService, sanitizer security.ContentSanitizerService, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:       store,
		guard:       guard,
		sanitizer:   sanitizer,
		logger:      logger,
		timeout:     defaultIngestTimeout,
		maxBodySize: defaultMaxBodySize,
	}
}

// IngestFeed はフィードURLをフェッチして記事をストアへ取り込み、
// 新規登録した記事数を返す。
func (i *Ingestor) IngestFeed(ctx context.Context, feedURL, subscriptionID string, tagIDs []string) (int, error) {
	if err := i.guard.ValidateURL(feedURL); err != nil {
		i.logger.Error("SSRF検証に失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	client := i.guard.NewSafeClient(i.timeout, i.maxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return 0, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "Feedsync/1.0 Feed Reader Client")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := client.Do(req)
	if err != nil {
		i.logger.Error("フィードのフェッチに失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("フィードがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, i.maxBodySize))
	if err != nil {
		return 0, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}

	parser := gofeed.NewParser()
	parsedFeed, err := parser.ParseString(string(body))
	if err != nil {
		i.logger.Error("フィードのパースに失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	inserted := 0
	for _, item := range parsedFeed.Items {
		if item == nil {
			continue
		}
		entry := i.convertItem(item, subscriptionID, tagIDs)
		if i.store.Upsert(entry) {
			inserted++
		}
	}

	i.logger.Info("フィードの取り込みが完了しました",
		slog.String("feed_url", feedURL),
		slog.String("subscription_id", subscriptionID),
		slog.Int("items_inserted", inserted),
		slog.Int("items_total", len(parsedFeed.Items)),
	)
	return inserted, nil
}

// convertItem はgofeedの記事をストアへ格納するEntryに変換する。
// 本文は格納前にサニタイズする。
func (i *Ingestor) convertItem(item *gofeed.Item, subscriptionID string, tagIDs []string) model.Entry {
	entry := model.Entry{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		TagIDs:         tagIDs,
		Type:           detectEntryType(item),
		Title:          item.Title,
		Link:           item.Link,
		Content:        i.sanitizer.Sanitize(item.Content),
		Summary:        i.sanitizer.Sanitize(item.Description),
	}

	if item.Author != nil {
		entry.Author = item.Author.Name
	}
	if entry.Author == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
		entry.Author = item.Authors[0].Name
	}

	if item.PublishedParsed != nil {
		entry.PublishedAt = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		entry.PublishedAt = *item.UpdatedParsed
	}

	if entry.Content == "" && entry.Summary != "" {
		entry.Content = entry.Summary
	}
	if entry.Link == "" && item.GUID != "" {
		entry.Link = item.GUID
	}

	return entry
}

// detectEntryType は添付ファイルのMIMEタイプから記事種別を推定する。
func detectEntryType(item *gofeed.Item) model.EntryType {
	for _, enc := range item.Enclosures {
		if enc == nil {
			continue
		}
		switch {
		case len(enc.Type) >= 5 && enc.Type[:5] == "audio":
			return model.EntryTypeAudio
		case len(enc.Type) >= 5 && enc.Type[:5] == "video":
			return model.EntryTypeVideo
		}
	}
	return model.EntryTypeArticle
}
