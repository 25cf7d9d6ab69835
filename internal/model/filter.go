package model

import (
	"fmt"
	"time"
)

// SortOrder は記事一覧の並び順を表す。
type SortOrder string

const (
	// SortNewestFirst は新しい記事から表示する並び順。
	SortNewestFirst SortOrder = "newest"
	// SortOldestFirst は古い記事から表示する並び順。
	SortOldestFirst SortOrder = "oldest"
)

// ListFilter は記事一覧のフィルタ条件の組を表す。
// フィルタ条件の組がページネーション系列の同一性を決定する。
// いずれかの値が変わると論理的に新しい系列が始まる。
type ListFilter struct {
	SubscriptionID string
	TagID          string
	Uncategorized  bool
	UnreadOnly     bool
	StarredOnly    bool
	Type           EntryType
	Sort           SortOrder
}

// Identity はフィルタ条件の組を一意に識別するキーを返す。
// 同一キーのフェッチ結果は同一のページネーション系列に属する。
func (f ListFilter) Identity() string {
	sort := f.Sort
	if sort == "" {
		sort = SortNewestFirst
	}
	return fmt.Sprintf("sub=%s|tag=%s|uncat=%t|unread=%t|starred=%t|type=%s|sort=%s",
		f.SubscriptionID, f.TagID, f.Uncategorized, f.UnreadOnly, f.StarredOnly, f.Type, sort)
}

// Matches はマージ後の記事がこのフィルタ条件を満たすかを判定する。
// デルタ適用によってフェッチ後にフィルタ所属が変わり得るため、
// サーバー側で絞り込み済みでも再判定する。
func (f ListFilter) Matches(e Entry) bool {
	if f.UnreadOnly && e.Read {
		return false
	}
	if f.StarredOnly && !e.Starred {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.SubscriptionID != "" && e.SubscriptionID != f.SubscriptionID {
		return false
	}
	if f.Uncategorized && len(e.TagIDs) > 0 {
		return false
	}
	if f.TagID != "" {
		found := false
		for _, id := range e.TagIDs {
			if id == f.TagID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// EntryPage はサーバーからフェッチした一覧の1ページを表す。
type EntryPage struct {
	Entries    []Entry
	NextCursor string
	HasMore    bool
}

// UnreadCounts はスコープ（購読またはタグ）ごとの未読数を表す。
type UnreadCounts map[string]int

// FormatCursor はカーソル文字列を生成する。
// 並び順キーの時刻と記事IDの組で系列内の位置を一意に表す。
func FormatCursor(orderedAt time.Time, entryID string) string {
	return orderedAt.UTC().Format(time.RFC3339Nano) + "~" + entryID
}
