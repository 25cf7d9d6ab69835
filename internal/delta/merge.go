package delta

import "github.com/hitoshi/feedsync/internal/model"

// MergeEntry はサーバーの記事スナップショットにデルタオーバーレイを適用した
// 実効ビューを返す。純粋関数であり、同一入力に対して常に同一出力を返す。
func MergeEntry(e model.Entry, sn Snapshot) model.Entry {
	merged := e
	if at, ok := sn.ReadIDs[e.ID]; ok && !merged.Read {
		merged = merged.Clone()
		merged.Read = true
		if at.After(merged.UpdatedAt) {
			merged.UpdatedAt = at
		}
	}
	if at, ok := sn.UnreadIDs[e.ID]; ok && merged.Read {
		merged = merged.Clone()
		merged.Read = false
		if at.After(merged.UpdatedAt) {
			merged.UpdatedAt = at
		}
	}
	if at, ok := sn.StarredIDs[e.ID]; ok && !merged.Starred {
		merged = merged.Clone()
		merged.Starred = true
		if at.After(merged.UpdatedAt) {
			merged.UpdatedAt = at
		}
	}
	if at, ok := sn.UnstarredIDs[e.ID]; ok && merged.Starred {
		merged = merged.Clone()
		merged.Starred = false
		if at.After(merged.UpdatedAt) {
			merged.UpdatedAt = at
		}
	}
	return merged
}

// MergeList はフェッチ済みページ列にデルタオーバーレイとフィルタを適用し、
// 最終的に表示される記事列を生成する。
//
// ページはフェッチ順に連結し、ページ内はサーバーの並び順を保持する。
// フィルタ判定はデルタ適用後に行うため、未読のみ表示中に既読化した記事は
// 再フェッチなしで即座に一覧から消える。
// 純粋関数であり冪等。隠れた可変状態を持たない。
func MergeList(pages [][]model.Entry, sn Snapshot, f model.ListFilter) []model.Entry {
	var out []model.Entry
	for _, page := range pages {
		for _, e := range page {
			merged := MergeEntry(e, sn)
			if !f.Matches(merged) {
				continue
			}
			out = append(out, merged)
		}
	}
	return out
}
