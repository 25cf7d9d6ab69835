package cache

import (
	"testing"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

func cachedEntry(id string, read bool, updatedAt time.Time) model.Entry {
	return model.Entry{ID: id, SubscriptionID: "sub-1", Read: read, UpdatedAt: updatedAt}
}

func boolPtr(b bool) *bool { return &b }

// TestEntryCache_ApplyChange_RewritesEntryAndListMembers は楽観的更新が単一記事と全一覧メンバーの両方を書き換えることをテストする。
func TestEntryCache_ApplyChange_RewritesEntryAndListMembers(t *testing.T) {
	c := New()
	now := time.Now().UTC()
	c.PutEntry(cachedEntry("e1", false, now))
	c.ReplaceList("list-a", model.EntryPage{Entries: []model.Entry{
		cachedEntry("e1", false, now),
		cachedEntry("e2", false, now),
	}})
	c.ReplaceList("list-b", model.EntryPage{Entries: []model.Entry{
		cachedEntry("e1", false, now),
	}})

	c.ApplyChange("e1", model.StateChange{Read: boolPtr(true)})

	if e, _ := c.Entry("e1"); !e.Read {
		t.Error("single-entry cache not rewritten")
	}
	for _, identity := range []string{"list-a", "list-b"} {
		pages, _, _, _ := c.ListPages(identity)
		for _, page := range pages {
			for _, e := range page {
				if e.ID == "e1" && !e.Read {
					t.Errorf("list %s member e1 not rewritten", identity)
				}
			}
		}
	}
	pages, _, _, _ := c.ListPages("list-a")
	if pages[0][1].Read {
		t.Error("unrelated entry e2 was modified")
	}
}

// TestEntryCache_ApplyChange_ProducesNewSnapshot は楽観的更新が取得済みスナップショットを破壊しないことをテストする。
func TestEntryCache_ApplyChange_ProducesNewSnapshot(t *testing.T) {
	c := New()
	c.PutEntry(cachedEntry("e1", false, time.Now().UTC()))
	before, _ := c.Entry("e1")

	c.ApplyChange("e1", model.StateChange{Read: boolPtr(true)})

	if before.Read {
		t.Error("previously returned snapshot was mutated in place")
	}
}

// TestEntryCache_ApplyWinningState_StalenessGuard は既に新しい状態があるとき古い勝者の書き込みが拒否されることをテストする。
func TestEntryCache_ApplyWinningState_StalenessGuard(t *testing.T) {
	c := New()
	newer := time.Date(2026, 8, 1, 0, 0, 2, 0, time.UTC)
	older := time.Date(2026, 8, 1, 0, 0, 1, 0, time.UTC)
	c.PutEntry(cachedEntry("e1", true, newer))

	applied := c.ApplyWinningState("e1", cachedEntry("e1", false, older))

	if applied {
		t.Error("ApplyWinningState applied a stale winner")
	}
	if e, _ := c.Entry("e1"); !e.Read {
		t.Error("cached state regressed by a slower-arriving older confirmation")
	}
}

// TestEntryCache_ApplyWinningState_AppliesNewer は新しい勝者がキャッシュと一覧の両方に反映されることをテストする。
func TestEntryCache_ApplyWinningState_AppliesNewer(t *testing.T) {
	c := New()
	older := time.Date(2026, 8, 1, 0, 0, 1, 0, time.UTC)
	newer := time.Date(2026, 8, 1, 0, 0, 2, 0, time.UTC)
	c.PutEntry(cachedEntry("e1", false, older))
	c.ReplaceList("list-a", model.EntryPage{Entries: []model.Entry{cachedEntry("e1", false, older)}})

	winning := cachedEntry("e1", true, newer)
	if applied := c.ApplyWinningState("e1", winning); !applied {
		t.Fatal("expected winner to be applied")
	}

	if e, _ := c.Entry("e1"); !e.Read || !e.UpdatedAt.Equal(newer) {
		t.Errorf("entry cache = %+v, want winning state", e)
	}
	pages, _, _, _ := c.ListPages("list-a")
	if !pages[0][0].Read {
		t.Error("list member not updated with winning state")
	}
}

// TestEntryCache_ReplaceList_SupersedesPages は再フェッチが既存ページ列を置き換えることをテストする。
func TestEntryCache_ReplaceList_SupersedesPages(t *testing.T) {
	c := New()
	now := time.Now().UTC()
	c.ReplaceList("list-a", model.EntryPage{Entries: []model.Entry{cachedEntry("e1", false, now)}, NextCursor: "c1", HasMore: true})
	c.AppendList("list-a", model.EntryPage{Entries: []model.Entry{cachedEntry("e2", false, now)}, NextCursor: "c2", HasMore: true})

	c.ReplaceList("list-a", model.EntryPage{Entries: []model.Entry{cachedEntry("e3", false, now)}})

	pages, nextCursor, hasMore, ok := c.ListPages("list-a")
	if !ok || len(pages) != 1 || pages[0][0].ID != "e3" {
		t.Errorf("pages = %v, want single page [e3]", pages)
	}
	if nextCursor != "" || hasMore {
		t.Errorf("cursor state = (%q, %t), want reset", nextCursor, hasMore)
	}
}

// TestEntryCache_AppendList_GrowsSequence はページ追加で系列が伸びてカーソルが進むことをテストする。
func TestEntryCache_AppendList_GrowsSequence(t *testing.T) {
	c := New()
	now := time.Now().UTC()
	c.ReplaceList("list-a", model.EntryPage{Entries: []model.Entry{cachedEntry("e1", false, now)}, NextCursor: "c1", HasMore: true})
	c.AppendList("list-a", model.EntryPage{Entries: []model.Entry{cachedEntry("e2", false, now)}, NextCursor: "c2", HasMore: false})

	pages, nextCursor, hasMore, _ := c.ListPages("list-a")
	if len(pages) != 2 {
		t.Fatalf("len(pages) = %d, want 2", len(pages))
	}
	if nextCursor != "c2" || hasMore {
		t.Errorf("cursor state = (%q, %t), want (c2, false)", nextCursor, hasMore)
	}
}

// TestEntryCache_LookupMember_FindsListOnlyEntry は単一記事キャッシュにない一覧メンバーを検索できることをテストする。
func TestEntryCache_LookupMember_FindsListOnlyEntry(t *testing.T) {
	c := New()
	c.ReplaceList("list-a", model.EntryPage{Entries: []model.Entry{cachedEntry("e9", false, time.Now().UTC())}})

	e, ok := c.LookupMember("e9")
	if !ok || e.ID != "e9" {
		t.Errorf("LookupMember = (%v, %t), want e9", e, ok)
	}
}

// TestEntryCache_InvalidateAll_ClearsEverything は全破棄で記事・一覧の両キャッシュが消えることをテストする。
func TestEntryCache_InvalidateAll_ClearsEverything(t *testing.T) {
	c := New()
	c.PutEntry(cachedEntry("e1", false, time.Now().UTC()))
	c.ReplaceList("list-a", model.EntryPage{Entries: []model.Entry{cachedEntry("e2", false, time.Now().UTC())}})

	c.InvalidateAll()

	if _, ok := c.Entry("e1"); ok {
		t.Error("entry cache not cleared")
	}
	if _, _, _, ok := c.ListPages("list-a"); ok {
		t.Error("list cache not cleared")
	}
}
