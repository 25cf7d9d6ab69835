package backend

import (
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

func seedEntry(id string, publishedAt time.Time) model.Entry {
	return model.Entry{
		ID:             id,
		SubscriptionID: "sub-1",
		Type:           model.EntryTypeArticle,
		Title:          "title " + id,
		Link:           "https://example.com/" + id,
		PublishedAt:    publishedAt,
		FetchedAt:      publishedAt,
		UpdatedAt:      publishedAt,
	}
}

// TestStore_List_CursorPagination はカーソルページネーションの切り出しと
// 次ページ有無の判定をテストする。
func TestStore_List_CursorPagination(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Upsert(seedEntry(string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour)))
	}

	page1 := s.List(model.ListFilter{}, "", 2)
	if len(page1.Entries) != 2 || !page1.HasMore {
		t.Fatalf("page1 = %d entries hasMore=%t, want 2 entries hasMore=true", len(page1.Entries), page1.HasMore)
	}
	// 既定は新着順
	if page1.Entries[0].ID != "e" || page1.Entries[1].ID != "d" {
		t.Errorf("page1 order = [%s %s], want [e d]", page1.Entries[0].ID, page1.Entries[1].ID)
	}

	page2 := s.List(model.ListFilter{}, page1.NextCursor, 2)
	if len(page2.Entries) != 2 || page2.Entries[0].ID != "c" {
		t.Errorf("page2 = %v, want [c b]", page2.Entries)
	}

	page3 := s.List(model.ListFilter{}, page2.NextCursor, 2)
	if len(page3.Entries) != 1 || page3.HasMore {
		t.Errorf("page3 = %d entries hasMore=%t, want 1 entry hasMore=false", len(page3.Entries), page3.HasMore)
	}
}

// TestStore_List_OldestFirst は古い順の並びをテストする。
func TestStore_List_OldestFirst(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s.Upsert(seedEntry("a", base.Add(time.Hour)))
	s.Upsert(seedEntry("b", base))

	page := s.List(model.ListFilter{Sort: model.SortOldestFirst}, "", 10)
	if page.Entries[0].ID != "b" {
		t.Errorf("first = %s, want b (oldest)", page.Entries[0].ID)
	}
}

// TestStore_SetRead_LastWriterWins は古いchanged_atの書き込みが無視され、
// レスポンスに現在の確定状態が載ることをテストする。
func TestStore_SetRead_LastWriterWins(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s.Upsert(seedEntry("e1", base))

	newer := base.Add(2 * time.Hour)
	older := base.Add(1 * time.Hour)

	got, ok := s.SetRead("e1", true, newer)
	if !ok || !got.Read || !got.UpdatedAt.Equal(newer) {
		t.Fatalf("SetRead(newer) = %+v ok=%t, want read=true updated=%v", got, ok, newer)
	}

	// 古い書き込みは適用されず、現在の状態が返る
	got, ok = s.SetRead("e1", false, older)
	if !ok {
		t.Fatal("SetRead(older) reported not found")
	}
	if !got.Read {
		t.Error("Read = false, want true (stale write must be ignored)")
	}
	if !got.UpdatedAt.Equal(newer) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, newer)
	}
}

// TestStore_UnreadCounts は購読・タグごとの未読数の集計をテストする。
func TestStore_UnreadCounts(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	e1 := seedEntry("e1", base)
	e1.TagIDs = []string{"tag-1"}
	e2 := seedEntry("e2", base)
	e3 := seedEntry("e3", base)
	e3.Read = true
	s.Upsert(e1)
	s.Upsert(e2)
	s.Upsert(e3)

	counts := s.UnreadCounts()
	if counts["sub-1"] != 2 {
		t.Errorf("counts[sub-1] = %d, want 2", counts["sub-1"])
	}
	if counts["tag-1"] != 1 {
		t.Errorf("counts[tag-1] = %d, want 1", counts["tag-1"])
	}
}

// TestStore_MarkAllRead はフィルタ一致の未読記事の一括既読化をテストする。
func TestStore_MarkAllRead(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s.Upsert(seedEntry("e1", base))
	s.Upsert(seedEntry("e2", base))
	other := seedEntry("e3", base)
	other.SubscriptionID = "sub-other"
	s.Upsert(other)

	updated := s.MarkAllRead(model.ListFilter{SubscriptionID: "sub-1"}, base.Add(time.Hour))
	if len(updated) != 2 {
		t.Fatalf("updated = %v, want 2 ids", updated)
	}
	if counts := s.UnreadCounts(); counts["sub-1"] != 0 || counts["sub-other"] != 1 {
		t.Errorf("counts = %v, want sub-1=0 sub-other=1", counts)
	}
}

// TestStore_Upsert_DedupesByLink は同一リンクの記事が重複登録されないことをテストする。
func TestStore_Upsert_DedupesByLink(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	e := seedEntry("e1", base)
	if !s.Upsert(e) {
		t.Fatal("first Upsert reported not created")
	}

	dup := seedEntry("e1-refetched", base)
	dup.Link = e.Link
	dup.Title = "updated title"
	if s.Upsert(dup) {
		t.Error("duplicate link reported as created")
	}

	got, ok := s.Entry("e1")
	if !ok || got.Title != "updated title" {
		t.Errorf("entry = %+v, want title updated in place", got)
	}
}

// TestStore_EventDeliveryOrder は連続したイベントがログへの追加順、
// すなわちカーソルの昇順どおりにコールバックへ配信されることをテストする。
func TestStore_EventDeliveryOrder(t *testing.T) {
	s := NewStore()
	t.Cleanup(s.Close)
	received := make(chan model.Event, 16)
	s.OnEvent(func(ev model.Event) { received <- ev })

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Upsert(seedEntry(string(rune('a'+i)), base))
	}

	for want := 1; want <= 5; want++ {
		select {
		case ev := <-received:
			if ev.Cursor != strconv.Itoa(want) {
				t.Fatalf("event cursor = %s, want %d (delivery must follow log order)", ev.Cursor, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d was not delivered", want)
		}
	}
}

// TestStore_EventsSinceAndCursorReplay はイベントログの時刻絞り込みと
// カーソルリプレイをテストする。
func TestStore_EventsSinceAndCursorReplay(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s.Upsert(seedEntry("e1", base))
	s.SetRead("e1", true, base.Add(time.Hour))
	s.SetRead("e1", false, base.Add(2*time.Hour))

	events := s.EventsSince(base.Add(90 * time.Minute))
	if len(events) != 1 || events[0].Type != model.EventEntryUpdated {
		t.Errorf("EventsSince = %v, want one entry_updated", events)
	}

	replayed := s.EventsAfterCursor(model.EventEntryUpdated, "2")
	if len(replayed) != 1 || replayed[0].Cursor != "3" {
		t.Errorf("EventsAfterCursor = %v, want cursor-3 event only", replayed)
	}
}
