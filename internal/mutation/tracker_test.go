package mutation

import (
	"testing"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

func snapshotAt(id string, read, starred bool, updatedAt time.Time) model.Entry {
	return model.Entry{ID: id, Read: read, Starred: starred, UpdatedAt: updatedAt}
}

// TestTracker_RecordSuccess_WithoutRecord_ReturnsImmediateWinner は台帳なしの成功が即時勝者として返ることをテストする。
func TestTracker_RecordSuccess_WithoutRecord_ReturnsImmediateWinner(t *testing.T) {
	tr := NewTracker()
	result := snapshotAt("e1", true, false, time.Now().UTC())

	res := tr.RecordSuccess("e1", result)

	if !res.AllComplete {
		t.Error("AllComplete = false, want true")
	}
	if res.Winning == nil || res.Winning.ID != "e1" {
		t.Fatalf("Winning = %v, want snapshot of e1", res.Winning)
	}
}

// TestTracker_HighestUpdatedAtWins は到着順に関わらずupdated_at最大の結果が勝者になることをテストする。
func TestTracker_HighestUpdatedAtWins(t *testing.T) {
	tr := NewTracker()
	t1 := time.Date(2026, 8, 1, 0, 0, 1, 0, time.UTC)
	t2 := time.Date(2026, 8, 1, 0, 0, 2, 0, time.UTC)

	tr.StartTracking("e1", false, false)
	tr.StartTracking("e1", false, false)

	// 新しい方（T2）が先に到着し、古い方（T1）が後から到着する
	first := tr.RecordSuccess("e1", snapshotAt("e1", true, false, t2))
	if first.AllComplete {
		t.Fatal("first resolution must not complete the group")
	}
	second := tr.RecordSuccess("e1", snapshotAt("e1", false, true, t1))

	if !second.AllComplete {
		t.Fatal("second resolution must complete the group")
	}
	if second.Winning == nil {
		t.Fatal("Winning = nil, want T2 snapshot")
	}
	if !second.Winning.UpdatedAt.Equal(t2) {
		t.Errorf("Winning.UpdatedAt = %v, want %v", second.Winning.UpdatedAt, t2)
	}
	if !second.Winning.Read {
		t.Error("Winning.Read = false, want true (state of the T2 response)")
	}
}

// TestTracker_EqualUpdatedAt_LastObservedWins は同時刻の場合に後から観測した結果が勝つことをテストする。
func TestTracker_EqualUpdatedAt_LastObservedWins(t *testing.T) {
	tr := NewTracker()
	at := time.Date(2026, 8, 1, 0, 0, 1, 0, time.UTC)

	tr.StartTracking("e1", false, false)
	tr.StartTracking("e1", false, false)

	tr.RecordSuccess("e1", snapshotAt("e1", true, false, at))
	res := tr.RecordSuccess("e1", snapshotAt("e1", false, true, at))

	if res.Winning == nil || res.Winning.Starred != true {
		t.Errorf("Winning = %+v, want the most recently observed result", res.Winning)
	}
}

// TestTracker_AllFailures_ReturnsOriginals は全滅時に更新前の状態が巻き戻し用に返ることをテストする。
func TestTracker_AllFailures_ReturnsOriginals(t *testing.T) {
	tr := NewTracker()
	tr.StartTracking("e6", true, false)
	tr.StartTracking("e6", true, false)
	tr.StartTracking("e6", true, false)

	if res := tr.RecordFailure("e6"); res.AllComplete {
		t.Fatal("first failure must not complete the group")
	}
	if res := tr.RecordFailure("e6"); res.AllComplete {
		t.Fatal("second failure must not complete the group")
	}
	res := tr.RecordFailure("e6")

	if !res.AllComplete {
		t.Fatal("third failure must complete the group")
	}
	if res.Winning != nil {
		t.Errorf("Winning = %+v, want nil (no success)", res.Winning)
	}
	if !res.HasOriginal {
		t.Fatal("HasOriginal = false, want true")
	}
	if res.OriginalRead != true || res.OriginalStarred != false {
		t.Errorf("originals = (%t, %t), want (true, false)", res.OriginalRead, res.OriginalStarred)
	}
}

// TestTracker_PartialFailure_ReturnsSurvivingWinner は一部成功・一部失敗で成功分の勝者が返ることをテストする。
func TestTracker_PartialFailure_ReturnsSurvivingWinner(t *testing.T) {
	tr := NewTracker()
	at := time.Now().UTC()

	tr.StartTracking("e1", false, false)
	tr.StartTracking("e1", false, false)

	tr.RecordSuccess("e1", snapshotAt("e1", true, false, at))
	res := tr.RecordFailure("e1")

	if !res.AllComplete {
		t.Fatal("expected group completion")
	}
	if res.Winning == nil || !res.Winning.Read {
		t.Errorf("Winning = %+v, want the successful write's snapshot", res.Winning)
	}
}

// TestTracker_RecordExistsOnlyWhilePending は台帳がpendingCount>0の間のみ存在することをテストする。
func TestTracker_RecordExistsOnlyWhilePending(t *testing.T) {
	tr := NewTracker()
	tr.StartTracking("e1", false, false)

	if got := tr.Pending("e1"); got != 1 {
		t.Errorf("Pending = %d, want 1", got)
	}

	tr.RecordSuccess("e1", snapshotAt("e1", true, false, time.Now().UTC()))

	if got := tr.Pending("e1"); got != 0 {
		t.Errorf("Pending = %d after completion, want 0 (record deleted)", got)
	}
}

// TestTracker_OriginalsCapturedAtFirstWrite は2回目以降のStartTrackingが最初の更新前状態を上書きしないことをテストする。
func TestTracker_OriginalsCapturedAtFirstWrite(t *testing.T) {
	tr := NewTracker()
	tr.StartTracking("e1", false, true)
	// 2回目の楽観的更新後の状態が渡されても無視される
	tr.StartTracking("e1", true, true)

	tr.RecordFailure("e1")
	res := tr.RecordFailure("e1")

	if res.OriginalRead != false || res.OriginalStarred != true {
		t.Errorf("originals = (%t, %t), want first-write values (false, true)", res.OriginalRead, res.OriginalStarred)
	}
}

// TestTracker_WithoutOriginal_FlagsMissingFallback は更新前状態なし追跡の全滅がHasOriginal=falseで返ることをテストする。
func TestTracker_WithoutOriginal_FlagsMissingFallback(t *testing.T) {
	tr := NewTracker()
	tr.StartTrackingWithoutOriginal("e1")

	res := tr.RecordFailure("e1")

	if !res.AllComplete {
		t.Fatal("expected completion")
	}
	if res.HasOriginal {
		t.Error("HasOriginal = true, want false")
	}
}
