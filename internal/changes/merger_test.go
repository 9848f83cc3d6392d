package changes

import (
	"testing"

	"github.com/lcwei/shelfsync/internal/models"
)

func TestMergeCreateThenUpdate(t *testing.T) {
	merged := Merge([]models.ChangeRecord{
		{Rev: 1, Key: "a", Type: models.ChangeCreated, Mods: models.Attrs{"id": "a", "title": "draft"}},
		{Rev: 2, Key: "a", Type: models.ChangeUpdated, Mods: models.Attrs{"title": "final"}},
	})

	rec, ok := merged.Get(models.ChangeCreated, "a")
	if !ok {
		t.Fatal("Expected a CREATED record for key a")
	}
	if rec.Mods["title"] != "final" {
		t.Errorf("Expected update folded into creation, got %v", rec.Mods)
	}
	if _, ok := merged.Get(models.ChangeUpdated, "a"); ok {
		t.Error("Expected no standalone UPDATED record after folding")
	}
}

func TestMergeUpdateChain(t *testing.T) {
	merged := Merge([]models.ChangeRecord{
		{Rev: 1, Key: "a", Type: models.ChangeUpdated, Mods: models.Attrs{"title": "one"}, OldObj: models.Attrs{"title": "orig"}},
		{Rev: 2, Key: "a", Type: models.ChangeUpdated, Mods: models.Attrs{"kind": "topic"}},
	})

	rec, ok := merged.Get(models.ChangeUpdated, "a")
	if !ok {
		t.Fatal("Expected an UPDATED record")
	}
	if rec.Mods["title"] != "one" || rec.Mods["kind"] != "topic" {
		t.Errorf("Expected mods merged across updates, got %v", rec.Mods)
	}
	if rec.OldObj["title"] != "orig" {
		t.Errorf("Expected earliest old object preserved, got %v", rec.OldObj)
	}
}

func TestMergeDeleteWinsOverEarlierChanges(t *testing.T) {
	merged := Merge([]models.ChangeRecord{
		{Rev: 1, Key: "a", Type: models.ChangeCreated, Mods: models.Attrs{"id": "a"}},
		{Rev: 2, Key: "a", Type: models.ChangeUpdated, Mods: models.Attrs{"title": "x"}},
		{Rev: 3, Key: "a", Type: models.ChangeDeleted, OldObj: models.Attrs{"id": "a"}},
	})

	if _, ok := merged.Get(models.ChangeCreated, "a"); ok {
		t.Error("Expected CREATED discarded after deletion")
	}
	if _, ok := merged.Get(models.ChangeUpdated, "a"); ok {
		t.Error("Expected UPDATED discarded after deletion")
	}
	if _, ok := merged.Get(models.ChangeDeleted, "a"); !ok {
		t.Error("Expected DELETED record to survive")
	}
}

func TestMergeDiscardsChangesAfterDelete(t *testing.T) {
	merged := Merge([]models.ChangeRecord{
		{Rev: 1, Key: "a", Type: models.ChangeDeleted, OldObj: models.Attrs{"id": "a"}},
		{Rev: 2, Key: "a", Type: models.ChangeUpdated, Mods: models.Attrs{"title": "ghost"}},
		{Rev: 3, Key: "a", Type: models.ChangeMoved, Target: "b", Position: "last-child"},
	})

	if _, ok := merged.Get(models.ChangeUpdated, "a"); ok {
		t.Error("Expected update after deletion to be discarded")
	}
	if _, ok := merged.Get(models.ChangeMoved, "a"); ok {
		t.Error("Expected move after deletion to be discarded")
	}
}

func TestMergeMoveCarriedAlongsideUpdate(t *testing.T) {
	merged := Merge([]models.ChangeRecord{
		{Rev: 1, Key: "a", Type: models.ChangeUpdated, Mods: models.Attrs{"title": "x"}},
		{Rev: 2, Key: "a", Type: models.ChangeMoved, Target: "p1", Position: "first-child"},
		{Rev: 3, Key: "a", Type: models.ChangeMoved, Target: "p2", Position: "last-child"},
	})

	if _, ok := merged.Get(models.ChangeUpdated, "a"); !ok {
		t.Error("Expected UPDATED carried independently of moves")
	}
	mv, ok := merged.Get(models.ChangeMoved, "a")
	if !ok {
		t.Fatal("Expected a MOVED record")
	}
	if mv.Target != "p2" || mv.Position != "last-child" {
		t.Errorf("Expected latest move to win, got target=%s position=%s", mv.Target, mv.Position)
	}
}

func TestMergeRelationDeleteCancelsCreate(t *testing.T) {
	merged := Merge([]models.ChangeRecord{
		{Rev: 1, Key: "r1", Type: models.ChangeCreatedRelation, Mods: models.Attrs{"left": "a", "right": "b"}},
		{Rev: 2, Key: "r1", Type: models.ChangeDeletedRelation, OldObj: models.Attrs{"left": "a", "right": "b"}},
	})

	if _, ok := merged.Get(models.ChangeCreatedRelation, "r1"); ok {
		t.Error("Expected relation creation dropped after deletion")
	}
	if _, ok := merged.Get(models.ChangeDeletedRelation, "r1"); !ok {
		t.Error("Expected relation deletion to survive")
	}
}

func TestMergeIndependentKeys(t *testing.T) {
	merged := Merge([]models.ChangeRecord{
		{Rev: 1, Key: "a", Type: models.ChangeDeleted, OldObj: models.Attrs{"id": "a"}},
		{Rev: 2, Key: "b", Type: models.ChangeUpdated, Mods: models.Attrs{"title": "x"}},
	})

	if _, ok := merged.Get(models.ChangeUpdated, "b"); !ok {
		t.Error("Expected deletion of one key not to affect another")
	}
}

func TestFlatten(t *testing.T) {
	merged := Merge([]models.ChangeRecord{
		{Rev: 1, Key: "a", Type: models.ChangeCreated, Mods: models.Attrs{"id": "a"}},
		{Rev: 2, Key: "b", Type: models.ChangeDeleted, OldObj: models.Attrs{"id": "b"}},
		{Rev: 3, Key: "a", Type: models.ChangeMoved, Target: "p", Position: "last-child"},
	})

	flat := merged.Flatten()
	if len(flat) != 3 {
		t.Errorf("Expected 3 effective records, got %d", len(flat))
	}
}
