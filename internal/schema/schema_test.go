package schema

import (
	"reflect"
	"strings"
	"testing"
)

func TestDefaultRegistry(t *testing.T) {
	reg := Default()
	if got, want := reg.Names(), []string{"vendors", "tasks", "contacts", "stages"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}

	tasks, ok := reg.Lookup("tasks")
	if !ok {
		t.Fatal("tasks not registered")
	}
	if tasks.RemoteTable != "agent_tasks" || tasks.Version != 2 {
		t.Errorf("tasks = %s v%d, want agent_tasks v2", tasks.RemoteTable, tasks.Version)
	}

	if _, ok := reg.Lookup("nope"); ok {
		t.Error("Lookup(nope) succeeded")
	}
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	if _, err := NewRegistry(Tasks(), Tasks()); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestRegistryMissing(t *testing.T) {
	reg := Default()
	missing := reg.Missing([]string{"tasks", "vendors"})
	if len(missing) != 2 || missing[0].Name != "contacts" || missing[1].Name != "stages" {
		t.Fatalf("Missing = %v, want contacts and stages", missing)
	}
	if rest := reg.Missing(reg.Names()); len(rest) != 0 {
		t.Errorf("Missing(all) = %v", rest)
	}
}

func TestTaskMigrationFillsDefaults(t *testing.T) {
	doc := Document{"id": "t1", "title": "call vendor", "status": "pending", "assigned_to": "ops"}
	out := Tasks().Migrate(doc, 0)

	if out["priority"] != "medium" || out["meeting_id"] != "" || out["description"] != "" {
		t.Errorf("defaults = %v", out)
	}
	if out.String("created_at") == "" || out.String("updated_at") == "" {
		t.Errorf("timestamps not filled: %v", out)
	}
}

func TestVendorMigrationKeepsExistingValues(t *testing.T) {
	doc := Document{"id": "v1", "open_status": "open", "vibes": []any{"chill"}}
	out := Vendors().Migrate(doc, 0)

	if out["open_status"] != "open" {
		t.Errorf("open_status = %v", out["open_status"])
	}
	if !reflect.DeepEqual(out["vibes"], []any{"chill"}) {
		t.Errorf("vibes = %v", out["vibes"])
	}
	if !reflect.DeepEqual(out["images"], []any{}) {
		t.Errorf("images = %#v, want empty", out["images"])
	}
}

func TestMigrateAtCurrentVersionIsNoop(t *testing.T) {
	out := Tasks().Migrate(Document{"id": "t1"}, 2)
	if !reflect.DeepEqual(out, Document{"id": "t1"}) {
		t.Errorf("Migrate = %v", out)
	}
}

func TestWithoutMeta(t *testing.T) {
	doc := Document{"id": "a", "_rev": "1-x", "_meta": map[string]any{"lwt": 1.0}, "name": "n"}
	if got := doc.WithoutMeta(); !reflect.DeepEqual(got, Document{"id": "a", "name": "n"}) {
		t.Errorf("WithoutMeta = %v", got)
	}
	if _, ok := doc["_rev"]; !ok {
		t.Error("original must not be modified")
	}
}

func TestSortStages(t *testing.T) {
	stages := []Stage{
		{ID: "c", PipelineID: "p1", Position: 1},
		{ID: "b", PipelineID: "p1", Position: 0},
		{ID: "a", PipelineID: "p1", Position: 1},
		{ID: "z", PipelineID: "p0", Position: 5},
	}
	SortStages(stages)

	var ids []string
	for _, s := range stages {
		ids = append(ids, s.ID)
	}
	if got := strings.Join(ids, ","); got != "z,b,a,c" {
		t.Errorf("order = %s, want z,b,a,c", got)
	}
}

func TestMissingStages(t *testing.T) {
	contacts := []Contact{{ID: "c1", StageID: "s1"}, {ID: "c2", StageID: "gone"}}
	stages := []Stage{{ID: "s1"}}

	orphans := MissingStages(contacts, stages)
	if len(orphans) != 1 || orphans[0].ID != "c2" {
		t.Errorf("orphans = %v, want [c2]", orphans)
	}
}

func TestDecodeStage(t *testing.T) {
	doc := Document{"id": "s1", "pipeline_id": "p", "name": "Lead", "position": 2.0, "is_default": true, "_rev": "3-x", "updated_at": "2024-01-01T00:00:00Z"}
	st, err := Decode[Stage](doc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if st.Position != 2 || !st.IsDefault || st.Name != "Lead" {
		t.Errorf("stage = %+v", st)
	}

	if _, err := Decode[Stage](Document{"id": "s1", "position": "first"}); err == nil {
		t.Error("expected decode error for a string position")
	}
}

func TestCollectionCheck(t *testing.T) {
	reg := Default()

	if err := reg.Validate("stages", Document{"id": "s1", "name": "Won", "pipeline_id": "p1", "position": 2.0, "updated_at": "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("Validate stage: %v", err)
	}

	wantInvalid(t, reg.Validate("stages", Document{"id": "s1", "name": "Won", "pipeline_id": "p1", "position": -1, "updated_at": "x"}))

	task := validTask()
	task["status"] = "archived"
	err := reg.Validate("tasks", task)
	wantInvalid(t, err)
	if err != nil && !strings.Contains(err.Error(), "status") {
		t.Errorf("error %q does not name status", err)
	}

	err = reg.Validate("contacts", Document{"id": "c1"})
	wantInvalid(t, err)
	if err != nil && !strings.Contains(err.Error(), "email") {
		t.Errorf("error %q does not name email", err)
	}

	wantInvalid(t, reg.Validate("invoices", Document{}))
}
