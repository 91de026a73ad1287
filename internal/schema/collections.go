package schema

import "time"

var zero = 0.0

// Vendors is the vendor collection, replicated with service_providers.
func Vendors() Collection {
	return Collection{
		Name:       "vendors",
		Version:    1,
		PrimaryKey: "id",
		Fields: []Field{
			{Name: "id", Type: String, MaxLength: 100},
			{Name: "business_name", Type: String},
			{Name: "category", Type: String},
			{Name: "status", Type: String},
			{Name: "created_at", Type: String},
			{Name: "updated_at", Type: String},
			{Name: "vibes", Type: StringArray},
			{Name: "images", Type: StringArray},
			{Name: "price_level", Type: String},
			{Name: "instagram_handle", Type: String},
			{Name: "open_status", Type: String},
			{Name: "address", Type: String},
			{Name: "website", Type: String},
			{Name: "email", Type: String},
			{Name: "phone", Type: String},
			{Name: "opening_hours", Type: String},
			{Name: "languages", Type: StringArray},
		},
		Required: []string{"id", "business_name", "status"},
		Indexes:  [][]string{{"category"}, {"status"}, {"updated_at"}},
		Migrations: map[int]MigrationFunc{
			1: func(doc Document) Document {
				setDefault(doc, "vibes", []any{})
				setDefault(doc, "images", []any{})
				setDefault(doc, "price_level", nil)
				setDefault(doc, "instagram_handle", nil)
				setDefault(doc, "open_status", "closed")
				return doc
			},
		},
		RemoteTable: "service_providers",
	}
}

// Tasks is the task collection, replicated with agent_tasks.
func Tasks() Collection {
	return Collection{
		Name:       "tasks",
		Version:    2,
		PrimaryKey: "id",
		Fields: []Field{
			{Name: "id", Type: String, MaxLength: 100},
			{Name: "title", Type: String},
			{Name: "description", Type: String},
			{Name: "status", Type: String, Enum: []string{"pending", "in_progress", "done"}},
			{Name: "priority", Type: String, Enum: []string{"low", "medium", "high"}},
			{Name: "assigned_to", Type: String},
			{Name: "due_date", Type: String},
			{Name: "created_at", Type: String},
			{Name: "meeting_id", Type: String},
			{Name: "updated_at", Type: String},
		},
		Required: []string{"id", "title", "description", "status", "priority", "assigned_to", "created_at", "meeting_id", "updated_at"},
		Indexes:  [][]string{{"status"}, {"assigned_to"}, {"meeting_id"}, {"updated_at"}},
		Migrations: map[int]MigrationFunc{
			1: func(doc Document) Document { return doc },
			2: func(doc Document) Document {
				now := time.Now().UTC().Format(time.RFC3339)
				setDefault(doc, "meeting_id", "")
				setDefault(doc, "priority", "medium")
				setDefault(doc, "description", "")
				setDefault(doc, "created_at", now)
				setDefault(doc, "updated_at", now)
				return doc
			},
		},
		RemoteTable: "agent_tasks",
	}
}

// Contacts is the CRM contact collection, replicated with crm_leads.
func Contacts() Collection {
	return Collection{
		Name:       "contacts",
		Version:    0,
		PrimaryKey: "id",
		Fields: []Field{
			{Name: "id", Type: String, MaxLength: 100},
			{Name: "first_name", Type: String},
			{Name: "last_name", Type: String},
			{Name: "email", Type: String},
			{Name: "phone", Type: String},
			{Name: "company", Type: String},
			{Name: "business_name", Type: String},
			{Name: "value", Type: Number},
			{Name: "stage_id", Type: String},
			{Name: "source", Type: String},
			{Name: "status", Type: String},
			{Name: "assigned_to", Type: String},
			{Name: "created_at", Type: String},
			{Name: "updated_at", Type: String},
		},
		Required:    []string{"id", "email", "stage_id", "updated_at"},
		Indexes:     [][]string{{"stage_id"}, {"email"}, {"updated_at"}},
		RemoteTable: "crm_leads",
	}
}

// Stages is the pipeline stage collection, replicated with crm_stages.
func Stages() Collection {
	return Collection{
		Name:       "stages",
		Version:    0,
		PrimaryKey: "id",
		Fields: []Field{
			{Name: "id", Type: String, MaxLength: 100},
			{Name: "pipeline_id", Type: String},
			{Name: "name", Type: String},
			{Name: "color", Type: String},
			{Name: "position", Type: Integer, Min: &zero},
			{Name: "is_default", Type: Boolean},
			{Name: "created_at", Type: String},
			{Name: "updated_at", Type: String},
		},
		Required:    []string{"id", "name", "pipeline_id", "position", "updated_at"},
		Indexes:     [][]string{{"pipeline_id", "position"}, {"updated_at"}},
		RemoteTable: "crm_stages",
	}
}

func setDefault(doc Document, key string, v any) {
	if cur, ok := doc[key]; !ok || cur == nil || cur == "" {
		doc[key] = v
	}
}
