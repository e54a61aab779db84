package model

import (
	"testing"
)

func TestDecodeTask(t *testing.T) {
	payload := []byte(`{
		"_id": "task-1",
		"projectId": "proj-1",
		"title": "Ship sync core",
		"status": "in-progress",
		"priority": "urgent",
		"assignees": [
			{"_id": "u1", "name": "Ada", "email": "ada@example.com"},
			"u2"
		],
		"dependencies": [{"_id": "task-2", "title": "Design doc"}],
		"comments": [
			{"_id": "c1", "text": "looks good", "user": {"_id": "u1", "name": "Ada"}, "createdAt": "2026-01-02T10:00:00Z"}
		],
		"aiMetadata": {"suggestedPriority": "high", "priorityScore": 0.8},
		"createdAt": "2026-01-01T00:00:00Z",
		"updatedAt": "2026-01-02T00:00:00Z"
	}`)

	task, members, err := DecodeTask(payload)
	if err != nil {
		t.Fatalf("DecodeTask() error: %v", err)
	}

	if task.ID != "task-1" {
		t.Errorf("ID = %q, want task-1", task.ID)
	}
	if task.ProjectID != "proj-1" {
		t.Errorf("ProjectID = %q, want proj-1", task.ProjectID)
	}
	if len(task.Assignees) != 2 || task.Assignees[0] != "u1" || task.Assignees[1] != "u2" {
		t.Errorf("Assignees = %v, want [u1 u2]", task.Assignees)
	}
	if len(task.Dependencies) != 1 || task.Dependencies[0] != "task-2" {
		t.Errorf("Dependencies = %v, want [task-2]", task.Dependencies)
	}
	if len(task.Comments) != 1 || task.Comments[0].AuthorName != "Ada" {
		t.Errorf("Comments = %+v, want one comment by Ada", task.Comments)
	}
	if task.AIMetadata == nil || task.AIMetadata.SuggestedPriority != PriorityHigh {
		t.Errorf("AIMetadata = %+v, want suggested priority high", task.AIMetadata)
	}
	if len(members) != 1 || members[0].Email != "ada@example.com" {
		t.Errorf("members = %+v, want embedded member Ada", members)
	}
}

func TestDecodeTask_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{{{`},
		{"missing id", `{"title": "x", "projectId": "p1", "status": "todo", "priority": "low"}`},
		{"bad status", `{"_id": "t1", "projectId": "p1", "title": "x", "status": "nope", "priority": "low"}`},
		{"self dependency", `{"_id": "t1", "projectId": "p1", "title": "x", "status": "todo", "priority": "low", "dependencies": ["t1"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeTask([]byte(tt.payload)); err == nil {
				t.Error("DecodeTask() expected error, got nil")
			}
		})
	}
}

func TestDecodeProject(t *testing.T) {
	payload := []byte(`{
		"_id": "proj-1",
		"name": "Q3 launch",
		"status": "active",
		"priority": "high",
		"members": [
			{"user": {"_id": "u1", "name": "Ada", "email": "ada@example.com"}, "role": "admin"},
			{"user": "u2", "role": "member"}
		],
		"metadata": {"totalTasks": 3, "completedTasks": 2}
	}`)

	project, members, err := DecodeProject(payload)
	if err != nil {
		t.Fatalf("DecodeProject() error: %v", err)
	}
	if project.ID != "proj-1" || project.Name != "Q3 launch" {
		t.Errorf("project = %+v", project)
	}
	if len(project.Members) != 2 || project.Members[0].Role != RoleAdmin {
		t.Errorf("Members = %+v, want ordered memberships with roles", project.Members)
	}
	if project.Metadata.TotalTasks != 3 || project.Metadata.CompletedTasks != 2 {
		t.Errorf("Metadata = %+v, want 2/3", project.Metadata)
	}
	if len(members) != 1 || members[0].ID != "u1" {
		t.Errorf("members = %+v, want embedded member u1", members)
	}
}

func TestDecodeTaskList(t *testing.T) {
	bare := []byte(`[{"_id": "t1", "projectId": "p1", "title": "A", "status": "todo", "priority": "low"}]`)
	wrapped := []byte(`{"tasks": [{"_id": "t1", "projectId": "p1", "title": "A", "status": "todo", "priority": "low"}]}`)
	subtasks := []byte(`{"subtasks": [{"_id": "t2", "projectId": "p1", "title": "B", "status": "done", "priority": "low"}]}`)

	for _, payload := range [][]byte{bare, wrapped, subtasks} {
		tasks, _, err := DecodeTaskList(payload)
		if err != nil {
			t.Fatalf("DecodeTaskList(%s) error: %v", payload, err)
		}
		if len(tasks) != 1 {
			t.Errorf("DecodeTaskList(%s) = %d tasks, want 1", payload, len(tasks))
		}
	}

	if _, _, err := DecodeTaskList([]byte(`{"other": []}`)); err == nil {
		t.Error("DecodeTaskList() expected error for unknown wrapper field")
	}
}
