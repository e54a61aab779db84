package model

import "time"

// Field names used in patches. The reconciliation engine treats the
// relationship fields differently from scalars when resolving races.
const (
	FieldTitle        = "title"
	FieldDescription  = "description"
	FieldStatus       = "status"
	FieldPriority     = "priority"
	FieldDueDate      = "dueDate"
	FieldAssignees    = "assignees"
	FieldDependencies = "dependencies"
)

// IsRelationshipField reports whether the named field is a
// relationship set (assignees, dependencies) rather than a scalar.
// Relationship fields are never merged last-writer-wins.
func IsRelationshipField(name string) bool {
	return name == FieldAssignees || name == FieldDependencies
}

// TaskPatch is a partial update to a task. Nil pointers mean "leave
// the field alone"; ClearDueDate distinguishes clearing the due date
// from not touching it.
type TaskPatch struct {
	Title        *string
	Description  *string
	Status       *TaskStatus
	Priority     *Priority
	DueDate      *time.Time
	ClearDueDate bool
	Assignees    *[]string
}

// Apply writes the set fields of the patch onto t. Fields not present
// in the patch are preserved.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	} else if p.ClearDueDate {
		t.DueDate = nil
	}
	if p.Assignees != nil {
		assignees := make([]string, len(*p.Assignees))
		copy(assignees, *p.Assignees)
		t.Assignees = assignees
	}
}

// Fields returns the names of the fields the patch sets.
func (p TaskPatch) Fields() []string {
	var fields []string
	if p.Title != nil {
		fields = append(fields, FieldTitle)
	}
	if p.Description != nil {
		fields = append(fields, FieldDescription)
	}
	if p.Status != nil {
		fields = append(fields, FieldStatus)
	}
	if p.Priority != nil {
		fields = append(fields, FieldPriority)
	}
	if p.DueDate != nil || p.ClearDueDate {
		fields = append(fields, FieldDueDate)
	}
	if p.Assignees != nil {
		fields = append(fields, FieldAssignees)
	}
	return fields
}

// TouchesRelationships reports whether the patch modifies a
// relationship field.
func (p TaskPatch) TouchesRelationships() bool {
	return p.Assignees != nil
}

// IsZero reports whether the patch sets nothing.
func (p TaskPatch) IsZero() bool {
	return len(p.Fields()) == 0 && !p.ClearDueDate
}

// ToMap renders the patch as a wire body for PUT /tasks/:id.
func (p TaskPatch) ToMap() map[string]interface{} {
	body := make(map[string]interface{})
	if p.Title != nil {
		body[FieldTitle] = *p.Title
	}
	if p.Description != nil {
		body[FieldDescription] = *p.Description
	}
	if p.Status != nil {
		body[FieldStatus] = *p.Status
	}
	if p.Priority != nil {
		body[FieldPriority] = *p.Priority
	}
	if p.DueDate != nil {
		body[FieldDueDate] = p.DueDate.Format(time.RFC3339)
	} else if p.ClearDueDate {
		body[FieldDueDate] = nil
	}
	if p.Assignees != nil {
		body[FieldAssignees] = *p.Assignees
	}
	return body
}

// ProjectPatch is a partial update to a project.
type ProjectPatch struct {
	Name        *string
	Description *string
	Status      *ProjectStatus
	Priority    *Priority
	Members     *[]Membership
}

// Apply writes the set fields of the patch onto p.
func (pp ProjectPatch) Apply(p *Project) {
	if pp.Name != nil {
		p.Name = *pp.Name
	}
	if pp.Description != nil {
		p.Description = *pp.Description
	}
	if pp.Status != nil {
		p.Status = *pp.Status
	}
	if pp.Priority != nil {
		p.Priority = *pp.Priority
	}
	if pp.Members != nil {
		members := make([]Membership, len(*pp.Members))
		copy(members, *pp.Members)
		p.Members = members
	}
}

// ToMap renders the patch as a wire body for PUT /projects/:id.
func (pp ProjectPatch) ToMap() map[string]interface{} {
	body := make(map[string]interface{})
	if pp.Name != nil {
		body["name"] = *pp.Name
	}
	if pp.Description != nil {
		body["description"] = *pp.Description
	}
	if pp.Status != nil {
		body["status"] = *pp.Status
	}
	if pp.Priority != nil {
		body["priority"] = *pp.Priority
	}
	if pp.Members != nil {
		body["members"] = *pp.Members
	}
	return body
}
