package model

import "time"

// Pipeline stages an investor moves through.
const (
	StageTarget       = "target"
	StageContacted    = "contacted"
	StageNDA          = "NDA"
	StageDueDiligence = "due_diligence"
	StageSoftCommit   = "soft_commit"
	StageCommit       = "commit"
	StageClosed       = "closed"
	StageDead         = "dead"
)

const DefaultInvestorStatus = "Active"

type Investor struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	MainContact  *string        `json:"mainContact"`
	ContactEmail *string        `json:"contactEmail"`
	ContactPhone *string        `json:"contactPhone"`
	Category     string         `json:"category"`
	Stage        string         `json:"stage"`
	Status       string         `json:"status"`
	Owner        *string        `json:"owner"`
	CommitAmount *float64       `json:"commitAmount"`
	Notes        *string        `json:"notes"`
	Tasks        []InvestorTask `json:"tasks"`
	CreatedBy    string         `json:"createdBy"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedBy    string         `json:"updatedBy"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Version      string         `json:"version"`
}

// InvestorSummary is the list projection of an investor.
type InvestorSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Stage        string    `json:"stage"`
	Category     string    `json:"category"`
	Status       string    `json:"status"`
	Owner        *string   `json:"owner"`
	CommitAmount *float64  `json:"commitAmount"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Version      string    `json:"version"`
}

type InvestorTask struct {
	ID          string    `json:"id"`
	InvestorID  string    `json:"investorId"`
	Description string    `json:"description"`
	DueDate     string    `json:"dueDate"`
	Done        bool      `json:"done"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// FindTask returns the task with the given id, or nil.
func (inv *Investor) FindTask(id string) *InvestorTask {
	for i := range inv.Tasks {
		if inv.Tasks[i].ID == id {
			return &inv.Tasks[i]
		}
	}
	return nil
}

// InvestorPatch is a partial update. Absent fields are left alone.
// A null name, category, stage or status is also ignored; a null contact,
// owner or notes clears the value; a null commitAmount resets it to zero.
type InvestorPatch struct {
	Name         Field[string] `json:"name"`
	MainContact  Field[string] `json:"mainContact"`
	ContactEmail Field[string] `json:"contactEmail"`
	ContactPhone Field[string] `json:"contactPhone"`
	Category     Field[string] `json:"category"`
	Stage        Field[string] `json:"stage"`
	Status       Field[string] `json:"status"`
	Owner        Field[string] `json:"owner"`
	CommitAmount Field[Amount] `json:"commitAmount"`
	Notes        Field[string] `json:"notes"`
	Version      string        `json:"version"`
}

// Apply copies the present fields onto inv.
func (p *InvestorPatch) Apply(inv *Investor) {
	p.Name.ApplyRequired(&inv.Name)
	p.Category.ApplyRequired(&inv.Category)
	p.Stage.ApplyRequired(&inv.Stage)
	p.Status.ApplyRequired(&inv.Status)
	p.MainContact.ApplyOptional(&inv.MainContact)
	p.ContactEmail.ApplyOptional(&inv.ContactEmail)
	p.ContactPhone.ApplyOptional(&inv.ContactPhone)
	p.Owner.ApplyOptional(&inv.Owner)
	p.Notes.ApplyOptional(&inv.Notes)

	if p.CommitAmount.Set {
		amount := float64(p.CommitAmount.Value)
		if p.CommitAmount.Null {
			amount = 0
		}
		inv.CommitAmount = &amount
	}
}

// TaskPatch is a partial update to a single task.
type TaskPatch struct {
	Description Field[string] `json:"description"`
	DueDate     Field[string] `json:"dueDate"`
	Done        Field[bool]   `json:"done"`
	Version     string        `json:"version"`
}

// Apply copies the present fields onto t.
func (p *TaskPatch) Apply(t *InvestorTask) {
	p.Description.ApplyRequired(&t.Description)
	p.DueDate.ApplyRequired(&t.DueDate)
	p.Done.ApplyRequired(&t.Done)
}
