package store

import "time"

const (
	collQueries     = "queries"
	collMessages    = "chat_messages"
	collBranches    = "branches"
	collUsers       = "users"
	collApplication = "applications"
	collSanctioned  = "sanctioned_applications"
)

type QueryRecord struct {
	ID               string     `bson:"_id" json:"id"`
	AppNo            string     `bson:"appNo" json:"appNo"`
	CustomerName     string     `bson:"customerName" json:"customerName"`
	Branch           string     `bson:"branch" json:"branch"`
	BranchCode       string     `bson:"branchCode" json:"branchCode"`
	AssignedToBranch string     `bson:"assignedToBranch,omitempty" json:"assignedToBranch,omitempty"`
	Queries          []SubQuery `bson:"queries" json:"queries"`
	MarkedForTeam    string     `bson:"markedForTeam" json:"markedForTeam"`
	VisibleTo        []string   `bson:"visibleTo" json:"visibleTo"`
	Remarks          []Remark   `bson:"remarks" json:"remarks"`
	Status           string     `bson:"status" json:"status"`
	CreatedBy        string     `bson:"createdBy" json:"createdBy"`
	CreatedAt        time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// SubQuery finds the embedded sub-query with id.
func (q *QueryRecord) SubQuery(id string) (*SubQuery, bool) {
	for i := range q.Queries {
		if q.Queries[i].ID == id {
			return &q.Queries[i], true
		}
	}
	return nil, false
}

type SubQuery struct {
	ID               string     `bson:"id" json:"id"`
	Text             string     `bson:"text" json:"text"`
	Status           string     `bson:"status" json:"status"`
	ProposedAction   string     `bson:"proposedAction,omitempty" json:"proposedAction"`
	ProposedBy       string     `bson:"proposedBy,omitempty" json:"proposedBy,omitempty"`
	ProposedAt       *time.Time `bson:"proposedAt,omitempty" json:"proposedAt,omitempty"`
	IsResolved       bool       `bson:"isResolved" json:"isResolved"`
	ResolvedBy       string     `bson:"resolvedBy,omitempty" json:"resolvedBy,omitempty"`
	ResolvedAt       *time.Time `bson:"resolvedAt,omitempty" json:"resolvedAt,omitempty"`
	ResolutionReason string     `bson:"resolutionReason,omitempty" json:"resolutionReason,omitempty"`
	ApprovedBy       string     `bson:"approvedBy,omitempty" json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time `bson:"approvedAt,omitempty" json:"approvedAt,omitempty"`
	AssignedBranch   string     `bson:"assignedBranch,omitempty" json:"assignedBranch,omitempty"`
	Escalated        bool       `bson:"escalated,omitempty" json:"escalated,omitempty"`
	EscalatedBy      string     `bson:"escalatedBy,omitempty" json:"escalatedBy,omitempty"`
	EscalatedAt      *time.Time `bson:"escalatedAt,omitempty" json:"escalatedAt,omitempty"`
}

type Remark struct {
	ID         string     `bson:"id" json:"id"`
	Text       string     `bson:"text" json:"text"`
	Author     string     `bson:"author" json:"author"`
	AuthorRole string     `bson:"authorRole" json:"authorRole"`
	AuthorTeam string     `bson:"authorTeam" json:"authorTeam"`
	Timestamp  time.Time  `bson:"timestamp" json:"timestamp"`
	IsEdited   bool       `bson:"isEdited" json:"isEdited"`
	EditedAt   *time.Time `bson:"editedAt,omitempty" json:"editedAt,omitempty"`
	System     bool       `bson:"system,omitempty" json:"system,omitempty"`
}

type ChatMessage struct {
	ID         string    `bson:"_id" json:"id"`
	QueryID    string    `bson:"queryId" json:"queryId"`
	Message    string    `bson:"message" json:"message"`
	Sender     string    `bson:"sender" json:"sender"`
	SenderRole string    `bson:"senderRole" json:"senderRole"`
	Team       string    `bson:"team" json:"team"`
	Timestamp  time.Time `bson:"timestamp" json:"timestamp"`
	ActionType string    `bson:"actionType,omitempty" json:"actionType,omitempty"`
}

type Branch struct {
	Code   string `bson:"_id" json:"code" yaml:"code"`
	Name   string `bson:"name" json:"name" yaml:"name"`
	Region string `bson:"region" json:"region" yaml:"region"`
	State  string `bson:"state" json:"state" yaml:"state"`
	City   string `bson:"city" json:"city" yaml:"city"`
	Active bool   `bson:"active" json:"active" yaml:"active"`
}

type User struct {
	EmployeeID       string     `bson:"_id" json:"employeeId"`
	Name             string     `bson:"name" json:"name"`
	Email            string     `bson:"email" json:"email"`
	Role             string     `bson:"role" json:"role"`
	Branch           string     `bson:"branch" json:"branch"`
	AssignedBranches []string   `bson:"assignedBranches" json:"assignedBranches"`
	Permissions      []string   `bson:"permissions" json:"permissions"`
	PasswordHash     string     `bson:"passwordHash" json:"-"`
	Active           bool       `bson:"active" json:"active"`
	LastLogin        *time.Time `bson:"lastLogin,omitempty" json:"lastLogin,omitempty"`
	CreatedAt        time.Time  `bson:"createdAt" json:"createdAt"`
}

type Application struct {
	AppNo            string     `bson:"_id" json:"appNo"`
	CustomerName     string     `bson:"customerName" json:"customerName"`
	Branch           string     `bson:"branch" json:"branch"`
	BranchCode       string     `bson:"branchCode" json:"branchCode"`
	LoanAmount       float64    `bson:"loanAmount" json:"loanAmount"`
	Status           string     `bson:"status" json:"status"`
	SanctionedAmount float64    `bson:"sanctionedAmount,omitempty" json:"sanctionedAmount,omitempty"`
	SanctionDate     *time.Time `bson:"sanctionDate,omitempty" json:"sanctionDate,omitempty"`
	UploadedBy       string     `bson:"uploadedBy" json:"uploadedBy"`
	UploadedAt       time.Time  `bson:"uploadedAt" json:"uploadedAt"`
}

// QueryFilter narrows ListQueries. Empty fields do not filter.
type QueryFilter struct {
	VisibleTo string
	// Branches restricts to records whose branch fields match one of these,
	// compared case-insensitively. Nil means unrestricted.
	Branches []string
	Statuses []string
	AppNo    string
	Since    *time.Time
	Limit    int
}

// RecordChange carries the record-level fields written together with a
// sub-query update.
type RecordChange struct {
	Status           string
	AssignedToBranch string
	Remark           *Remark
	UpdatedAt        time.Time
}

type QueryCounts struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Waiting  int `json:"waitingForApproval"`
	Resolved int `json:"resolved"`
}
