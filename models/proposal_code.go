package models

// ProposalCode lists the proposal codes known to the database. A proposal code passed
// along with a submission must exist in this table.
type ProposalCode struct {
	ProposalCodeID int    `gorm:"primaryKey;column:proposal_code_id" json:"proposal_code_id"`
	ProposalCode   string `gorm:"column:proposal_code;type:varchar(32);uniqueIndex" json:"proposal_code"`
}

func (ProposalCode) TableName() string { return "proposal_codes" }
