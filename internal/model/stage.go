package model

// Stage identifies one step of the conveyancing workflow.
type Stage string

const (
	StageProofOfFunds     Stage = "proof-of-funds"
	StageConveyancers     Stage = "conveyancers"
	StageDraftContract    Stage = "draft-contract"
	StageSearchSurvey     Stage = "search-survey"
	StageEnquiries        Stage = "enquiries"
	StageMortgageOffer    Stage = "mortgage-offer"
	StageCompletionDate   Stage = "completion-date"
	StageContractExchange Stage = "contract-exchange"
	StageTransactionFee   Stage = "transaction-fee"
	StageRequisitions     Stage = "requisitions"
	StageCompletion       Stage = "completion"
)

// Stages lists every stage in workflow order.
var Stages = []Stage{
	StageProofOfFunds,
	StageConveyancers,
	StageDraftContract,
	StageSearchSurvey,
	StageEnquiries,
	StageMortgageOffer,
	StageCompletionDate,
	StageContractExchange,
	StageTransactionFee,
	StageRequisitions,
	StageCompletion,
}

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// IsValid checks whether the stage is a known value.
func (s Stage) IsValid() bool {
	for _, st := range Stages {
		if s == st {
			return true
		}
	}
	return false
}

// Index returns the position of the stage in the workflow, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if s == st {
			return i
		}
	}
	return -1
}

// Role identifies a participant in the transaction.
type Role string

const (
	RoleBuyer             Role = "buyer"
	RoleEstateAgent       Role = "estate-agent"
	RoleBuyerConveyancer  Role = "buyer-conveyancer"
	RoleSellerConveyancer Role = "seller-conveyancer"
)

// Roles lists every participant role.
var Roles = []Role{RoleBuyer, RoleEstateAgent, RoleBuyerConveyancer, RoleSellerConveyancer}

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid checks whether the role is a known value.
func (r Role) IsValid() bool {
	switch r {
	case RoleBuyer, RoleEstateAgent, RoleBuyerConveyancer, RoleSellerConveyancer:
		return true
	}
	return false
}

// IsConveyancer reports whether the role is one of the two conveyancers.
func (r Role) IsConveyancer() bool {
	return r == RoleBuyerConveyancer || r == RoleSellerConveyancer
}

// Counterpart returns the opposing conveyancer for a conveyancer role.
// Non-conveyancer roles have no counterpart and return "".
func (r Role) Counterpart() Role {
	switch r {
	case RoleBuyerConveyancer:
		return RoleSellerConveyancer
	case RoleSellerConveyancer:
		return RoleBuyerConveyancer
	}
	return ""
}
