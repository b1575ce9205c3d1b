package domain

// Role is a stored authorization role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleWorker Role = "worker"
)

// Capability is a single permission an actor may hold.
type Capability string

const (
	CapClaimPayments     Capability = "claim_payments"
	CapCancelPayments    Capability = "cancel_payments"
	CapResolveWithdrawal Capability = "resolve_withdrawals"
	CapResolveSettlement Capability = "resolve_settlements"
	CapViewQueue         Capability = "view_queue"
	CapTestDeposits      Capability = "test_deposits"
	CapManageWallets     Capability = "manage_wallets"
)

var roleCapabilities = map[Role][]Capability{
	RoleWorker: {CapClaimPayments, CapViewQueue},
	RoleAdmin: {
		CapClaimPayments,
		CapCancelPayments,
		CapResolveWithdrawal,
		CapResolveSettlement,
		CapViewQueue,
		CapManageWallets,
	},
}

// Actor is the caller of an escrow operation with its capability set resolved once.
type Actor struct {
	UserID       int64
	Roles        []Role
	Capabilities map[Capability]bool
}

// NewActor builds an actor from its stored roles.
func NewActor(userID int64, roles []Role) Actor {
	caps := make(map[Capability]bool)
	for _, role := range roles {
		for _, c := range roleCapabilities[role] {
			caps[c] = true
		}
	}
	return Actor{UserID: userID, Roles: roles, Capabilities: caps}
}

// Can reports whether the actor holds capability c.
func (a Actor) Can(c Capability) bool {
	return a.Capabilities[c]
}

// Grant adds a capability outside the role table (e.g. test mode deposits).
func (a *Actor) Grant(c Capability) {
	if a.Capabilities == nil {
		a.Capabilities = make(map[Capability]bool)
	}
	a.Capabilities[c] = true
}

// HasRole reports whether the actor was resolved with role r.
func (a Actor) HasRole(r Role) bool {
	for _, role := range a.Roles {
		if role == r {
			return true
		}
	}
	return false
}
