package service

import "escrow-service/internal/models"

// Role is the part a caller plays in one transaction.
type Role string

const (
	RoleNone   Role = ""
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
	RoleAdmin  Role = "admin"
)

// ResolveRole derives the caller's role from the transaction record.
//
// Explicit seller, buyer and escrow admin ids win in that order. Records
// created before both parties were stored fall back to inferring the missing
// side from the participant list. A global admin acts as admin only while no
// escrow admin is assigned.
func ResolveRole(tx *models.Transaction, callerID string, callerIsGlobalAdmin bool) Role {
	if tx == nil || callerID == "" {
		return RoleNone
	}

	switch {
	case tx.SellerID != "" && callerID == tx.SellerID:
		return RoleSeller
	case tx.BuyerID != "" && callerID == tx.BuyerID:
		return RoleBuyer
	case tx.EscrowAdminID != "" && callerID == tx.EscrowAdminID:
		return RoleAdmin
	}

	if tx.HasParticipant(callerID) {
		if tx.SellerID == "" && tx.BuyerID != "" {
			return RoleSeller
		}
		if tx.BuyerID == "" && tx.SellerID != "" {
			return RoleBuyer
		}
	}

	if tx.EscrowAdminID == "" && callerIsGlobalAdmin {
		return RoleAdmin
	}
	return RoleNone
}

func (r Role) in(allowed []Role) bool {
	for _, a := range allowed {
		if r == a {
			return true
		}
	}
	return false
}

// backfillParty records an inferred buyer or seller id on the transaction.
func backfillParty(tx *models.Transaction, callerID string, role Role) {
	switch role {
	case RoleSeller:
		if tx.SellerID == "" {
			tx.SellerID = callerID
		}
	case RoleBuyer:
		if tx.BuyerID == "" {
			tx.BuyerID = callerID
		}
	}
}
