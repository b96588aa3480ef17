package billingevents

// Event types written to the billing event log.
const (
	TypeContractInitiated          = "contract.initiated"
	TypeContractVerified           = "contract.verified"
	TypeContractMerged             = "contract.merged"
	TypeContractUserCancelled      = "contract.user_cancelled"
	TypeContractVerificationFailed = "contract.verification_failed"
	TypeContractCancelled          = "contract.cancelled"
	TypeContractPrimaryChanged     = "contract.primary_changed"

	TypeSubscriptionCreated     = "subscription.created"
	TypeSubscriptionPending     = "subscription.pending"
	TypeSubscriptionActivated   = "subscription.activated"
	TypeSubscriptionCanceled    = "subscription.canceled"
	TypeSubscriptionPlanChanged = "subscription.plan_changed"

	TypePaymentRequested = "payment.requested"
	TypePaymentCompleted = "payment.completed"
	TypePaymentFailed    = "payment.failed"

	TypeProductCreated     = "product.created"
	TypeProductDeactivated = "product.deactivated"
)
