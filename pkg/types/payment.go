package types

type GatewayType string

const (
	GatewayYooMoney      GatewayType = "yoomoney"
	GatewayYooKassa      GatewayType = "yookassa"
	GatewayCryptomus     GatewayType = "cryptomus"
	GatewayTelegramStars GatewayType = "telegram_stars"
	GatewayBalance       GatewayType = "balance"
)

type PurchaseType string

const (
	PurchaseTypeNew          PurchaseType = "new"
	PurchaseTypeRenew        PurchaseType = "renew"
	PurchaseTypeChange       PurchaseType = "change"
	PurchaseTypeTopup        PurchaseType = "topup"
	PurchaseTypeExtraDevices PurchaseType = "extra_devices"
)

// TransactionStatus is the canonical four-element status set, independent of
// any provider's vocabulary.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusCanceled  TransactionStatus = "canceled"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Terminal reports whether the status admits no further transition.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusCanceled || s == TransactionStatusFailed
}

type BalanceMode string

const (
	BalanceModeSeparate BalanceMode = "separate"
	BalanceModeCombined BalanceMode = "combined"
)

type RewardType string

const (
	RewardTypeMoney RewardType = "money"
	RewardTypeDays  RewardType = "days"
)

type RewardStatus string

const (
	RewardStatusPending   RewardStatus = "pending"
	RewardStatusWithdrawn RewardStatus = "withdrawn"
)
