package postgres

import "time"

type tokenModel struct {
	TokenID         string     `gorm:"column:token_id;primaryKey"`
	Identity        string     `gorm:"column:identity"`
	OwnerID         string     `gorm:"column:owner_id"`
	PreviousOwners  string     `gorm:"column:previous_owners;type:jsonb"`
	TransferCounter int64      `gorm:"column:transfer_counter"`
	KeyFingerprint  string     `gorm:"column:key_fingerprint"`
	KeyVersion      int        `gorm:"column:key_version"`
	ChainHead       []byte     `gorm:"column:chain_head"`
	Status          string     `gorm:"column:status"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	LastTransferAt  *time.Time `gorm:"column:last_transfer_at"`
}

func (tokenModel) TableName() string { return "tokens" }

type pendingTransferModel struct {
	TokenID          string     `gorm:"column:token_id;primaryKey"`
	TransferID       string     `gorm:"column:transfer_id"`
	FromID           string     `gorm:"column:from_id"`
	ToID             string     `gorm:"column:to_id"`
	ExpectedCounter  int64      `gorm:"column:expected_counter"`
	Nonce            []byte     `gorm:"column:nonce"`
	ChainHash        []byte     `gorm:"column:chain_hash"`
	State            string     `gorm:"column:state"`
	RequiresPayment  bool       `gorm:"column:requires_payment"`
	PaymentClearedAt *time.Time `gorm:"column:payment_cleared_at"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	ExpiresAt        time.Time  `gorm:"column:expires_at"`
}

func (pendingTransferModel) TableName() string { return "pending_transfers" }

type sessionModel struct {
	SessionID     string    `gorm:"column:session_id;primaryKey"`
	TokenID       string    `gorm:"column:token_id"`
	UserID        string    `gorm:"column:user_id"`
	Phase         string    `gorm:"column:phase"`
	Authenticated bool      `gorm:"column:authenticated"`
	AllowUnowned  bool      `gorm:"column:allow_unowned"`
	SealedState   []byte    `gorm:"column:sealed_state"`
	Proof         []byte    `gorm:"column:proof"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	ExpiresAt     time.Time `gorm:"column:expires_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (sessionModel) TableName() string { return "card_sessions" }

type tokenLockModel struct {
	TokenID   string    `gorm:"column:token_id;primaryKey"`
	SessionID string    `gorm:"column:session_id"`
	ExpiresAt time.Time `gorm:"column:expires_at"`
}

func (tokenLockModel) TableName() string { return "token_locks" }

type ledgerEventModel struct {
	EventID        string    `gorm:"column:event_id;primaryKey"`
	TokenID        string    `gorm:"column:token_id"`
	FromOwner      string    `gorm:"column:from_owner"`
	ToOwner        string    `gorm:"column:to_owner"`
	Counter        int64     `gorm:"column:counter"`
	ChainHash      []byte    `gorm:"column:chain_hash"`
	OccurredAt     time.Time `gorm:"column:occurred_at"`
	Method         string    `gorm:"column:method"`
	TransactionRef string    `gorm:"column:transaction_ref"`
	Signature      []byte    `gorm:"column:signature"`
}

func (ledgerEventModel) TableName() string { return "ledger_events" }

type outboxModel struct {
	OutboxID     string     `gorm:"column:outbox_id;primaryKey"`
	EventType    string     `gorm:"column:event_type"`
	PartitionKey string     `gorm:"column:partition_key"`
	Payload      string     `gorm:"column:payload;type:jsonb"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	PublishedAt  *time.Time `gorm:"column:published_at"`
	RetryCount   int        `gorm:"column:retry_count"`
	LastError    *string    `gorm:"column:last_error"`
	LastErrorAt  *time.Time `gorm:"column:last_error_at"`
	ClaimToken   *string    `gorm:"column:claim_token"`
	ClaimUntil   *time.Time `gorm:"column:claim_until"`
}

func (outboxModel) TableName() string { return "custody_outbox" }
