package domain

// TxPhase tracks one in-flight on-chain action, client-local and ephemeral.
type TxPhase string

const (
	TxIdle         TxPhase = "idle"
	TxSigning      TxPhase = "signing"
	TxProving      TxPhase = "proving"
	TxBroadcasting TxPhase = "broadcasting"
	TxConfirmed    TxPhase = "confirmed"
	TxFailed       TxPhase = "failed"
)

type TransactionState struct {
	Phase TxPhase `json:"phase"`
	TxID  string  `json:"tx_id,omitempty"`
	Error string  `json:"error,omitempty"`
}

// Reset returns the zero state used on modal close or explicit retry.
func (TransactionState) Reset() TransactionState {
	return TransactionState{Phase: TxIdle}
}
