package model

import (
	"encoding/hex"

	"github.com/pkg/errors"
)

// TransactionIDSize is the size of a TransactionID in bytes.
const TransactionIDSize = 32

// TransactionID is the hash of a transaction's serialized form. It acts as
// the transaction's primary key everywhere in the node.
type TransactionID [TransactionIDSize]byte

// NewTransactionIDFromBytes returns a TransactionID from the given byte
// slice.
func NewTransactionIDFromBytes(transactionIDBytes []byte) (*TransactionID, error) {
	if len(transactionIDBytes) != TransactionIDSize {
		return nil, errors.Errorf("invalid transaction ID length: got %d, expected %d",
			len(transactionIDBytes), TransactionIDSize)
	}
	var transactionID TransactionID
	copy(transactionID[:], transactionIDBytes)
	return &transactionID, nil
}

func (id TransactionID) String() string {
	return hex.EncodeToString(id[:])
}
