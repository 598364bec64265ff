package model

import (
	"crypto/sha256"
	"encoding/binary"
)

// Outpoint references an output of a previous transaction.
type Outpoint struct {
	TransactionID TransactionID
	Index         uint32
}

// TransactionInput spends an output of a previous transaction.
type TransactionInput struct {
	PreviousOutpoint Outpoint
	SignatureScript  []byte
}

// TransactionOutput is an output of a transaction.
type TransactionOutput struct {
	Value        uint64
	ScriptPubKey []byte
}

// Transaction is the node's in-memory representation of a transaction.
type Transaction struct {
	Version uint16
	Inputs  []*TransactionInput
	Outputs []*TransactionOutput

	// cachedID holds the lazily computed transaction ID. Computing and
	// caching it is not safe for concurrent use; in practice the ID is always
	// first requested under the owning pool's lock.
	cachedID *TransactionID
}

// ID returns the transaction's ID: the double-SHA256 of its serialized form.
// The ID is computed on first use and cached, so the transaction must not be
// mutated afterwards.
func (tx *Transaction) ID() *TransactionID {
	if tx.cachedID != nil {
		return tx.cachedID
	}

	firstHash := sha256.Sum256(tx.serializeForID())
	secondHash := sha256.Sum256(firstHash[:])

	transactionID := TransactionID(secondHash)
	tx.cachedID = &transactionID
	return tx.cachedID
}

// serializeForID writes the transaction in a canonical binary form for
// hashing. This is an internal encoding only: wire serialization is the
// message codec's concern, not this package's.
func (tx *Transaction) serializeForID() []byte {
	size := 2 + 8 + 8
	for _, input := range tx.Inputs {
		size += TransactionIDSize + 4 + 8 + len(input.SignatureScript)
	}
	for _, output := range tx.Outputs {
		size += 8 + 8 + len(output.ScriptPubKey)
	}

	serialized := make([]byte, 0, size)
	serialized = appendUint16(serialized, tx.Version)

	serialized = appendUint64(serialized, uint64(len(tx.Inputs)))
	for _, input := range tx.Inputs {
		serialized = append(serialized, input.PreviousOutpoint.TransactionID[:]...)
		serialized = appendUint32(serialized, input.PreviousOutpoint.Index)
		serialized = appendUint64(serialized, uint64(len(input.SignatureScript)))
		serialized = append(serialized, input.SignatureScript...)
	}

	serialized = appendUint64(serialized, uint64(len(tx.Outputs)))
	for _, output := range tx.Outputs {
		serialized = appendUint64(serialized, output.Value)
		serialized = appendUint64(serialized, uint64(len(output.ScriptPubKey)))
		serialized = append(serialized, output.ScriptPubKey...)
	}

	return serialized
}

func appendUint16(serialized []byte, value uint16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return append(serialized, buf[:]...)
}

func appendUint32(serialized []byte, value uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return append(serialized, buf[:]...)
}

func appendUint64(serialized []byte, value uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return append(serialized, buf[:]...)
}
