package misbehavior

// Penalties for misbehaving peers. Callers pass these as the amount argument
// to Penalize when the corresponding violation is detected.
const (
	PenaltyUnrequestedBlock   = 100
	PenaltyInvalidBlock       = 100
	PenaltyInvalidBlockHeader = 100

	PenaltyRequestNonExistingBlock = 10

	PenaltyUnrequestedTransaction = 20
	PenaltyInvalidTransaction     = 100

	PenaltyMalformedMessage = 10

	PenaltyNonVersionFirstMessage = 1
	PenaltyDuplicateVersion       = 1
	PenaltyDuplicateVerack        = 1

	PenaltySentTooManyAddresses = 20

	PenaltyEmptyBlockLocator = 100

	PenaltyUnrequestedMessage = 100
)
