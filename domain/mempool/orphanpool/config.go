package orphanpool

const (
	defaultMaximumOrphanTransactionCount  = 100
	defaultMaximumOrphanTransactionInputs = 100
)

// Config holds the orphan pool's resource bounds.
type Config struct {
	// MaximumOrphanTransactionCount is the most orphans the pool will hold.
	// Inserting beyond it evicts a random orphan to make room.
	MaximumOrphanTransactionCount int

	// MaximumOrphanTransactionInputs is the most inputs an orphan may carry.
	// Transactions above it are rejected outright, never stored: a flood of
	// huge unverifiable transactions must not consume memory.
	MaximumOrphanTransactionInputs int
}

// DefaultConfig returns the default orphan pool bounds.
func DefaultConfig() *Config {
	return &Config{
		MaximumOrphanTransactionCount:  defaultMaximumOrphanTransactionCount,
		MaximumOrphanTransactionInputs: defaultMaximumOrphanTransactionInputs,
	}
}
