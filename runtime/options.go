package runtime

// Options configures a Network.
type Options struct {
	// Observer receives sample and layer callbacks. Nil disables them.
	Observer Observer
	// EnableStats keeps run counters and latency averages (see Network.Stats).
	EnableStats bool
	// ChecksumWeights records a CRC32 of the weights region at initialization,
	// reported by Network.Report and checked by Network.VerifyWeights.
	ChecksumWeights bool
	// ZeroActivations clears the activations arena at initialization.
	ZeroActivations bool
}

// DefaultOptions provides sensible runtime defaults
func DefaultOptions() Options {
	return Options{
		EnableStats:     false,
		ChecksumWeights: true,
		ZeroActivations: true,
	}
}
