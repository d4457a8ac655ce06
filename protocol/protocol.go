package protocol

// Request api keys. Produce, Fetch and Metadata use the Kafka numbering;
// the Topics api key is chosen per deployment (types.DefaultTopicsAPIKey
// unless overridden in the configuration).
const (
	ProduceKey  = int16(0)
	FetchKey    = int16(1)
	MetadataKey = int16(3)
)

// MaxRequestSize bounds the frame size a connection may claim. A corrupt
// length prefix otherwise turns into an arbitrary allocation.
const MaxRequestSize = 1 << 26
