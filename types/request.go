package types

// Request is a decoded request frame as read off a client connection.
type Request struct {
	Length            int32
	APIKey            int16
	APIVersion        int16
	CorrelationID     int32
	ClientID          string
	ConnectionAddress string
	Body              []byte
}
