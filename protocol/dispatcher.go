package protocol

import (
	"github.com/vonnegut/vonnegut/serde"
	"github.com/vonnegut/vonnegut/types"
)

// APIKeyHandler represents an api key with its handler
type APIKeyHandler struct {
	Name    string
	Handler func(req types.Request) []byte
}

// APIDispatcher maps the request api key to its handler. The Topics key is
// whatever the deployment configured.
func (b *Broker) APIDispatcher(requestAPIKey int16) APIKeyHandler {
	switch requestAPIKey {
	case ProduceKey:
		return APIKeyHandler{Name: "Produce", Handler: b.getProduceResponse}
	case FetchKey:
		return APIKeyHandler{Name: "Fetch", Handler: b.getFetchResponse}
	case MetadataKey:
		return APIKeyHandler{Name: "Metadata", Handler: b.getMetadataResponse}
	case b.topicsAPIKey():
		return APIKeyHandler{Name: "Topics", Handler: b.getTopicsResponse}
	default:
		return APIKeyHandler{}
	}
}

func (b *Broker) topicsAPIKey() int16 {
	if b.Config.TopicsAPIKey != 0 {
		return b.Config.TopicsAPIKey
	}
	return types.DefaultTopicsAPIKey
}

// encodeResponse frames a response: correlation id, api-specific body,
// length prefix.
func encodeResponse(correlationID int32, body interface{ Encode(*serde.Encoder) }) []byte {
	encoder := serde.NewEncoder()
	encoder.PutInt32(correlationID)
	body.Encode(&encoder)
	encoder.PutLen()
	return encoder.Bytes()
}
