// Package client is a minimal synchronous client for the vonnegut wire
// protocol: producers, consumers, and cluster queries over one multiplexed
// TCP connection.
package client

import (
	"fmt"
	"net"
	"sync"

	log "github.com/vonnegut/vonnegut/logging"
	"github.com/vonnegut/vonnegut/protocol"
	"github.com/vonnegut/vonnegut/serde"
	"github.com/vonnegut/vonnegut/types"
)

const readChunkSize = 4096

// Client is one connection to a broker. Correlation ids increase
// monotonically modulo 2^31 per connection, and every in-flight request is
// tracked in a correlation_id -> api_key map so response decoding can be
// routed even when requests interleave.
type Client struct {
	conn         net.Conn
	clientID     string
	topicsAPIKey int16

	mu            sync.Mutex // serializes writes and the in-flight map
	correlationID int32
	inflight      map[int32]int16

	readMu sync.Mutex // serializes reads
	buf    []byte
}

// Dial connects to a broker.
func Dial(addr string, clientID string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:         conn,
		clientID:     clientID,
		topicsAPIKey: types.DefaultTopicsAPIKey,
		inflight:     make(map[int32]int16),
	}, nil
}

// SetTopicsAPIKey overrides the deployment-chosen Topics api key.
func (c *Client) SetTopicsAPIKey(key int16) {
	c.topicsAPIKey = key
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// send frames and writes one request and registers its correlation id.
func (c *Client) send(apiKey int16, encodeBody func(*serde.Encoder)) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.correlationID = (c.correlationID + 1) & (1<<31 - 1)
	corr := c.correlationID

	encoder := serde.NewEncoder()
	encoder.PutInt16(apiKey)
	encoder.PutInt16(0)
	encoder.PutInt32(corr)
	encoder.PutString(c.clientID)
	encodeBody(&encoder)
	encoder.PutLen()

	c.inflight[corr] = apiKey
	if _, err := c.conn.Write(encoder.Bytes()); err != nil {
		delete(c.inflight, corr)
		return 0, err
	}
	return corr, nil
}

// readFrame reads one complete frame payload, buffering partial reads until
// the frame's declared size is available.
func (c *Client) readFrame() ([]byte, error) {
	for {
		payload, rest, need := serde.SplitFrame(c.buf)
		if need == 0 {
			out := append([]byte(nil), payload...)
			c.buf = append(c.buf[:0:0], rest...)
			return out, nil
		}
		if need < 0 {
			return nil, fmt.Errorf("negative frame size from broker")
		}
		chunk := make([]byte, readChunkSize)
		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// receive reads responses until the one matching corr arrives. The api key
// recorded at send time tells the caller's decoder what it is looking at.
func (c *Client) receive(corr int32) (serde.Decoder, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		payload, err := c.readFrame()
		if err != nil {
			return serde.Decoder{}, err
		}
		d := serde.NewDecoder(payload)
		gotCorr := d.Int32()
		if err := d.Err(); err != nil {
			return serde.Decoder{}, err
		}
		c.mu.Lock()
		_, known := c.inflight[gotCorr]
		delete(c.inflight, gotCorr)
		c.mu.Unlock()
		if !known {
			return serde.Decoder{}, fmt.Errorf("response with unknown correlation id %d", gotCorr)
		}
		if gotCorr == corr {
			return d, nil
		}
		log.Debug("skipping out-of-order response %d while waiting for %d", gotCorr, corr)
	}
}

// roundTrip sends a request and waits for its response body decoder.
func (c *Client) roundTrip(apiKey int16, encodeBody func(*serde.Encoder)) (serde.Decoder, error) {
	corr, err := c.send(apiKey, encodeBody)
	if err != nil {
		return serde.Decoder{}, err
	}
	return c.receive(corr)
}

// Metadata queries the cluster layout; an empty topic list asks for all
// topics.
func (c *Client) Metadata(topics []string) (*protocol.MetadataResponse, error) {
	req := protocol.MetadataRequest{Topics: topics}
	d, err := c.roundTrip(protocol.MetadataKey, req.Encode)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMetadataResponse(&d)
}

// Topics queries the replica chain of each topic.
func (c *Client) Topics(topics []string) (*protocol.TopicsResponse, error) {
	req := protocol.TopicsRequest{Topics: topics}
	d, err := c.roundTrip(c.topicsAPIKey, req.Encode)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeTopicsResponse(&d)
}

// apiError maps a response error code to a Go error.
func apiError(code int16) error {
	if code == 0 {
		return nil
	}
	if e, ok := protocol.ErrorMap[code]; ok {
		return fmt.Errorf("broker error %d: %s", code, e.Message)
	}
	return fmt.Errorf("broker error %d", code)
}
