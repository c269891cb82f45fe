// Binance websocket transport for live kline events.
//
// Wire protocol: subscribe/unsubscribe requests are
// {"method":"SUBSCRIBE","params":["btcusdt@kline_1m",...],"id":1}; the ack is
// {"result":null,"id":1}; candle events are
// {"e":"kline","s":"BTCUSDT","k":{"t":...,"T":...,"o":...,"h":...,"l":...,"c":...,"v":...}}.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/johnayoung/go-kline-ingest/internal/models"
)

const defaultReadTimeout = 60 * time.Second

// BinanceStreamConfig tunes the websocket transport.
type BinanceStreamConfig struct {
	// StreamURL is the websocket endpoint (e.g., "wss://stream.binance.com:9443/ws").
	StreamURL string

	// ReadTimeout bounds how long one Read may block; a live kline stream
	// pushes updates every couple of seconds, so an idle connection past this
	// deadline is treated as dead.
	ReadTimeout time.Duration

	Logger *slog.Logger
}

// BinanceStream implements StreamTransport over gorilla/websocket.
type BinanceStream struct {
	streamURL   string
	readTimeout time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewBinanceStream creates a websocket transport for the given endpoint.
func NewBinanceStream(cfg BinanceStreamConfig) (*BinanceStream, error) {
	if cfg.StreamURL == "" {
		return nil, fmt.Errorf("stream URL cannot be empty")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &BinanceStream{
		streamURL:   cfg.StreamURL,
		readTimeout: cfg.ReadTimeout,
		logger:      cfg.Logger.With("component", "binance_stream"),
	}, nil
}

// Connect implements StreamTransport.
func (s *BinanceStream) Connect(ctx context.Context) error {
	s.logger.Info("connecting to stream", "url", s.streamURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.streamURL, nil)
	if err != nil {
		return NewTransportError("connect", err)
	}
	if conn == nil {
		return NewTransportError("connect", errors.New("connection is nil"))
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	return nil
}

// subscribeRequest is the outbound subscribe/unsubscribe frame.
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Subscribe implements StreamTransport.
func (s *BinanceStream) Subscribe(ctx context.Context, channels []string, id int64) error {
	return s.writeRequest("SUBSCRIBE", channels, id)
}

// Unsubscribe implements StreamTransport.
func (s *BinanceStream) Unsubscribe(ctx context.Context, channels []string, id int64) error {
	return s.writeRequest("UNSUBSCRIBE", channels, id)
}

func (s *BinanceStream) writeRequest(method string, channels []string, id int64) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return NewTransportError("write", errors.New("not connected"))
	}

	payload := subscribeRequest{Method: method, Params: channels, ID: id}
	if err := conn.WriteJSON(payload); err != nil {
		return NewTransportError("write", err)
	}

	return nil
}

// wsEnvelope covers both inbound message shapes. Acks carry an id and a null
// result; kline events carry "e"/"s"/"k".
type wsEnvelope struct {
	ID     *int64   `json:"id"`
	Event  string   `json:"e"`
	Symbol string   `json:"s"`
	Kline  *wsKline `json:"k"`
}

type wsKline struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
}

// Read implements StreamTransport. Malformed payloads come back as
// *DecodeError so the caller can drop them without tearing the connection
// down; read failures are transport errors.
func (s *BinanceStream) Read() (*StreamMessage, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil, NewTransportError("read", errors.New("not connected"))
	}

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return nil, NewTransportError("read", err)
	}

	return decodeStreamMessage(payload)
}

// decodeStreamMessage maps one raw frame to an ack or a candle event.
func decodeStreamMessage(payload []byte) (*StreamMessage, error) {
	var envelope wsEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, NewDecodeError(payload, err)
	}

	if envelope.ID != nil {
		return &StreamMessage{Ack: &SubscribeAck{ID: *envelope.ID}}, nil
	}

	if envelope.Event != "kline" || envelope.Kline == nil {
		return nil, NewDecodeError(payload, fmt.Errorf("unhandled message type %q", envelope.Event))
	}

	k := envelope.Kline
	candle := &models.Candle{
		Symbol:    envelope.Symbol,
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
	}
	if err := candle.Validate(); err != nil {
		return nil, NewDecodeError(payload, err)
	}

	return &StreamMessage{Candle: candle}, nil
}

// Close implements StreamTransport.
func (s *BinanceStream) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
