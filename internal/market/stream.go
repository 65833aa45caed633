package market

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const markPriceStreamURL = "wss://fstream.binance.com/ws/!markPrice@arr@1s"

// markPriceEvent is one entry of the all-market mark price stream payload.
type markPriceEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// PriceStream keeps the data cache's live prices fresh from the Binance
// futures all-market mark price websocket stream. Connection drops are
// retried with a capped delay; consumers fall back to REST while cold.
type PriceStream struct {
	url    string
	cache  *DataCache
	logger zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	stopChan chan struct{}
	running  bool
}

// NewPriceStream creates a stream writer for the given cache.
func NewPriceStream(cache *DataCache, logger zerolog.Logger) *PriceStream {
	return &PriceStream{
		url:    markPriceStreamURL,
		cache:  cache,
		logger: logger.With().Str("component", "PriceStream").Logger(),
	}
}

// Start launches the read loop. Safe to call once.
func (s *PriceStream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	go s.run()
}

// Stop closes the connection and ends the read loop.
func (s *PriceStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *PriceStream) run() {
	retryDelay := time.Second
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		if err := s.connectAndRead(); err != nil {
			s.logger.Warn().Err(err).Dur("retry_in", retryDelay).Msg("mark price stream disconnected")
		}

		select {
		case <-s.stopChan:
			return
		case <-time.After(retryDelay):
		}
		if retryDelay < 30*time.Second {
			retryDelay *= 2
		}
	}
}

func (s *PriceStream) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info().Msg("mark price stream connected")
	defer conn.Close()

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		select {
		case <-s.stopChan:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var events []markPriceEvent
		if err := json.Unmarshal(payload, &events); err != nil {
			// Single-object control frames are ignored.
			continue
		}
		for _, ev := range events {
			if ev.Symbol == "" {
				continue
			}
			if price, err := strconv.ParseFloat(ev.MarkPrice, 64); err == nil && price > 0 {
				s.cache.SetPrice(ev.Symbol, price)
			}
		}
	}
}
