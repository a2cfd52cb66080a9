package exchange

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"futures_bot/internal/metrics"
	"futures_bot/internal/models"
)

const (
	mainnetStreamHost = "wss://fstream.binance.com/ws/"
	testnetStreamHost = "wss://stream.binancefuture.com/ws/"

	readWait   = 70 * time.Second
	pingPeriod = 30 * time.Second
)

// aggTradeMsg is the aggregated-trade payload from the futures stream.
type aggTradeMsg struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// TickerStream delivers live trade prices for one symbol over a
// websocket that reconnects itself with backoff. Ticks are published on
// a buffered channel; if the consumer falls behind, the oldest tick is
// dropped rather than blocking the read loop.
type TickerStream struct {
	symbol string
	url    string
	log    zerolog.Logger

	out  chan models.Tick
	stop chan struct{}

	lastTick chan time.Time // capacity 1, latest arrival time
}

func NewTickerStream(symbol string, testnet bool, log zerolog.Logger) *TickerStream {
	host := mainnetStreamHost
	if testnet {
		host = testnetStreamHost
	}
	return &TickerStream{
		symbol:   symbol,
		url:      host + strings.ToLower(symbol) + "@aggTrade",
		log:      log.With().Str("comp", "stream").Str("symbol", symbol).Logger(),
		out:      make(chan models.Tick, 256),
		stop:     make(chan struct{}),
		lastTick: make(chan time.Time, 1),
	}
}

// Start launches the read loop and returns the tick channel.
func (s *TickerStream) Start() <-chan models.Tick {
	go s.run()
	return s.out
}

func (s *TickerStream) Stop() {
	close(s.stop)
}

// Ticks returns the channel without starting a new loop.
func (s *TickerStream) Ticks() <-chan models.Tick { return s.out }

// LastTickAt reports when the most recent tick arrived, for staleness
// watchdogs. Zero time until the first tick.
func (s *TickerStream) LastTickAt() time.Time {
	select {
	case t := <-s.lastTick:
		// Put it back so repeated calls keep working.
		s.lastTick <- t
		return t
	default:
		return time.Time{}
	}
}

func (s *TickerStream) run() {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		conn, err := s.dial()
		if err != nil {
			wait := b.Duration()
			metrics.ReconnectsTotal.Inc()
			s.log.Error().Err(err).Dur("backoff", wait).Msg("stream dial failed, reconnecting")
			select {
			case <-s.stop:
				return
			case <-time.After(wait):
			}
			continue
		}

		b.Reset()
		s.log.Info().Str("url", s.url).Msg("stream connected")

		if err := s.readLoop(conn); err != nil {
			s.log.Warn().Err(err).Msg("stream read failed, resubscribing")
		}
		conn.Close()

		select {
		case <-s.stop:
			return
		case <-time.After(b.Duration()):
			metrics.ReconnectsTotal.Inc()
		}
	}
}

func (s *TickerStream) dial() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})
	return conn, nil
}

func (s *TickerStream) readLoop(conn *websocket.Conn) error {
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-pinger.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			case <-done:
				return
			case <-s.stop:
				return
			}
		}
	}()

	for {
		select {
		case <-s.stop:
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg aggTradeMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event != "aggTrade" {
			continue
		}
		price, err := strconv.ParseFloat(msg.Price, 64)
		if err != nil || price <= 0 {
			continue
		}

		tick := models.Tick{
			Symbol: msg.Symbol,
			Price:  price,
			Time:   time.UnixMilli(msg.TradeTime),
		}
		s.publish(tick)
	}
}

func (s *TickerStream) publish(tick models.Tick) {
	metrics.TicksTotal.WithLabelValues(s.symbol).Inc()

	select {
	case <-s.lastTick:
	default:
	}
	s.lastTick <- time.Now()

	select {
	case s.out <- tick:
	default:
		// Consumer is behind: drop the oldest tick, keep the newest.
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- tick:
		default:
		}
	}
}
