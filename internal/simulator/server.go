// Package simulator serves a mock market-data feed over websockets: random
// ticks for every subscribed instrument, and echoed fill notices for orders
// the dummy broker reports as placed. It exists so the whole engine can run
// end to end without a brokerage account.
package simulator

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config holds the server tunables.
type Config struct {
	Addr         string
	TickInterval time.Duration
}

// DefaultConfig serves on the port the dummy client dials by default.
var DefaultConfig = Config{
	Addr:         "localhost:8765",
	TickInterval: time.Second,
}

// feedCommand is the inbound message shape: either a subscription change or
// a placed-order notice to echo back as a fill.
type feedCommand struct {
	Operation      string `json:"Operation"`
	MarketFeedData []struct {
		ScripCode int `json:"ScripCode"`
	} `json:"MarketFeedData"`

	Placed        *int    `json:"placed"`
	Price         float64 `json:"Price"`
	Qty           int     `json:"Qty"`
	RemoteOrderID string  `json:"RemoteOrderID"`
}

type fillNotice struct {
	Status        string  `json:"Status"`
	ScripCode     int     `json:"ScripCode"`
	Price         float64 `json:"Price"`
	Qty           int     `json:"Qty"`
	RemoteOrderID string  `json:"RemoteOrderID"`
}

// tickPayload mirrors the live feed's market-depth element.
type tickPayload struct {
	Exch     string  `json:"Exch"`
	ExchType string  `json:"ExchType"`
	Token    int     `json:"Token"`
	LastRate float64 `json:"LastRate"`
	LastQty  int     `json:"LastQty"`
	High     float64 `json:"High"`
	Low      float64 `json:"Low"`
	OpenRate float64 `json:"OpenRate"`
	PClose   float64 `json:"PClose"`
	TickDt   string  `json:"TickDt"`
	ChgPcnt  float64 `json:"ChgPcnt"`
}

// Server is the websocket feed simulator.
type Server struct {
	config Config
	logger *log.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	subs    map[int]struct{}
	rng     *rand.Rand

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// client serializes writes to one websocket connection.
type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// NewServer creates a simulator. Pass a Config to override the defaults.
func NewServer(logger *log.Logger, config ...Config) *Server {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(os.Stdout, "simulator: ", log.LstdFlags)
	}
	return &Server{
		config:  cfg,
		logger:  logger,
		clients: make(map[*client]struct{}),
		subs:    make(map[int]struct{}),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ListenAndServe runs the websocket endpoint and the tick generator until
// Shutdown. Blocks.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the simulator on an existing listener. Blocks.
func (s *Server) Serve(ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpServer = &http.Server{Handler: mux}

	stop := make(chan struct{})
	go s.generateTicks(stop)
	defer close(stop)

	s.logger.Printf("feed simulator listening on %s", ln.Addr())
	err := s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and ends the tick loop.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Printf("client connected from %s", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("client read: %v", err)
			}
			return
		}
		s.handleCommand(c, data)
	}
}

func (s *Server) handleCommand(c *client, data []byte) {
	var cmd feedCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.logger.Printf("dropping malformed command: %v", err)
		return
	}
	switch {
	case cmd.Operation != "":
		s.mu.Lock()
		for _, scrip := range cmd.MarketFeedData {
			if cmd.Operation == "s" {
				s.subs[scrip.ScripCode] = struct{}{}
			} else if cmd.Operation == "u" {
				delete(s.subs, scrip.ScripCode)
			}
		}
		count := len(s.subs)
		s.mu.Unlock()
		s.logger.Printf("%q on %d scrips, %d subscribed", cmd.Operation, len(cmd.MarketFeedData), count)
	case cmd.Placed != nil:
		// Echo the fill back the way the live broker pushes order updates.
		notice := fillNotice{
			Status:        "Fully Executed",
			ScripCode:     *cmd.Placed,
			Price:         cmd.Price,
			Qty:           cmd.Qty,
			RemoteOrderID: cmd.RemoteOrderID,
		}
		payload, err := json.Marshal(notice)
		if err != nil {
			s.logger.Printf("marshal fill notice: %v", err)
			return
		}
		if err := c.send(payload); err != nil {
			s.logger.Printf("sending fill notice: %v", err)
		}
	}
}

// generateTicks pushes one random tick per subscribed scrip per interval to
// every connected client.
func (s *Server) generateTicks(stop <-chan struct{}) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		payloads := make([][]byte, 0, len(s.subs))
		for scrip := range s.subs {
			data, err := json.Marshal([]tickPayload{s.randomTick(scrip)})
			if err != nil {
				continue
			}
			payloads = append(payloads, data)
		}
		clients := make([]*client, 0, len(s.clients))
		for c := range s.clients {
			clients = append(clients, c)
		}
		s.mu.Unlock()

		for _, c := range clients {
			for _, data := range payloads {
				if err := c.send(data); err != nil {
					s.logger.Printf("tick push: %v", err)
					break
				}
			}
		}
	}
}

// randomTick builds a plausible tick for the scrip. Caller holds the lock
// for rng access.
func (s *Server) randomTick(scrip int) tickPayload {
	now := time.Now()
	return tickPayload{
		Exch:     "N",
		ExchType: "D",
		Token:    scrip,
		LastRate: round2(4 + s.rng.Float64()*46),
		LastQty:  100 + s.rng.Intn(900),
		High:     round2(100 + s.rng.Float64()*50),
		Low:      round2(50 + s.rng.Float64()*50),
		OpenRate: round2(50 + s.rng.Float64()*50),
		PClose:   round2(50 + s.rng.Float64()*50),
		TickDt:   fmt.Sprintf("/Date(%d)/", now.UnixMilli()),
		ChgPcnt:  round2(-2 + s.rng.Float64()*4),
	}
}

func round2(x float64) float64 {
	return float64(int(x*100)) / 100
}
