// Command beanbag-sim emulates the Beanbag cloud backend for local
// development: the REST login endpoint plus the command WebSocket,
// answering every vendor command with plausible controller data.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/securemtr/go-beanbag/internal/program"
)

const subprotocol = "BB-BO-01"

// Simulator holds the mutable controller state shared by all
// connections.
type Simulator struct {
	serial  string
	days    int
	verbose bool

	mu       sync.Mutex
	powerOn  bool
	boostOn  bool
	programs map[int][]program.Transition
}

func NewSimulator(serial string, days int, verbose bool) *Simulator {
	// Start with a typical night-rate program on the primary circuit.
	week := program.EmptyWeek()
	for day := range week {
		week[day] = program.DailyProgram{OnMinutes: []int{120}, OffMinutes: []int{420}}
	}
	primary, err := program.Encode(week)
	if err != nil {
		panic(err)
	}
	boost, err := program.Encode(program.EmptyWeek())
	if err != nil {
		panic(err)
	}

	return &Simulator{
		serial:  serial,
		days:    days,
		verbose: verbose,
		powerOn: true,
		programs: map[int][]program.Transition{
			1: primary,
			2: boost,
		},
	}
}

func (sim *Simulator) logf(format string, args ...any) {
	if sim.verbose {
		log.Printf(format, args...)
	}
}

// handleLogin accepts any credential pair and returns a session with a
// single gateway.
func (sim *Simulator) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Request-id") == "" {
		http.Error(w, "missing Request-id header", http.StatusBadRequest)
		return
	}

	var body struct {
		ULC struct {
			UEI string `json:"UEI"`
			P   string `json:"P"`
		} `json:"ULC"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	sim.logf("login from %s", body.ULC.UEI)

	reply := map[string]any{
		"RI": "1",
		"D": map[string]any{
			"SI":  fmt.Sprintf("sim-%d", time.Now().Unix()),
			"UI":  1,
			"JT":  "simulator-token",
			"JTT": time.Now().Unix(),
			"GD": []any{
				map[string]any{
					"GMI": "gw-sim-1",
					"SN":  sim.serial,
					"HN":  "beanbag-sim",
					"DT":  "E7+",
				},
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{subprotocol},
	CheckOrigin:  func(*http.Request) bool { return true },
}

// handleWebSocket answers correlated command frames until the client
// disconnects.
func (sim *Simulator) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}
	defer ws.Close()
	sim.logf("websocket connected from %s", r.RemoteAddr)

	for {
		var frame map[string]any
		if err := ws.ReadJSON(&frame); err != nil {
			sim.logf("websocket closed: %v", err)
			return
		}

		correlationID, _ := frame["I"].(string)
		params, _ := frame["P"].([]any)
		if len(params) == 0 {
			continue
		}
		header, _ := params[0].(map[string]any)
		hi := asInt(header["HI"])
		si := asInt(header["SI"])
		var args any
		if len(params) > 1 {
			args = params[1]
		}

		sim.logf("command %d/%d", hi, si)
		result := sim.dispatch(hi, si, args)

		reply := map[string]any{"I": correlationID, "R": result}
		if err := ws.WriteJSON(reply); err != nil {
			sim.logf("write failed: %v", err)
			return
		}
	}
}

// dispatch maps a header code pair onto its canned reply.
func (sim *Simulator) dispatch(hi, si int, args any) any {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	switch {
	case hi == 17 && si == 11: // device metadata
		return map[string]any{
			"BOI": "boiler-sim-1",
			"SN":  sim.serial,
			"N":   "Simulated Hot Press",
			"FV":  2.0,
			"MD":  "E7+",
		}
	case hi == 49 && si == 11: // zone topology
		return []any{
			map[string]any{"I": 1, "N": "Primary"},
			map[string]any{"I": 2, "N": "Boost"},
		}
	case hi == 2 && si == 103: // clock sync
		return 0
	case hi == 5 && si == 1: // schedule overview
		return map[string]any{"AS": 1, "BS": 0}
	case hi == 14 && si == 11: // device configuration
		return map[string]any{"TZ": "UTC", "CT": 3}
	case hi == 3 && si == 1: // live state
		return sim.liveState()
	case hi == 2 && si == 15: // primary mode write
		sim.powerOn = writeValue(args) == 2
		return 0
	case hi == 2 && si == 16: // timed boost write
		sim.boostOn = writeValue(args) == 1
		return 0
	case hi == 22 && si == 17: // program read
		zone := firstArg(args)
		return []any{map[string]any{"I": zone, "D": sim.programs[zone]}}
	case hi == 21 && si == 17: // program write
		sim.storeProgram(args)
		return 0
	case hi == 18 && si == 17: // energy history
		return sim.energyHistory()
	default:
		return nil
	}
}

func (sim *Simulator) liveState() map[string]any {
	flag := func(on bool) int {
		if on {
			return 2
		}
		return 0
	}
	return map[string]any{
		"V": []any{
			map[string]any{"SI": 33, "V": []any{map[string]any{"I": 6, "V": flag(sim.powerOn)}}},
			map[string]any{"SI": 16, "V": []any{map[string]any{"I": 27, "V": flag(sim.boostOn)}}},
		},
	}
}

func (sim *Simulator) storeProgram(args any) {
	list, ok := args.([]any)
	if !ok || len(list) == 0 {
		return
	}
	record, ok := list[0].(map[string]any)
	if !ok {
		return
	}
	zone := asInt(record["I"])
	raw, ok := record["D"].([]any)
	if !ok {
		return
	}
	records := make([]program.Transition, 0, len(raw))
	for _, entry := range raw {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		records = append(records, program.Transition{
			Offset: asInt(fields["O"]),
			Type:   asInt(fields["T"]),
		})
	}
	sim.programs[zone] = records
}

// energyHistory fabricates one open record for the current day followed
// by closed daily records walking back through the window.
func (sim *Simulator) energyHistory() []any {
	now := time.Now()
	records := make([]any, 0, sim.days+1)

	open := now.Truncate(time.Hour)
	records = append(records, map[string]any{
		"TS":  open.Unix(),
		"PE":  1250.0,
		"BE":  0.0,
		"PSM": 120.0,
		"PAM": 95.0,
		"BSM": 0.0,
		"BAM": 0.0,
	})

	for day := 1; day <= sim.days; day++ {
		anchor := now.AddDate(0, 0, -day)
		midnight := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, anchor.Location())
		active := 150.0 + float64(day%3)*30.0
		records = append(records, map[string]any{
			"TS":  midnight.Unix(),
			"PE":  active * 50.0, // roughly 3 kW scaled by the vendor factor
			"BE":  0.0,
			"PSM": 300.0,
			"PAM": active,
			"BSM": 0.0,
			"BAM": 0.0,
		})
	}
	return records
}

func writeValue(args any) int {
	list, ok := args.([]any)
	if !ok || len(list) < 2 {
		return -1
	}
	record, ok := list[1].(map[string]any)
	if !ok {
		return -1
	}
	return asInt(record["V"])
}

func firstArg(args any) int {
	list, ok := args.([]any)
	if !ok || len(list) == 0 {
		return 0
	}
	return asInt(list[0])
}

func asInt(value any) int {
	switch number := value.(type) {
	case float64:
		return int(number)
	case int:
		return number
	case int64:
		return int(number)
	default:
		return 0
	}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8181", "Listen address")
	serial := flag.String("serial", "E0031158", "Controller serial number")
	days := flag.Int("days", 14, "Closed history days per energy window")
	verbose := flag.Bool("verbose", false, "Log every command")
	flag.Parse()

	sim := NewSimulator(*serial, *days, *verbose)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/UserRestAPI/LoginRequest", sim.handleLogin)
	mux.HandleFunc("/api/TransactionRestAPI/ConnectWebSocket", sim.handleWebSocket)

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("beanbag-sim listening on http://%s (serial %s)", *addr, *serial)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	log.Printf("shutting down")
	server.Close()
}
