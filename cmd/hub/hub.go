// The hub command runs the shore-station fusion pipeline: it ingests
// UWB measurement packets over UDP, fuses per-epoch positions in the
// start-line frame, classifies OCS, and multicasts the fused picture.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/marlin-data/startline.report/internal/config"
	"github.com/marlin-data/startline.report/internal/httputil"
	"github.com/marlin-data/startline.report/internal/observability"
	"github.com/marlin-data/startline.report/internal/racelog"
	"github.com/marlin-data/startline.report/internal/units"
	"github.com/marlin-data/startline.report/internal/uwb"
	"github.com/marlin-data/startline.report/internal/version"
)

var (
	listen       = flag.String("listen", ":8080", "HTTP listen address for debug endpoints")
	udpPort      = flag.Int("udp-port", 9910, "UDP port to listen for measurement packets")
	udpAddress   = flag.String("udp-addr", "", "UDP bind address (default: listen on all interfaces)")
	publishGroup = flag.String("publish", "239.87.66.1:9911", "Multicast group for fused position packets")
	dbFile       = flag.String("db", "race_log.db", "Path to the SQLite race log file")
	noRaceLog    = flag.Bool("no-racelog", false, "Disable the race event log")
	rcvBuf       = flag.Int("rcvbuf", 1<<20, "UDP receive buffer size in bytes (default 1MB)")
	tuningPath   = flag.String("tuning", "", "Path to a tuning JSON file (defaults apply when omitted)")
)

func main() {
	flag.Parse()

	log.Printf("startline hub %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}

	var udpListenAddr string
	if *udpAddress == "" {
		udpListenAddr = fmt.Sprintf(":%d", *udpPort)
	} else {
		udpListenAddr = fmt.Sprintf("%s:%d", *udpAddress, *udpPort)
	}

	tuning := config.EmptyTuningConfig()
	if *tuningPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*tuningPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		log.Printf("Loaded tuning config from %s", *tuningPath)
	}

	var rlog *racelog.RaceLog
	if !*noRaceLog {
		var err error
		rlog, err = racelog.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open race log: %v", err)
		}
		defer rlog.Close()
	}

	metrics := observability.NewHubCollector(nil)

	hub, err := uwb.NewHub(uwb.HubConfig{
		Engine: uwb.EngineConfig{
			ProcessNoisePos:       float32(tuning.GetProcessNoisePos()),
			ProcessNoiseVel:       float32(tuning.GetProcessNoiseVel()),
			MeasurementNoiseFloor: float32(tuning.GetMeasurementNoiseFloor()),
			MaxMissedEpochs:       tuning.GetMaxMissedEpochs(),
			BatchWindowEpochs:     tuning.GetBatchWindowEpochs(),
			SolveIterations:       tuning.GetSolveIterations(),
			SolveConvergeM:        float32(tuning.GetSolveConvergeM()),
		},
		Scheduler: uwb.SchedulerConfig{
			Superframe:      tuning.GetSuperframe(),
			BurstSuperframe: tuning.GetBurstSuperframe(),
		},
		ListenAddress:    udpListenAddr,
		PublishGroup:     *publishGroup,
		UDPRcvBuf:        *rcvBuf,
		MaxPeers:         tuning.GetMaxPeers(),
		StatsLogInterval: tuning.GetStatsLogInterval(),
		RaceLog:          rlog,
		Metrics:          metrics,
	})
	if err != nil {
		log.Fatalf("Failed to construct hub: %v", err)
	}

	var wg sync.WaitGroup

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pipeline goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hub.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Hub error: %v", err)
			stop()
		}
		log.Print("Hub routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			httputil.WriteJSONOK(w, map[string]string{
				"status":    "ok",
				"service":   "hub",
				"version":   version.Version,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		})

		mux.HandleFunc("/api/nodes", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				httputil.MethodNotAllowed(w)
				return
			}
			speedUnits := r.URL.Query().Get("units")
			if speedUnits == "" {
				speedUnits = units.KTS
			}
			if !units.IsValid(speedUnits) {
				httputil.BadRequest(w, "units must be one of: "+units.GetValidUnitsString())
				return
			}
			type nodeState struct {
				NodeID      uint32  `json:"node_id"`
				Designation string  `json:"designation"`
				XLineM      float32 `json:"x_line_m"`
				YLineM      float32 `json:"y_line_m"`
				Speed       float64 `json:"speed"`
				SpeedUnits  string  `json:"speed_units"`
				HeadingDeg  float32 `json:"heading_deg"`
				FixQuality  uint8   `json:"fix_quality"`
				Misses      int     `json:"misses"`
			}
			var out []nodeState
			for _, f := range hub.Engine().Arena().All() {
				out = append(out, nodeState{
					NodeID:      f.NodeID,
					Designation: f.Designation.String(),
					XLineM:      f.X,
					YLineM:      f.Y,
					Speed:       units.ConvertSpeed(float64(f.Speed()), speedUnits),
					SpeedUnits:  speedUnits,
					HeadingDeg:  f.HeadingDeg,
					FixQuality:  f.Quality,
					Misses:      f.Misses,
				})
			}
			httputil.WriteJSONOK(w, out)
		})

		mux.HandleFunc("/api/batch", func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				httputil.WriteJSONOK(w, map[string]bool{"batch_mode": hub.Engine().BatchMode()})
			case http.MethodPost:
				on, err := strconv.ParseBool(r.FormValue("on"))
				if err != nil {
					httputil.BadRequest(w, "on must be true or false")
					return
				}
				hub.SetBatchMode(on)
				log.Printf("Batch mode set to %t via HTTP", on)
				httputil.WriteJSONOK(w, map[string]bool{"batch_mode": on})
			default:
				httputil.MethodNotAllowed(w)
			}
		})

		// Arm the high-precision gun window: the engine runs batch mode
		// at the burst cadence until the deadline, then the falling edge
		// records the gun solve.
		mux.HandleFunc("/api/gun", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				httputil.MethodNotAllowed(w)
				return
			}
			seconds, err := strconv.ParseFloat(r.FormValue("in"), 64)
			if err != nil || seconds <= 0 {
				httputil.BadRequest(w, "in must be a positive number of seconds")
				return
			}
			deadline := time.Now().Add(time.Duration(seconds * float64(time.Second)))
			hub.ArmGunWindow(deadline)
			log.Printf("Gun window armed for %.1fs", seconds)
			httputil.WriteJSONOK(w, map[string]string{"gun_at": deadline.UTC().Format(time.RFC3339Nano)})
		})

		mux.Handle("/metrics", metrics.Handler())

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		go func() {
			log.Printf("HTTP debug server listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
