// phototimer is a two-device photo-finish race timer: one device watches
// the start line, the other the finish line, paired over a room code and
// clock-synchronized so the reported split is accurate to better than a
// frame interval despite each device running its own local clock.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/sondregut/trackspeed-core/internal/clocksync"
	"github.com/sondregut/trackspeed-core/internal/config"
	"github.com/sondregut/trackspeed-core/internal/detect"
	"github.com/sondregut/trackspeed-core/internal/events"
	"github.com/sondregut/trackspeed-core/internal/logging"
	"github.com/sondregut/trackspeed-core/internal/session"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const defaultLogLevel = "info"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "host":
		runDevice(args, true)
	case "join":
		runDevice(args, false)
	case "demo":
		runDemo(args)
	case "version", "--version", "-v":
		fmt.Printf("phototimer %s\n", Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`phototimer - two-device photo-finish race timer

Usage:
  phototimer <command> [flags]

Commands:
  host   Create a room and wait for a partner to join
  join   Join a room a partner already created
  demo   Run both ends in one process against synthetic frames
  version
  help

Flags for host/join:
  --role            start|finish (required)
  --relay           WebSocket relay URL, e.g. wss://relay.example.com/ws (required)
  --code            Room code to join (join only)
  --frames          Directory of PNG frames to feed through the detector
  --fps             Assumed capture rate for --frames, in Hz (default 240)
  --log             Log level: error|warn|info|debug|trace (default: info)
  --events-output   Write JSON Line events to: stdout, stderr, or a file path (disabled if empty)

Examples:
  phototimer host --role start  --relay wss://relay.example.com/ws --frames ./start-frames
  phototimer join --role finish --relay wss://relay.example.com/ws --code KJ7F2N --frames ./finish-frames
`)
}

func runDevice(args []string, hosting bool) {
	fs := parseDeviceFlags(hosting, args)

	level, err := logging.ParseLevel(fs.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(level)

	emitter, err := createEmitter(fs.eventsOutput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating event emitter: %v\n", err)
		os.Exit(1)
	}
	defer emitter.Close()

	role := session.Role(fs.role)
	if role != session.RoleStart && role != session.RoleFinish {
		fmt.Fprintln(os.Stderr, "Error: --role must be \"start\" or \"finish\"")
		os.Exit(1)
	}
	if fs.relay == "" {
		fmt.Fprintln(os.Stderr, "Error: --relay is required")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Warn("failed to load config: %v", err)
		cfg = &config.Config{}
	}

	bus := session.NewWebSocketBus(fs.relay, logger)
	sess := session.New(session.Config{Bus: bus, Logger: logger, Events: emitter})

	detEmitter, err := createDetectorEmitter(fs.eventsOutput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating detector event emitter: %v\n", err)
		os.Exit(1)
	}
	defer detEmitter.Close()

	det := detect.New(logger, detEmitter)
	if cfg.GateX > 0 {
		det.Configure(cfg.GateX)
	}
	gatePath, err := config.DefaultGateLinePath()
	if err != nil {
		logger.Warn("failed to resolve gate-line override path: %v", err)
	} else {
		watcher, err := config.WatchGateLine(gatePath, func(gateX float64) {
			det.Configure(gateX)
			cfg.GateX = gateX
			logger.Info("gate line override applied: gateX=%.3f", gateX)
			if err := cfg.Save(); err != nil {
				logger.Warn("failed to persist gate-line override: %v", err)
			}
		})
		if err != nil {
			logger.Warn("failed to watch gate-line file %s: %v", gatePath, err)
		} else {
			defer watcher.Stop()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	var code string
	if hosting {
		code, err = sess.CreateRoom(ctx, role)
		if err != nil {
			logger.Error("failed to create room: %v", err)
			os.Exit(1)
		}
		logger.Info("room code: %s -- share this with your partner", code)
	} else {
		if fs.code == "" {
			fmt.Fprintln(os.Stderr, "Error: --code is required for join")
			os.Exit(1)
		}
		if err := sess.JoinRoom(ctx, fs.code, role); err != nil {
			logger.Error("failed to join room %s: %v", fs.code, err)
			os.Exit(1)
		}
		code = fs.code
	}

	cfg.Role = string(role)
	cfg.LastRoomCode = code
	cfg.RelayURL = fs.relay
	cfg.LogLevel = fs.logLevel
	if err := cfg.Save(); err != nil {
		logger.Warn("failed to save config: %v", err)
	}

	logger.Info("waiting for clock sync...")
	waitForState(ctx, sess, session.StateReady)
	if ctx.Err() != nil {
		return
	}
	logger.Info("ready, quality=%s", sess.Snapshot().Sync.Quality)

	if err := sess.Arm(); err != nil {
		logger.Error("failed to arm: %v", err)
		os.Exit(1)
	}

	if fs.framesDir != "" {
		runFrameFeed(ctx, logger, fs.framesDir, fs.fps, sess, det)
	} else {
		logger.Info("armed, no --frames given; waiting for shutdown signal")
		<-ctx.Done()
	}

	if result := sess.Result(); result.SplitNanos != 0 || result.Implausible {
		printResult(result)
	}
}

type deviceFlags struct {
	role         string
	relay        string
	code         string
	framesDir    string
	fps          float64
	logLevel     string
	eventsOutput string
}

func parseDeviceFlags(hosting bool, args []string) deviceFlags {
	name := "host"
	if !hosting {
		name = "join"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)

	role := fs.String("role", "", "start|finish (required)")
	relay := fs.String("relay", "", "WebSocket relay URL (required)")
	code := fs.String("code", "", "Room code to join (join only)")
	framesDir := fs.String("frames", "", "Directory of PNG frames to feed through the detector")
	fps := fs.Float64("fps", 240, "Assumed capture rate for --frames, in Hz")
	logLevel := fs.String("log", defaultLogLevel, "Log level: error|warn|info|debug|trace")
	eventsOutput := fs.String("events-output", "", "Write JSON Line events to: stdout, stderr, or a file path")

	fs.Parse(args)

	return deviceFlags{
		role: *role, relay: *relay, code: *code, framesDir: *framesDir,
		fps: *fps, logLevel: *logLevel, eventsOutput: *eventsOutput,
	}
}

// waitForState polls Snapshot until state is reached or ctx is cancelled.
func waitForState(ctx context.Context, sess *session.Session, want session.State) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if sess.Snapshot().State == want {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printResult(r session.Result) {
	if r.Aborted {
		fmt.Println("race aborted")
		return
	}
	if r.Implausible {
		fmt.Println("implausible split: finish crossing preceded start crossing")
		return
	}
	fmt.Printf("split: %.3fs (uncertainty +/- %.2fms)\n", float64(r.SplitNanos)/1e9, r.UncertaintyMs)
}

// runFrameFeed decodes PNG frames from dir in sorted filename order, drives
// a Detector through calibration and arming, and reports the first
// confirmed crossing to sess.OnCrossing.
func runFrameFeed(ctx context.Context, logger *logging.Logger, dir string, fps float64, sess *session.Session, det *detect.Detector) {
	files, err := sortedPNGs(dir)
	if err != nil {
		logger.Error("failed to list frames in %s: %v", dir, err)
		return
	}
	if len(files) == 0 {
		logger.Warn("no PNG frames found in %s", dir)
		return
	}

	for i, path := range files {
		if ctx.Err() != nil {
			return
		}
		frame, err := loadFrame(path, float64(i)/fps)
		if err != nil {
			logger.Warn("skipping %s: %v", path, err)
			continue
		}

		switch det.State() {
		case detect.StateIdle:
			if err := det.StartCalibration(frame); err != nil {
				logger.Error("StartCalibration: %v", err)
				return
			}
		case detect.StateCalibrating:
			complete, err := det.Calibrate(frame)
			if err != nil {
				logger.Error("Calibrate: %v", err)
				return
			}
			if complete {
				if err := det.Arm(frame); err != nil {
					logger.Error("Arm: %v", err)
					return
				}
			}
		default:
			result := det.Process(frame)
			if result.Crossed {
				logger.Info("crossing detected at frame %d, pts=%.4f", i, result.TriggerPTS)
				if err := sess.OnCrossing(result.TriggerPTS, result.PTSSeconds, result.UptimeNanos); err != nil {
					logger.Warn("OnCrossing: %v", err)
				}
				return
			}
		}
	}
}

func sortedPNGs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".png" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func loadFrame(path string, pts float64) (detect.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return detect.Frame{}, err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return detect.Frame{}, err
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pix := make([]byte, w*h)

	gray, ok := img.(*image.Gray)
	if ok {
		for y := 0; y < h; y++ {
			copy(pix[y*w:(y+1)*w], gray.Pix[y*gray.Stride:y*gray.Stride+w])
		}
	} else {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix[y*w+x] = color16ToLuma(img.At(bounds.Min.X+x, bounds.Min.Y+y))
			}
		}
	}

	return detect.Frame{W: w, H: h, Pix: pix, PTS: pts}, nil
}

func color16ToLuma(c color.Color) byte {
	r, g, b, _ := c.RGBA()
	// Rec. 601 luma weights.
	y := (299*r + 587*g + 114*b) / 1000
	return byte(y >> 8)
}

// runDemo runs a start and a finish Session in one process over a shared
// in-process bus, synthesizing a crossing on each side instead of reading
// real camera frames, so the pairing/sync/split pipeline can be exercised
// without a relay server or camera hardware.
func runDemo(args []string) {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	logLevel := fs.String("log", defaultLogLevel, "Log level: error|warn|info|debug|trace")
	splitSeconds := fs.Float64("split", 1.010, "Synthetic split to simulate, in seconds")
	fs.Parse(args)

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(level)

	startSess := session.New(session.Config{Bus: session.NewLoopbackBus(), Logger: logger})
	finishSess := session.New(session.Config{Bus: session.NewLoopbackBus(), Logger: logger})

	unsubStart := startSess.OnStateChange(func(snap session.Snapshot) {
		logger.Debug("start device: %s", snap.State)
	})
	unsubFinish := finishSess.OnStateChange(func(snap session.Snapshot) {
		logger.Debug("finish device: %s", snap.State)
	})
	defer unsubStart()
	defer unsubFinish()
	unsubSync := finishSess.OnSyncStatus(func(status clocksync.Status) {
		logger.Debug("finish device sync quality: %s (uncertainty %.3fms)", status.Quality, status.UncertaintyMs)
	})
	defer unsubSync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	code, err := startSess.CreateRoom(ctx, session.RoleStart)
	if err != nil {
		logger.Error("CreateRoom: %v", err)
		os.Exit(1)
	}
	if err := finishSess.JoinRoom(ctx, code, session.RoleFinish); err != nil {
		logger.Error("JoinRoom: %v", err)
		os.Exit(1)
	}
	defer startSess.Disconnect()
	defer finishSess.Disconnect()

	logger.Info("room %s: waiting for clock sync...", code)
	waitForState(ctx, startSess, session.StateReady)
	waitForState(ctx, finishSess, session.StateReady)
	if ctx.Err() != nil {
		logger.Error("timed out waiting for sync")
		os.Exit(1)
	}

	startSess.Arm()
	finishSess.Arm()

	uptimeNow := time.Now().UnixNano()
	if err := startSess.OnCrossing(0, 0, uptimeNow); err != nil {
		logger.Error("start OnCrossing: %v", err)
		os.Exit(1)
	}
	waitForState(ctx, finishSess, session.StateRunning)

	finishUptime := uptimeNow + int64(*splitSeconds*1e9)
	if err := finishSess.OnCrossing(0, 0, finishUptime); err != nil && err != session.ErrImplausibleSplit {
		logger.Error("finish OnCrossing: %v", err)
		os.Exit(1)
	}

	printResult(finishSess.Result())
}

// createEventSink resolves output ("", "stdout", "stderr", or a file path)
// to a writer and hands it to ctor, which picks the concrete Emitter.
func createEventSink(output string, ctor func(io.Writer) events.Emitter) (events.Emitter, error) {
	switch output {
	case "":
		return events.NopEmitter{}, nil
	case "stdout":
		return ctor(os.Stdout), nil
	case "stderr":
		return ctor(os.Stderr), nil
	default:
		flags := os.O_WRONLY | os.O_APPEND
		if _, err := os.Stat(output); os.IsNotExist(err) {
			flags |= os.O_CREATE
		}
		f, err := os.OpenFile(output, flags, 0644)
		if err != nil {
			return nil, fmt.Errorf("open events output %q: %w", output, err)
		}
		return ctor(f), nil
	}
}

// createEmitter builds the control-thread (SESS) emitter: synchronous, so a
// write failure surfaces rather than being silently dropped on a full queue.
func createEmitter(output string) (events.Emitter, error) {
	return createEventSink(output, func(w io.Writer) events.Emitter { return events.NewJSONLineWriter(w) })
}

// createDetectorEmitter builds the camera-thread (DET) emitter. Process runs
// once per frame and must never suspend or block, so this uses the async,
// drop-on-full writer instead of the synchronous one createEmitter returns.
func createDetectorEmitter(output string) (events.Emitter, error) {
	return createEventSink(output, func(w io.Writer) events.Emitter { return events.NewAsyncJSONLineWriter(w) })
}
