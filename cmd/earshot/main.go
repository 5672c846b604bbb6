// Command earshot is the microphone-to-text capture daemon: it listens on a
// local audio device, gates speech with VAD, streams each utterance to a
// cloud ASR provider, and forwards the finished transcripts downstream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/earshot-audio/earshot/internal/config"
	"github.com/earshot-audio/earshot/internal/gate"
	"github.com/earshot-audio/earshot/internal/health"
	"github.com/earshot-audio/earshot/internal/observe"
	"github.com/earshot-audio/earshot/internal/pipeline"
	"github.com/earshot-audio/earshot/internal/resilience"
	"github.com/earshot-audio/earshot/pkg/audio"
	portaudiosrc "github.com/earshot-audio/earshot/pkg/audio/portaudio"
	"github.com/earshot-audio/earshot/pkg/provider/asr"
	"github.com/earshot-audio/earshot/pkg/provider/asr/funasr"
	"github.com/earshot-audio/earshot/pkg/provider/asr/iflytek"
	"github.com/earshot-audio/earshot/pkg/provider/vad"
	"github.com/earshot-audio/earshot/pkg/provider/vad/energy"
	"github.com/earshot-audio/earshot/pkg/sink"
	"github.com/earshot-audio/earshot/pkg/sink/wscore"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("earshot starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Config watcher ────────────────────────────────────────────────────────
	// Only the log level is applied live; anything else needs a restart.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownObs, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "earshot",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObs(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	asrProvider, err := reg.CreateASR(cfg.Providers.ASR)
	if err != nil {
		slog.Error("failed to create asr provider", "name", cfg.Providers.ASR.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "asr", "name", cfg.Providers.ASR.Name)

	if fb := cfg.Providers.ASRFallback; fb.Name != "" {
		fallbackProvider, err := reg.CreateASR(fb)
		if err != nil {
			slog.Error("failed to create fallback asr provider", "name", fb.Name, "err", err)
			return 1
		}
		failover := resilience.NewFailover(cfg.Providers.ASR.Name, asrProvider, resilience.BreakerConfig{})
		failover.Add(fb.Name, fallbackProvider)
		asrProvider = failover
		slog.Info("provider created", "kind", "asr_fallback", "name", fb.Name)
	}

	vadEngine, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		slog.Error("failed to create vad engine", "name", cfg.Providers.VAD.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	vadSession, err := vadEngine.NewSession(vad.Config{
		SampleRate:  cfg.Audio.SampleRate,
		FrameSizeMs: cfg.Audio.FrameSizeMs,
	})
	if err != nil {
		slog.Error("failed to open vad session", "err", err)
		return 1
	}
	defer vadSession.Close()

	// ── Gate ──────────────────────────────────────────────────────────────────
	frameDuration := time.Duration(cfg.Audio.FrameSizeMs) * time.Millisecond
	g, err := gate.New(gate.Config{
		Threshold:                cfg.Gate.Threshold,
		MinSpeechFrames:          gate.FramesFor(time.Duration(cfg.Gate.MinSpeechMs)*time.Millisecond, frameDuration),
		SilenceFrames:            gate.FramesFor(time.Duration(cfg.Gate.SilenceMs)*time.Millisecond, frameDuration),
		MinUtteranceSpeechFrames: gate.FramesFor(time.Duration(cfg.Gate.MinUtteranceMs)*time.Millisecond, frameDuration),
		MaxUtteranceFrames:       gate.FramesFor(time.Duration(cfg.Gate.MaxUtteranceSec)*time.Second, frameDuration),
		PrerollFrames:            gate.FramesFor(time.Duration(cfg.Gate.PrerollMs)*time.Millisecond, frameDuration),
	}, vadSession)
	if err != nil {
		slog.Error("invalid gate configuration", "err", err)
		return 1
	}

	// ── Sink ──────────────────────────────────────────────────────────────────
	var snk sink.Sink
	if cfg.Sink.CoreEndpoint != "" {
		fwd, err := wscore.New(cfg.Sink.CoreEndpoint, logger,
			wscore.WithSource(cfg.Sink.Source),
			wscore.WithErrorEvents(cfg.Sink.ForwardErrors),
		)
		if err != nil {
			slog.Error("failed to create core forwarder", "err", err)
			return 1
		}
		defer fwd.Close()
		snk = fwd
	} else {
		snk = sink.NewSlogSink(logger)
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	queue := audio.NewFrameQueue(cfg.Pipeline.QueueCapacity)
	pipe, err := pipeline.New(pipeline.Config{
		Stream: asr.StreamConfig{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			Language:   cfg.Providers.ASR.Language,
		},
		ResultTimeout: cfg.Pipeline.ResultTimeout(),
		PollInterval:  cfg.Pipeline.PollInterval(),
		FrameDuration: frameDuration,
		ProviderName:  cfg.Providers.ASR.Name,
	}, queue, g, asrProvider, snk, pipeline.WithLogger(logger), pipeline.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Audio capture ─────────────────────────────────────────────────────────
	source := portaudiosrc.New()
	captureCfg := audio.CaptureConfig{
		SampleRate:   cfg.Audio.SampleRate,
		Channels:     cfg.Audio.Channels,
		FrameSamples: cfg.Audio.SampleRate * cfg.Audio.FrameSizeMs / 1000,
		DeviceFilter: cfg.Audio.DeviceFilter,
	}
	// The device callback runs on PortAudio's realtime thread: copy and
	// enqueue only. The queue's own counters feed the frame metrics from a
	// sampler goroutine below.
	err = source.Start(captureCfg, func(f audio.Frame) {
		queue.TryEnqueue(f)
	})
	if err != nil {
		slog.Error("failed to start audio capture", "err", err)
		return 1
	}
	defer func() {
		if err := source.Stop(); err != nil {
			slog.Warn("audio capture stop error", "err", err)
		}
	}()

	printStartupSummary(cfg)
	slog.Info("listening — press Ctrl+C to shut down")

	// ── Run ───────────────────────────────────────────────────────────────────
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return pipe.Run(gctx)
	})

	group.Go(func() error {
		return sampleFrameCounters(gctx, queue, metrics)
	})

	if cfg.Server.ListenAddr != "" {
		srv := newHTTPServer(cfg.Server.ListenAddr, queue, cfg.Pipeline.QueueCapacity, metrics)
		group.Go(func() error {
			slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("iflytek", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []iflytek.Option
		if entry.Language != "" {
			opts = append(opts, iflytek.WithLanguage(entry.Language))
		}
		if accent := optString(entry.Options, "accent"); accent != "" {
			opts = append(opts, iflytek.WithAccent(accent))
		}
		if eos := optInt(entry.Options, "vad_eos"); eos > 0 {
			opts = append(opts, iflytek.WithVadEOS(eos))
		}
		if entry.Endpoint != "" {
			u, err := url.Parse(entry.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("iflytek endpoint %q: %w", entry.Endpoint, err)
			}
			opts = append(opts, iflytek.WithEndpoint(u.Host, u.Path))
		}
		return iflytek.New(entry.AppID, entry.APIKey, entry.APISecret, opts...)
	})

	reg.RegisterASR("funasr", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []funasr.Option
		if mode := optString(entry.Options, "mode"); mode != "" {
			opts = append(opts, funasr.WithMode(mode))
		}
		if itn, ok := optBool(entry.Options, "itn"); ok {
			opts = append(opts, funasr.WithITN(itn))
		}
		return funasr.New(entry.Endpoint, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if alpha := optFloat(entry.Options, "smoothing"); alpha > 0 {
			opts = append(opts, energy.WithSmoothing(alpha))
		}
		return energy.New(opts...), nil
	})
}

// sampleFrameCounters periodically folds the queue's enqueue/drop counters
// into the frame metrics. The counters are bumped on the device thread where
// instrument calls are off-limits, so the translation happens here.
func sampleFrameCounters(ctx context.Context, queue *audio.FrameQueue, metrics *observe.Metrics) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastEnqueued, lastDropped uint64
	record := func() {
		enqueued, dropped := queue.Enqueued(), queue.Dropped()
		metrics.FramesCaptured.Add(ctx, int64(enqueued-lastEnqueued))
		metrics.FramesDropped.Add(ctx, int64(dropped-lastDropped))
		lastEnqueued, lastDropped = enqueued, dropped
	}

	for {
		select {
		case <-ctx.Done():
			record()
			return nil
		case <-ticker.C:
			record()
		}
	}
}

// ── HTTP server ───────────────────────────────────────────────────────────────

// newHTTPServer builds the debug listener: Prometheus metrics plus liveness
// and readiness endpoints. Readiness fails when the frame queue is saturated,
// which means the pipeline has stalled behind capture.
func newHTTPServer(addr string, queue *audio.FrameQueue, capacity int, metrics *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	metricsHandler := promhttp.Handler()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		metricsHandler.ServeHTTP(w, r)
	})

	h := health.New(health.Checker{
		Name: "frame_queue",
		Check: func(context.Context) error {
			if n := queue.Len(); n >= capacity {
				return fmt.Errorf("queue saturated at %d frames", n)
			}
			return nil
		},
	})
	h.Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         earshot — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("ASR", cfg.Providers.ASR.Name)
	printField("VAD", cfg.Providers.VAD.Name)
	printField("Sample rate", fmt.Sprintf("%d Hz / %d ms", cfg.Audio.SampleRate, cfg.Audio.FrameSizeMs))
	if cfg.Sink.CoreEndpoint != "" {
		printField("Core", cfg.Sink.CoreEndpoint)
	} else {
		printField("Core", "(log only)")
	}
	if cfg.Server.ListenAddr != "" {
		printField("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an int value, tolerating the int/float64 ambiguity of
// decoded YAML numbers.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optFloat extracts a float value.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// optBool extracts a bool value; ok reports whether the key was present with
// a bool value at all, so explicit false is distinguishable from absent.
func optBool(opts map[string]any, key string) (value, ok bool) {
	v, present := opts[key]
	if !present {
		return false, false
	}
	b, isBool := v.(bool)
	return b, isBool
}
