// Command gb28181agent runs one GB28181 device agent: it registers
// with a platform, answers its Query/Notify traffic, and pushes video
// once the platform invites it to. Downstream broadcast audio is
// received and each frame is logged at debug level; it is not played
// or recorded.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/meshedge/gb28181agent/internal/agentconfig"
	"github.com/meshedge/gb28181agent/internal/agentlog"
	"github.com/meshedge/gb28181agent/internal/device"
	"github.com/meshedge/gb28181agent/internal/g711"
	"github.com/meshedge/gb28181agent/internal/manscdp"
	"github.com/meshedge/gb28181agent/internal/psmux"
	"github.com/meshedge/gb28181agent/internal/sipagent"
)

func main() {
	confPathFromEnv := os.Getenv("GB28181AGENT_CONFIG_FILE")
	if confPathFromEnv == "" {
		confPathFromEnv = "agent.yaml"
	}
	configPath := flag.String("config", confPathFromEnv, "agent config file")
	demoFile := flag.String("demo-file", "", "Annex-B H.264 elementary stream to loop as a synthetic video source once a push session starts")
	demoFPS := flag.Int("demo-fps", 25, "frame rate to pace the demo file at")
	logLevel := flag.String("log-level", "", "override the config file's log level")
	flag.Parse()

	cfg, err := agentconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gb28181agent:", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := agentlog.New(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gb28181agent:", err)
		os.Exit(1)
	}

	identity := device.Identity{
		LocalHost:      cfg.LocalIP,
		LocalSIPPort:   cfg.LocalSIPPort,
		PlatformHost:   cfg.PlatformHost,
		PlatformPort:   cfg.PlatformPort,
		PlatformID:     cfg.PlatformID,
		PlatformDomain: cfg.PlatformDomain,
		DeviceID:       cfg.DeviceID,
		SerialNumber:   cfg.SerialNumber,
		DeviceName:     cfg.DeviceName,
		Password:       cfg.Password,
		Longitude:      cfg.Longitude,
		Latitude:       cfg.Latitude,
	}

	keepalive, err := time.ParseDuration(cfg.KeepaliveInterval)
	if err != nil {
		logger.Warn("invalid keepalive_interval, using 30s", "value", cfg.KeepaliveInterval, "err", err)
		keepalive = 30 * time.Second
	}

	audioLaw := g711.ALaw
	if strings.EqualFold(cfg.AudioLaw, "mulaw") || strings.EqualFold(cfg.AudioLaw, "pcmu") {
		audioLaw = g711.MuLaw
	}

	agentCfg := sipagent.Config{
		Identity: identity,
		DeviceInfo: manscdp.DeviceInfo{
			ID:           cfg.DeviceID,
			Name:         cfg.DeviceName,
			Manufacturer: "gb28181agent",
			Model:        "edge-agent",
			Firmware:     "1.0.0",
			SerialNumber: cfg.SerialNumber,
		},
		RegisterExpires:   cfg.RegisterExpires,
		KeepaliveInterval: keepalive,
		AudioLaw:          audioLaw,
	}

	agent, err := sipagent.NewFromConfig(agentCfg, logger, func(code int, message string) {
		logger.Info("agent event", "code", code, "message", message)
	})
	if err != nil {
		logger.Error("build agent", "err", err)
		os.Exit(1)
	}
	agent.SetAudioSink(func(raw []byte, pcm []int16) {
		logger.Debug("downstream audio frame", "raw_bytes", len(raw), "samples", len(pcm))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(ctx); err != nil {
		logger.Error("register failed", "err", err)
	}

	var stopDemo func()
	if *demoFile != "" {
		stopDemo = runDemoVideoProducer(ctx, agent, *demoFile, *demoFPS, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if stopDemo != nil {
		stopDemo()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	agent.Stop(shutdownCtx)
}

// runDemoVideoProducer loops an Annex-B elementary stream file into
// the agent's muxer whenever a push session is active, pacing frames
// at fps and stamping each NALU's PTS from a monotonic frame counter,
// as this agent's timing model requires. It is a stand-in for a real
// capture/encoder pipeline and is only wired up via -demo-file.
func runDemoVideoProducer(ctx context.Context, agent *sipagent.Agent, path string, fps int, logger *slog.Logger) func() {
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Error("demo file unreadable, video producer disabled", "path", path, "err", err)
		return func() {}
	}
	nalus := psmux.SplitAnnexB(raw)
	if len(nalus) == 0 {
		logger.Error("demo file has no Annex-B NALUs, video producer disabled", "path", path)
		return func() {}
	}
	if fps <= 0 {
		fps = 25
	}

	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticksPerSecond := 90000 / fps
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()

		var frameCount uint64
		var nextNALU int
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				muxer := agent.Muxer()
				if muxer == nil {
					continue
				}
				pts := frameCount * uint64(ticksPerSecond)
				frame := nalus[nextNALU%len(nalus)].Payload
				if err := muxer.WriteVideoFrame(withStartCode(frame), pts); err != nil {
					logger.Warn("demo write video frame failed", "err", err)
				}
				frameCount++
				nextNALU++
			}
		}
	}()

	return func() {
		close(stopCh)
		wg.Wait()
	}
}

func withStartCode(nalu []byte) []byte {
	out := make([]byte, 0, len(psmux.StartCode4)+len(nalu))
	out = append(out, psmux.StartCode4[:]...)
	return append(out, nalu...)
}
