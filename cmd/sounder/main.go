package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rjboer/GoSounder/internal/app"
	"github.com/rjboer/GoSounder/internal/calib"
	"github.com/rjboer/GoSounder/internal/dsp"
	"github.com/rjboer/GoSounder/internal/logging"
	"github.com/rjboer/GoSounder/internal/radio"
	"github.com/rjboer/GoSounder/internal/sdr"
	"github.com/rjboer/GoSounder/internal/tdd"
	"github.com/rjboer/GoSounder/internal/telemetry"
)

func main() {
	const configPath = "sounder.json"

	persistentCfg, err := loadOrCreateConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cfg, err := parseConfig(os.Args[1:], os.LookupEnv, persistentCfg)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	if err := saveConfig(configPath, persistentFromCLI(cfg)); err != nil {
		log.Fatalf("save config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	logging.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, err := selectBackend(cfg)
	if err != nil {
		log.Fatalf("select backend: %v", err)
	}
	appCfg, closeSensors, err := appConfig(cfg)
	if err != nil {
		log.Fatalf("app config: %v", err)
	}
	defer closeSensors()

	reporters := []telemetry.Reporter{telemetry.NewStdoutReporter(logger)}
	if cfg.webAddr != "" {
		hub := telemetry.NewHub(cfg.historyLimit, logger)
		reporters = append(reporters, hub)
		go telemetry.NewWebServer(cfg.webAddr, hub).Start(ctx)
	}

	sounder := app.NewSounder(backend, telemetry.MultiReporter(reporters), logger, appCfg)
	if err := sounder.Init(ctx); err != nil {
		logger.Error("init sounder", logging.Err(err))
		os.Exit(1)
	}
	defer sounder.Close()
	logger.Info("sounder running", logging.String("calibration", sounder.Result().String()))

	if err := sounder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run sounder", logging.Err(err))
	}
}

type cliConfig struct {
	serials        []string
	hubSerials     []string
	clientSerials  []string
	channels       string
	sampleRate     float64
	frequency      float64
	rxGain         float64
	txGain         float64
	calTxGain      float64
	symbolSamples  int
	frames         []string
	clientFrames   []string
	beaconKind     string
	beaconAntenna  int
	beamsweep      bool
	calibrate      bool
	maxAttempts    int
	prefix         int
	referenceRadio int
	hub            int
	backend        string
	simSkews       string
	simLatency     int
	simNoise       float64
	discover       bool
	discoverySvc   string
	sshHosts       string
	sshUser        string
	sshKey         string
	sensorInterval time.Duration
	webAddr        string
	historyLimit   int
	logLevel       string
	logFormat      string
}

type persistentConfig struct {
	Serials        []string `json:"serials"`
	HubSerials     []string `json:"hub_serials,omitempty"`
	ClientSerials  []string `json:"client_serials,omitempty"`
	Channels       string   `json:"channels"`
	SampleRate     float64  `json:"sample_rate"`
	Frequency      float64  `json:"frequency"`
	RxGain         float64  `json:"rx_gain"`
	TxGain         float64  `json:"tx_gain"`
	CalTxGain      float64  `json:"cal_tx_gain"`
	SymbolSamples  int      `json:"symbol_samples"`
	Frames         []string `json:"frames"`
	ClientFrames   []string `json:"client_frames,omitempty"`
	BeaconKind     string   `json:"beacon_kind"`
	BeaconAntenna  int      `json:"beacon_antenna"`
	Beamsweep      bool     `json:"beamsweep"`
	Calibrate      bool     `json:"calibrate"`
	MaxAttempts    int      `json:"max_attempts"`
	Prefix         int      `json:"prefix"`
	ReferenceRadio int      `json:"reference_radio"`
	Hub            int      `json:"hub"`
	Backend        string   `json:"backend"`
	SimSkews       string   `json:"sim_skews,omitempty"`
	SimLatency     int      `json:"sim_latency"`
	SimNoise       float64  `json:"sim_noise"`
	Discover       bool     `json:"discover"`
	DiscoverySvc   string   `json:"discovery_service"`
	SSHHosts       string   `json:"ssh_hosts,omitempty"`
	SSHUser        string   `json:"ssh_user,omitempty"`
	SSHKey         string   `json:"ssh_key,omitempty"`
	SensorInterval string   `json:"sensor_interval"`
	WebAddr        string   `json:"web_addr"`
	HistoryLimit   int      `json:"history_limit"`
	LogLevel       string   `json:"log_level"`
	LogFormat      string   `json:"log_format"`
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, error) {
	cfg := cliConfig{}
	var serials, hubSerials, clientSerials, frames, clientFrames string
	defInterval, err := time.ParseDuration(orDefault(defaults.SensorInterval, "0s"))
	if err != nil {
		return cliConfig{}, fmt.Errorf("sensor_interval: %w", err)
	}

	fs := flag.NewFlagSet("sounder", flag.ContinueOnError)
	fs.StringVar(&serials, "serials", envString(lookup, "SOUNDER_SERIALS", strings.Join(defaults.Serials, ",")), "Comma separated base station radio serials")
	fs.StringVar(&hubSerials, "hub-serials", envString(lookup, "SOUNDER_HUB_SERIALS", strings.Join(defaults.HubSerials, ",")), "Comma separated trigger hub serials")
	fs.StringVar(&clientSerials, "client-serials", envString(lookup, "SOUNDER_CLIENT_SERIALS", strings.Join(defaults.ClientSerials, ",")), "Comma separated client radio serials")
	fs.StringVar(&cfg.channels, "channels", envString(lookup, "SOUNDER_CHANNELS", defaults.Channels), "Channel selection (A|B|AB)")
	fs.Float64Var(&cfg.sampleRate, "sample-rate", envFloat(lookup, "SOUNDER_SAMPLE_RATE", defaults.SampleRate), "Sample rate in Hz")
	fs.Float64Var(&cfg.frequency, "frequency", envFloat(lookup, "SOUNDER_FREQUENCY", defaults.Frequency), "Carrier frequency in Hz")
	fs.Float64Var(&cfg.rxGain, "rx-gain", envFloat(lookup, "SOUNDER_RX_GAIN", defaults.RxGain), "RX gain (dB)")
	fs.Float64Var(&cfg.txGain, "tx-gain", envFloat(lookup, "SOUNDER_TX_GAIN", defaults.TxGain), "TX gain (dB)")
	fs.Float64Var(&cfg.calTxGain, "cal-tx-gain", envFloat(lookup, "SOUNDER_CAL_TX_GAIN", defaults.CalTxGain), "TX gain during calibration (dB)")
	fs.IntVar(&cfg.symbolSamples, "symbol-samples", envInt(lookup, "SOUNDER_SYMBOL_SAMPLES", defaults.SymbolSamples), "Samples per symbol")
	fs.StringVar(&frames, "frames", envString(lookup, "SOUNDER_FRAMES", strings.Join(defaults.Frames, ",")), "Comma separated frame schedules (B,P,U,D,G)")
	fs.StringVar(&clientFrames, "client-frames", envString(lookup, "SOUNDER_CLIENT_FRAMES", strings.Join(defaults.ClientFrames, ",")), "Client frame schedules; one shared or one per client")
	fs.StringVar(&cfg.beaconKind, "beacon", envString(lookup, "SOUNDER_BEACON", defaults.BeaconKind), "Beacon sequence (sts|lts|gold-ifft|zadoff-chu|hadamard)")
	fs.IntVar(&cfg.beaconAntenna, "beacon-antenna", envInt(lookup, "SOUNDER_BEACON_ANTENNA", defaults.BeaconAntenna), "Antenna transmitting the beacon")
	fs.BoolVar(&cfg.beamsweep, "beamsweep", envBool(lookup, "SOUNDER_BEAMSWEEP", defaults.Beamsweep), "Sweep the beacon over all antennas with Hadamard weights")
	fs.BoolVar(&cfg.calibrate, "calibrate", envBool(lookup, "SOUNDER_CALIBRATE", defaults.Calibrate), "Run sample offset calibration before starting")
	fs.IntVar(&cfg.maxAttempts, "max-attempts", envInt(lookup, "SOUNDER_MAX_ATTEMPTS", defaults.MaxAttempts), "Calibration attempt budget")
	fs.IntVar(&cfg.prefix, "prefix", envInt(lookup, "SOUNDER_PREFIX", defaults.Prefix), "Zero samples ahead of the calibration reference")
	fs.IntVar(&cfg.referenceRadio, "reference-radio", envInt(lookup, "SOUNDER_REFERENCE_RADIO", defaults.ReferenceRadio), "Radio the others are aligned to")
	fs.IntVar(&cfg.hub, "hub", envInt(lookup, "SOUNDER_HUB", defaults.Hub), "Index into hub-serials triggering the cell (-1 triggers from the first radio)")
	fs.StringVar(&cfg.backend, "backend", envString(lookup, "SOUNDER_BACKEND", defaults.Backend), "Radio backend (sim)")
	fs.StringVar(&cfg.simSkews, "sim-skews", envString(lookup, "SOUNDER_SIM_SKEWS", defaults.SimSkews), "Simulated latch skews, serial=samples,...")
	fs.IntVar(&cfg.simLatency, "sim-latency", envInt(lookup, "SOUNDER_SIM_LATENCY", defaults.SimLatency), "Simulated propagation delay in samples")
	fs.Float64Var(&cfg.simNoise, "sim-noise", envFloat(lookup, "SOUNDER_SIM_NOISE", defaults.SimNoise), "Simulated noise standard deviation")
	fs.BoolVar(&cfg.discover, "discover", envBool(lookup, "SOUNDER_DISCOVER", defaults.Discover), "Check every serial is advertised over mDNS before bring-up")
	fs.StringVar(&cfg.discoverySvc, "discovery-service", envString(lookup, "SOUNDER_DISCOVERY_SERVICE", defaults.DiscoverySvc), "mDNS service type")
	fs.StringVar(&cfg.sshHosts, "ssh-hosts", envString(lookup, "SOUNDER_SSH_HOSTS", defaults.SSHHosts), "Sensor hosts over SSH, serial=host,...")
	fs.StringVar(&cfg.sshUser, "ssh-user", envString(lookup, "SOUNDER_SSH_USER", defaults.SSHUser), "SSH user for sensor reads")
	fs.StringVar(&cfg.sshKey, "ssh-key", envString(lookup, "SOUNDER_SSH_KEY", defaults.SSHKey), "SSH private key for sensor reads")
	fs.DurationVar(&cfg.sensorInterval, "sensor-interval", envDuration(lookup, "SOUNDER_SENSOR_INTERVAL", defInterval), "Sensor logging interval (0 disables)")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "SOUNDER_WEB_ADDR", defaults.WebAddr), "Optional web telemetry listen address (e.g. :8080)")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "SOUNDER_HISTORY_LIMIT", defaults.HistoryLimit), "Calibration attempts kept in telemetry history")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "SOUNDER_LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "SOUNDER_LOG_FORMAT", defaults.LogFormat), "Log format (text|json)")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	cfg.serials = splitList(serials)
	cfg.hubSerials = splitList(hubSerials)
	cfg.clientSerials = splitList(clientSerials)
	cfg.frames = splitList(frames)
	cfg.clientFrames = splitList(clientFrames)
	return cfg, nil
}

func persistentFromCLI(cfg cliConfig) persistentConfig {
	return persistentConfig{
		Serials:        cfg.serials,
		HubSerials:     cfg.hubSerials,
		ClientSerials:  cfg.clientSerials,
		Channels:       cfg.channels,
		SampleRate:     cfg.sampleRate,
		Frequency:      cfg.frequency,
		RxGain:         cfg.rxGain,
		TxGain:         cfg.txGain,
		CalTxGain:      cfg.calTxGain,
		SymbolSamples:  cfg.symbolSamples,
		Frames:         cfg.frames,
		ClientFrames:   cfg.clientFrames,
		BeaconKind:     cfg.beaconKind,
		BeaconAntenna:  cfg.beaconAntenna,
		Beamsweep:      cfg.beamsweep,
		Calibrate:      cfg.calibrate,
		MaxAttempts:    cfg.maxAttempts,
		Prefix:         cfg.prefix,
		ReferenceRadio: cfg.referenceRadio,
		Hub:            cfg.hub,
		Backend:        cfg.backend,
		SimSkews:       cfg.simSkews,
		SimLatency:     cfg.simLatency,
		SimNoise:       cfg.simNoise,
		Discover:       cfg.discover,
		DiscoverySvc:   cfg.discoverySvc,
		SSHHosts:       cfg.sshHosts,
		SSHUser:        cfg.sshUser,
		SSHKey:         cfg.sshKey,
		SensorInterval: cfg.sensorInterval.String(),
		WebAddr:        cfg.webAddr,
		HistoryLimit:   cfg.historyLimit,
		LogLevel:       cfg.logLevel,
		LogFormat:      cfg.logFormat,
	}
}

// appConfig builds the sounder configuration. The returned func closes any
// SSH sensor connections it opened.
func appConfig(cfg cliConfig) (app.Config, func(), error) {
	noop := func() {}
	kind, err := dsp.ParseKind(cfg.beaconKind)
	if err != nil {
		return app.Config{}, noop, err
	}

	rc := radio.DefaultConfig()
	rc.Serials = cfg.serials
	rc.Hub = cfg.hub
	rc.Channels = cfg.channels
	rc.SampleRate = cfg.sampleRate
	rc.Frequency = cfg.frequency
	rc.RxGain = [2]float64{cfg.rxGain, cfg.rxGain}
	rc.TxGain = [2]float64{cfg.txGain, cfg.txGain}
	rc.CalTxGain = [2]float64{cfg.calTxGain, cfg.calTxGain}
	rc.SymbolSamples = cfg.symbolSamples
	rc.BeaconAntenna = cfg.beaconAntenna
	rc.Beamsweep = cfg.beamsweep
	for _, f := range cfg.frames {
		rc.Frames = append(rc.Frames, tdd.FrameSchedule(f))
	}

	cc := calib.DefaultConfig()
	cc.MaxAttempts = cfg.maxAttempts
	cc.Prefix = cfg.prefix
	cc.ReferenceRadio = cfg.referenceRadio

	out := app.Config{
		Radio:            rc,
		HubSerials:       cfg.hubSerials,
		Calibrate:        cfg.calibrate,
		Calibration:      cc,
		BeaconKind:       kind,
		Discover:         cfg.discover,
		DiscoveryService: cfg.discoverySvc,
		SensorInterval:   cfg.sensorInterval,
	}

	if len(cfg.clientSerials) > 0 {
		clients := radio.ClientConfig{Config: rc}
		clients.Serials = cfg.clientSerials
		clients.Frames = nil
		for _, f := range cfg.clientFrames {
			clients.Frames = append(clients.Frames, tdd.FrameSchedule(f))
		}
		if len(clients.Frames) == 0 {
			clients.Frames = rc.Frames
		}
		out.Clients = &clients
	}

	hosts, err := parsePairs(cfg.sshHosts)
	if err != nil {
		return app.Config{}, noop, fmt.Errorf("ssh hosts: %w", err)
	}
	if len(hosts) == 0 {
		return out, noop, nil
	}
	var readers []*sdr.SSHSensorReader
	closeAll := func() {
		for _, r := range readers {
			r.Close()
		}
	}
	out.Radio.Sensors = make(map[string]sdr.SensorReader, len(hosts))
	for serial, host := range hosts {
		r, err := sdr.NewSSHSensorReader(sdr.SSHConfig{Host: host, User: cfg.sshUser, KeyPath: cfg.sshKey})
		if err != nil {
			closeAll()
			return app.Config{}, noop, fmt.Errorf("ssh sensors for %s: %w", serial, err)
		}
		readers = append(readers, r)
		out.Radio.Sensors[serial] = r
	}
	return out, closeAll, nil
}

func newLogger(cfg cliConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, os.Stderr), nil
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}
	defer f.Close()

	var cfg persistentConfig
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return persistentConfig{}, err
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func defaultPersistentConfig() persistentConfig {
	rc := radio.DefaultConfig()
	cc := calib.DefaultConfig()
	return persistentConfig{
		Serials:        []string{"RF3E000001", "RF3E000002", "RF3E000003", "RF3E000004"},
		Channels:       rc.Channels,
		SampleRate:     rc.SampleRate,
		Frequency:      rc.Frequency,
		RxGain:         rc.RxGain[0],
		TxGain:         rc.TxGain[0],
		CalTxGain:      rc.CalTxGain[0],
		SymbolSamples:  rc.SymbolSamples,
		Frames:         []string{"BGPPPPGGUUUUGG"},
		BeaconKind:     "gold-ifft",
		Calibrate:      true,
		MaxAttempts:    cc.MaxAttempts,
		Prefix:         cc.Prefix,
		ReferenceRadio: cc.ReferenceRadio,
		Backend:        "sim",
		SimSkews:       "RF3E000002=3,RF3E000003=-2,RF3E000004=5",
		DiscoverySvc:   "_soapy._tcp",
		SensorInterval: "10s",
		WebAddr:        ":8080",
		HistoryLimit:   500,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePairs parses "key=value,key=value".
func parsePairs(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(s) {
		k, v, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("malformed pair %q", item)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

func parseSkews(s string) (map[string]int, error) {
	pairs, err := parsePairs(s)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(pairs))
	for k, v := range pairs {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("skew for %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// selectBackend returns the radio opener. Only the simulated air is built
// in; hardware radios are reached through a driver that implements
// sdr.Opener.
func selectBackend(cfg cliConfig) (sdr.Opener, error) {
	switch cfg.backend {
	case "sim":
		skews, err := parseSkews(cfg.simSkews)
		if err != nil {
			return nil, fmt.Errorf("sim skews: %w", err)
		}
		return sdr.NewSimAir(sdr.SimConfig{
			Skews:   skews,
			Latency: cfg.simLatency,
			Noise:   cfg.simNoise,
			Seed:    time.Now().UnixNano(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %s", cfg.backend)
	}
}
