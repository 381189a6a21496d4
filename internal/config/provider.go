package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/events"
	"transcription-engine/internal/logging"
)

// ErrUnknownKey is returned by Set for keys outside Keys.
var ErrUnknownKey = errors.New("unknown configuration key")

// Provider is the live configuration backed by viper. Reads take a snapshot
// under the lock; writes publish config.changed after releasing it.
type Provider struct {
	log logrus.FieldLogger

	mu   sync.RWMutex
	v    *viper.Viper
	path string
	bus  *events.Bus

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Load reads defaults, then the config file, then TRANSCRIBER_* env vars.
// An explicit path that does not exist yet is remembered for Save.
func Load(path string, logger logrus.FieldLogger) (*Provider, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(homeDir(), appDirName))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	resolved := v.ConfigFileUsed()
	if resolved == "" {
		resolved = path
	}
	p := &Provider{
		log:  logging.Component(logger, "config"),
		v:    v,
		path: resolved,
	}
	p.log.WithField("file", resolved).Debug("configuration loaded")
	return p, nil
}

// Path returns the file used for Save and Watch.
func (p *Provider) Path() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.path == "" {
		return DefaultConfigPath()
	}
	return p.path
}

// SetBus attaches the bus that receives config.changed events.
func (p *Provider) SetBus(bus *events.Bus) {
	p.mu.Lock()
	p.bus = bus
	p.mu.Unlock()
}

// Settings returns the normalized current configuration.
func (p *Provider) Settings() domain.Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return settingsFrom(p.v)
}

// ExecutionParameters returns the parameter template captured by new jobs.
func (p *Provider) ExecutionParameters() domain.ExecutionParameters {
	return ParametersFromSettings(p.Settings())
}

// Get returns the raw value of key.
func (p *Provider) Get(key string) (any, error) {
	if !lo.Contains(Keys, key) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.Get(key), nil
}

// Set overrides one key in memory and announces the change.
func (p *Provider) Set(key string, value any) error {
	if !lo.Contains(Keys, key) {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	p.mu.Lock()
	p.v.Set(key, value)
	bus := p.bus
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{"key": key, "value": value}).Info("configuration changed")
	if bus != nil {
		bus.Publish(events.TopicConfigChanged, events.ConfigChanged{Key: key, Value: value})
	}
	return nil
}

// Save writes every key to the config file.
func (p *Provider) Save() error {
	path := p.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	p.path = path
	return nil
}

// Watch re-reads the config file when it changes on disk and publishes one
// config.changed event per key whose value differs.
func (p *Provider) Watch() error {
	path := p.Path()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	p.mu.Lock()
	if p.watcher != nil {
		p.mu.Unlock()
		watcher.Close()
		return nil
	}
	p.watcher = watcher
	p.stop = make(chan struct{})
	if p.path == "" {
		p.path = path
		p.v.SetConfigFile(path)
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.watchLoop(watcher, filepath.Clean(path))
	p.log.WithField("file", path).Info("watching configuration")
	return nil
}

func (p *Provider) watchLoop(watcher *fsnotify.Watcher, path string) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				p.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.log.WithError(err).Warn("configuration watcher error")
		}
	}
}

func (p *Provider) reload() {
	p.mu.Lock()
	before := snapshot(p.v)
	if err := p.v.ReadInConfig(); err != nil {
		p.mu.Unlock()
		p.log.WithError(err).Warn("reload configuration")
		return
	}
	after := snapshot(p.v)
	bus := p.bus
	p.mu.Unlock()

	for _, key := range Keys {
		if reflect.DeepEqual(before[key], after[key]) {
			continue
		}
		p.log.WithField("key", key).Info("configuration changed on disk")
		if bus != nil {
			bus.Publish(events.TopicConfigChanged, events.ConfigChanged{Key: key, Value: after[key]})
		}
	}
}

// Close stops the file watcher.
func (p *Provider) Close() error {
	p.mu.Lock()
	watcher := p.watcher
	stop := p.stop
	p.watcher = nil
	p.mu.Unlock()
	if watcher == nil {
		return nil
	}
	close(stop)
	err := watcher.Close()
	p.wg.Wait()
	return err
}

func snapshot(v *viper.Viper) map[string]any {
	out := make(map[string]any, len(Keys))
	for _, key := range Keys {
		out[key] = fmt.Sprint(v.Get(key))
	}
	return out
}

func settingsFrom(v *viper.Viper) domain.Settings {
	s := domain.Settings{
		ModelName:               strings.TrimSpace(v.GetString(KeyModelName)),
		Device:                  string(domain.ParseDevice(v.GetString(KeyDevice))),
		ComputeType:             strings.TrimSpace(v.GetString(KeyComputeType)),
		BeamSize:                v.GetInt(KeyBeamSize),
		Temperature:             v.GetFloat64(KeyTemperature),
		NoSpeechThreshold:       v.GetFloat64(KeyNoSpeechThreshold),
		ConditionOnPreviousText: v.GetBool(KeyConditionOnPreviousText),
		VADFilter:               v.GetBool(KeyVADFilter),
		WordTimestamps:          v.GetBool(KeyWordTimestamps),
		Task:                    strings.ToLower(strings.TrimSpace(v.GetString(KeyTask))),
		Language:                strings.ToLower(strings.TrimSpace(v.GetString(KeyLanguage))),
		Format:                  string(domain.ParseOutputFormat(v.GetString(KeyFormat))),
		OutputDir:               expandHome(strings.TrimSpace(v.GetString(KeyOutputDir))),
		ModelsDir:               expandHome(strings.TrimSpace(v.GetString(KeyModelsDir))),
		EnvDir:                  expandHome(strings.TrimSpace(v.GetString(KeyEnvDir))),
		PythonPath:              strings.TrimSpace(v.GetString(KeyPythonPath)),
		AcceleratorURL:          strings.TrimSpace(v.GetString(KeyAcceleratorURL)),
		HistoryDB:               expandHome(strings.TrimSpace(v.GetString(KeyHistoryDB))),
		ListenAddr:              strings.TrimSpace(v.GetString(KeyListenAddr)),
		LogLevel:                strings.TrimSpace(v.GetString(KeyLogLevel)),
		LogFormat:               strings.TrimSpace(v.GetString(KeyLogFormat)),
	}
	return normalizeSettings(s)
}

func normalizeSettings(s domain.Settings) domain.Settings {
	if s.ModelName == "" {
		s.ModelName = "small"
	}
	if s.BeamSize < 1 {
		s.BeamSize = 1
	}
	if s.Task != "translate" {
		s.Task = "transcribe"
	}
	if s.Language == "" {
		s.Language = "auto"
	}
	if s.PythonPath == "" {
		s.PythonPath = "python"
	}
	return s
}

// ParametersFromSettings builds the per-job parameter template. The "auto"
// language means detection and is passed on as unset.
func ParametersFromSettings(s domain.Settings) domain.ExecutionParameters {
	s = normalizeSettings(s)
	language := s.Language
	if language == "auto" {
		language = ""
	}
	return domain.ExecutionParameters{
		ModelName:               s.ModelName,
		Language:                language,
		Task:                    s.Task,
		BeamSize:                s.BeamSize,
		Temperature:             s.Temperature,
		NoSpeechThreshold:       s.NoSpeechThreshold,
		ConditionOnPreviousText: s.ConditionOnPreviousText,
		VADFilter:               s.VADFilter,
		WordTimestamps:          s.WordTimestamps,
		Device:                  domain.ParseDevice(s.Device),
		ComputeType:             s.ComputeType,
		OutputFormat:            domain.ParseOutputFormat(s.Format),
		OutputDir:               s.OutputDir,
	}
}
