package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Configuration keys. Env overrides use the TRANSCRIBER_ prefix with the key
// upper-cased, e.g. TRANSCRIBER_MODEL_NAME.
const (
	KeyModelName               = "model_name"
	KeyDevice                  = "device"
	KeyComputeType             = "compute_type"
	KeyBeamSize                = "beam_size"
	KeyTemperature             = "temperature"
	KeyNoSpeechThreshold       = "no_speech_threshold"
	KeyConditionOnPreviousText = "condition_on_previous_text"
	KeyVADFilter               = "vad_filter"
	KeyWordTimestamps          = "word_timestamps"
	KeyTask                    = "task"
	KeyLanguage                = "default_language"
	KeyFormat                  = "default_format"
	KeyOutputDir               = "output_directory"
	KeyModelsDir               = "models_dir"
	KeyEnvDir                  = "env_dir"
	KeyPythonPath              = "python_path"
	KeyAcceleratorURL          = "accelerator_url"
	KeyHistoryDB               = "history_db"
	KeyListenAddr              = "listen_addr"
	KeyLogLevel                = "log_level"
	KeyLogFormat               = "log_format"
)

const (
	envPrefix  = "TRANSCRIBER"
	configName = "transcriber"
	appDirName = ".transcription-engine"
)

// Keys lists every recognised key in a stable order.
var Keys = []string{
	KeyModelName, KeyDevice, KeyComputeType, KeyBeamSize, KeyTemperature,
	KeyNoSpeechThreshold, KeyConditionOnPreviousText, KeyVADFilter, KeyWordTimestamps,
	KeyTask, KeyLanguage, KeyFormat, KeyOutputDir, KeyModelsDir, KeyEnvDir,
	KeyPythonPath, KeyAcceleratorURL, KeyHistoryDB, KeyListenAddr, KeyLogLevel, KeyLogFormat,
}

// Defaults returns baseline values for first launch.
func Defaults() map[string]any {
	return map[string]any{
		KeyModelName:               "small",
		KeyDevice:                  "auto",
		KeyComputeType:             "float16",
		KeyBeamSize:                5,
		KeyTemperature:             0.0,
		KeyNoSpeechThreshold:       0.6,
		KeyConditionOnPreviousText: true,
		KeyVADFilter:               true,
		KeyWordTimestamps:          true,
		KeyTask:                    "transcribe",
		KeyLanguage:                "auto",
		KeyFormat:                  "srt",
		KeyOutputDir:               "",
		KeyModelsDir:               filepath.Join("~", appDirName, "models"),
		KeyEnvDir:                  filepath.Join("~", appDirName, "env"),
		KeyPythonPath:              "python",
		KeyAcceleratorURL:          "",
		KeyHistoryDB:               filepath.Join("~", appDirName, "history.db"),
		KeyListenAddr:              "127.0.0.1:8750",
		KeyLogLevel:                "info",
		KeyLogFormat:               "text",
	}
}

func setDefaults(v *viper.Viper) {
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
}

// DefaultConfigPath is where Save writes when no file was given.
func DefaultConfigPath() string {
	return filepath.Join(homeDir(), appDirName, configName+".yaml")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}
