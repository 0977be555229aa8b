package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// MappingToolSettings configures the external tool that validates a submitted archive and
// maps it to the database. The values may be given in a TOML file named by
// MAPPING_TOOL_CONFIG; MAPPING_TOOL_* environment variables take precedence.
type MappingToolSettings struct {
	JavaCommand            string        `toml:"java_command"`
	Jar                    string        `toml:"jar"`
	DatabaseAccessConfig   string        `toml:"database_access_config"`
	LogDir                 string        `toml:"log_dir"`
	ProposalsDir           string        `toml:"proposals_dir"`
	APIKey                 string        `toml:"api_key"`
	PiptDir                string        `toml:"pipt_dir"`
	WebManagerURL          string        `toml:"web_manager_url"`
	EphemerisURL           string        `toml:"ephemeris_url"`
	FinderChartTool        string        `toml:"finder_chart_tool"`
	PythonInterpreter      string        `toml:"python_interpreter"`
	ImageConversionCommand string        `toml:"image_conversion_command"`
	SentryDSN              string        `toml:"sentry_dsn"`
	Timeout                time.Duration `toml:"-"`
	TimeoutRaw             string        `toml:"timeout"`
}

// Settings collects the runtime configuration of the submission API.
type Settings struct {
	ServerPort         string
	FrontendURI        string
	UploadPath         string
	MaxSubmissionBytes int64
	JWTSecret          string
	JWTExpireHours     int
	LogsToken          string
	MailEnabled        bool
	ProgressPoll       time.Duration
	MappingTool        MappingToolSettings
}

func GetEnv(key string, defaultValue ...string) string {
	value, exists := os.LookupEnv(key)
	if (!exists || value == "") && len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return value
}

func GetEnvBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}
	return v
}

func GetEnvInt64(key string, defaultValue int64) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64)
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

// LoadSettings reads the settings from the environment (and the optional mapping tool
// TOML file).
func LoadSettings() (*Settings, error) {
	tool, err := loadMappingToolSettings()
	if err != nil {
		return nil, err
	}

	s := &Settings{
		ServerPort:         GetEnv("SERVER_PORT", "8080"),
		FrontendURI:        GetEnv("FRONTEND_URI", "http://localhost:3000"),
		UploadPath:         GetEnv("UPLOAD_PATH", "./uploads/submissions"),
		MaxSubmissionBytes: GetEnvInt64("SUBMISSION_MAX_BYTES", 100<<20),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		JWTExpireHours:     int(GetEnvInt64("JWT_EXPIRE_HOURS", 7*24)),
		LogsToken:          os.Getenv("LOGS_TOKEN"),
		MailEnabled:        GetEnvBool("SUBMISSION_MAIL_ENABLED", false),
		ProgressPoll:       GetEnvDuration("PROGRESS_POLL_INTERVAL", time.Second),
		MappingTool:        tool,
	}
	if s.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET must be set")
	}
	return s, nil
}

func loadMappingToolSettings() (MappingToolSettings, error) {
	var tool MappingToolSettings
	if path := os.Getenv("MAPPING_TOOL_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &tool); err != nil {
			return tool, fmt.Errorf("read mapping tool config %s: %w", path, err)
		}
	}

	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&tool.JavaCommand, "MAPPING_TOOL_JAVA_COMMAND")
	override(&tool.Jar, "MAPPING_TOOL_JAR")
	override(&tool.DatabaseAccessConfig, "MAPPING_TOOL_DATABASE_ACCESS_CONFIG")
	override(&tool.LogDir, "MAPPING_TOOL_LOG_DIR")
	override(&tool.ProposalsDir, "MAPPING_TOOL_PROPOSALS_DIR")
	override(&tool.APIKey, "MAPPING_TOOL_API_KEY")
	override(&tool.PiptDir, "MAPPING_TOOL_PIPT_DIR")
	override(&tool.WebManagerURL, "MAPPING_TOOL_WEB_MANAGER_URL")
	override(&tool.EphemerisURL, "MAPPING_TOOL_EPHEMERIS_URL")
	override(&tool.FinderChartTool, "MAPPING_TOOL_FINDER_CHART_TOOL")
	override(&tool.PythonInterpreter, "MAPPING_TOOL_PYTHON_INTERPRETER")
	override(&tool.ImageConversionCommand, "MAPPING_TOOL_IMAGE_CONVERSION_COMMAND")
	override(&tool.SentryDSN, "MAPPING_TOOL_SENTRY_DSN")
	override(&tool.TimeoutRaw, "MAPPING_TOOL_TIMEOUT")

	if tool.JavaCommand == "" {
		tool.JavaCommand = "java"
	}
	if tool.PythonInterpreter == "" {
		tool.PythonInterpreter = "python3"
	}
	tool.Timeout = 30 * time.Minute
	if tool.TimeoutRaw != "" {
		d, err := time.ParseDuration(tool.TimeoutRaw)
		if err != nil || d <= 0 {
			return tool, fmt.Errorf("invalid mapping tool timeout %q", tool.TimeoutRaw)
		}
		tool.Timeout = d
	}
	return tool, nil
}
