package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/amankumarsingh77/comfyui-router/pkg/retry"
)

const envPrefix = "ROUTER"

// EncoderMode selects the transcode backend.
type EncoderMode string

const (
	EncoderCPU  EncoderMode = "cpu"  // libx265
	EncoderGPU  EncoderMode = "gpu"  // hevc_nvenc
	EncoderAuto EncoderMode = "auto" // gpu when ffmpeg reports hevc_nvenc
)

// OutputBackend selects where the ComfyUI artifact is picked up from.
type OutputBackend string

const (
	BackendLocal OutputBackend = "local"
	BackendHTTP  OutputBackend = "http"
	BackendS3    OutputBackend = "s3"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Comfy     ComfyConfig     `mapstructure:"comfy" validate:"required"`
	Workflows WorkflowsConfig `mapstructure:"workflows" validate:"required"`
	Polling   PollingConfig   `mapstructure:"polling" validate:"required"`
	Transcode TranscodeConfig `mapstructure:"transcode" validate:"required"`
	Paths     PathsConfig     `mapstructure:"paths" validate:"required"`
	Output    OutputConfig    `mapstructure:"output" validate:"required"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Checks    ChecksConfig    `mapstructure:"checks"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Logger    Logger          `mapstructure:"logger"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  DBConfig        `mapstructure:"postgres"`
	S3        S3Config        `mapstructure:"s3"`
}

type ServerConfig struct {
	AppVersion string `mapstructure:"app_version"`
	Mode       string `mapstructure:"mode"`
}

type ComfyConfig struct {
	URL            string        `mapstructure:"url" validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

// Bucket is one row of the resolution threshold table. MaxFPS of zero
// matches any frame rate.
type Bucket struct {
	Name      string  `mapstructure:"name" validate:"required"`
	MaxWidth  int     `mapstructure:"max_width" validate:"gt=0"`
	MaxHeight int     `mapstructure:"max_height" validate:"gt=0"`
	MaxFPS    float64 `mapstructure:"max_fps" validate:"gte=0"`
	Template  string  `mapstructure:"template" validate:"required"`
}

type WorkflowsConfig struct {
	Dir      string   `mapstructure:"dir" validate:"required"`
	Fallback string   `mapstructure:"fallback" validate:"required"`
	Buckets  []Bucket `mapstructure:"buckets" validate:"required,min=1,dive"`
}

// Names returns every template referenced by the table, fallback included.
func (w WorkflowsConfig) Names() []string {
	seen := make(map[string]bool, len(w.Buckets)+1)
	names := make([]string, 0, len(w.Buckets)+1)
	for _, b := range w.Buckets {
		if !seen[b.Template] {
			seen[b.Template] = true
			names = append(names, b.Template)
		}
	}
	if !seen[w.Fallback] {
		names = append(names, w.Fallback)
	}
	return names
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gt=0"`
	Interval    time.Duration `mapstructure:"interval" validate:"gte=0"`
	Multiplier  float64       `mapstructure:"multiplier" validate:"gte=0"`
	MaxInterval time.Duration `mapstructure:"max_interval" validate:"gte=0"`
}

// Policy converts the configured values into a retry.Policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		Interval:    r.Interval,
		Multiplier:  r.Multiplier,
		MaxInterval: r.MaxInterval,
	}
}

type PollingConfig struct {
	Status     RetryConfig `mapstructure:"status" validate:"required"`
	Visibility RetryConfig `mapstructure:"visibility" validate:"required"`
	Transient  RetryConfig `mapstructure:"transient" validate:"required"`
	Ready      RetryConfig `mapstructure:"ready"`
}

type TranscodeConfig struct {
	Mode      EncoderMode `mapstructure:"mode" validate:"required,oneof=cpu gpu auto"`
	CPUPreset string      `mapstructure:"cpu_preset" validate:"required"`
	GPUPreset string      `mapstructure:"gpu_preset" validate:"required"`
	Quality   int         `mapstructure:"quality" validate:"gte=0,lte=51"`
	MaxFPS    float64     `mapstructure:"max_fps" validate:"gte=0"`
	Container string      `mapstructure:"container" validate:"required,oneof=mp4 mkv mov"`

	// Deinterlace runs yadif over interlaced inputs before submission.
	Deinterlace        bool `mapstructure:"deinterlace"`
	DeinterlaceQuality int  `mapstructure:"deinterlace_quality" validate:"gte=0,lte=51"`

	// StandardSizes lists the delivery frame sizes. Artifacts further than
	// SizeTolerance pixels from all of them are scaled or cropped onto the
	// nearest one. Empty disables the fix.
	StandardSizes []Size `mapstructure:"standard_sizes" validate:"dive"`
	SizeTolerance int    `mapstructure:"size_tolerance" validate:"gte=0"`
}

type Size struct {
	Width  int `mapstructure:"width" validate:"gt=0"`
	Height int `mapstructure:"height" validate:"gt=0"`
}

// ChecksConfig holds the output sanity thresholds. Zero disables a check.
type ChecksConfig struct {
	DurationDelta time.Duration `mapstructure:"duration_delta" validate:"gte=0"`
	DurationRatio float64       `mapstructure:"duration_ratio" validate:"gte=0"`
}

type PathsConfig struct {
	InputDir    string `mapstructure:"input_dir" validate:"required"`
	OutputDir   string `mapstructure:"output_dir" validate:"required"`
	DeliveryDir string `mapstructure:"delivery_dir" validate:"required"`
	WorkDir     string `mapstructure:"work_dir" validate:"required"`
	TrashDir    string `mapstructure:"trash_dir"`
	LogDir      string `mapstructure:"log_dir"`
	HostRoot    string `mapstructure:"host_root"`
	VisibleRoot string `mapstructure:"visible_root"`
}

type OutputConfig struct {
	Backend      OutputBackend `mapstructure:"backend" validate:"required,oneof=local http s3"`
	StableChecks int           `mapstructure:"stable_checks" validate:"gte=0"`
	S3Bucket     string        `mapstructure:"s3_bucket" validate:"required_if=Backend s3"`
	S3Prefix     string        `mapstructure:"s3_prefix"`
}

type AdaptiveBatch struct {
	Enabled             bool      `mapstructure:"enabled"`
	PerFrameCostPercent float64   `mapstructure:"per_frame_cost_percent" validate:"required_if=Enabled true"`
	HardCeiling         int       `mapstructure:"hard_ceiling"`
	BaselinePercent     float64   `mapstructure:"baseline_percent"`
	SpikeMargin         float64   `mapstructure:"spike_margin"`
	RAMCaps             []RAMCaps `mapstructure:"ram_caps" validate:"dive"`
}

// RAMCaps caps memory usage at Cap (0..1) when the free RAM ratio is at
// least Threshold.
type RAMCaps struct {
	Threshold float64 `mapstructure:"threshold" validate:"gte=0,lte=1"`
	Cap       float64 `mapstructure:"cap" validate:"gt=0,lte=1"`
}

type BatchConfig struct {
	MinSize  int           `mapstructure:"min_size" validate:"gte=0"`
	MaxSize  int           `mapstructure:"max_size" validate:"gtefield=MinSize"`
	Adaptive AdaptiveBatch `mapstructure:"adaptive"`
}

type TimeoutsConfig struct {
	Probe     time.Duration `mapstructure:"probe"`
	Submit    time.Duration `mapstructure:"submit"`
	Transcode time.Duration `mapstructure:"transcode"`
	Lock      time.Duration `mapstructure:"lock"`
}

type CleanupConfig struct {
	TrashSource bool `mapstructure:"trash_source"`
	PurgeDays   int  `mapstructure:"purge_days" validate:"gte=0"`
}

type WorkerConfig struct {
	MaxCPUUsage   float64       `mapstructure:"max_cpu_usage" validate:"gte=0,lte=100"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type Logger struct {
	Development       bool   `mapstructure:"development"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	Encoding          string `mapstructure:"encoding"`
	Level             string `mapstructure:"level"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PgDriver string `mapstructure:"pg_driver"`
}

type RedisConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	DB            int    `mapstructure:"db"`
	MinIdleConns  int    `mapstructure:"min_idle_conns"`
	PoolSize      int    `mapstructure:"pool_size"`
	PoolTimeout   int    `mapstructure:"pool_timeout"`
	UseTLS        bool   `mapstructure:"use_tls"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(filename)
	v.AddConfigPath(".")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFound) {
			return nil, errors.New("config file not found")
		}
		return nil, err
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("comfy.request_timeout", 30*time.Second)
	v.SetDefault("polling.ready.max_attempts", 60)
	v.SetDefault("polling.ready.interval", 5*time.Second)
	v.SetDefault("transcode.max_fps", 60)
	v.SetDefault("transcode.container", "mp4")
	v.SetDefault("transcode.deinterlace_quality", 17)
	v.SetDefault("transcode.size_tolerance", 10)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks struct tags plus the cross-field rules the tags cannot
// express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if (c.Paths.HostRoot == "") != (c.Paths.VisibleRoot == "") {
		return errors.New("paths.host_root and paths.visible_root must be set together")
	}
	for name, r := range map[string]RetryConfig{
		"status":     c.Polling.Status,
		"visibility": c.Polling.Visibility,
		"transient":  c.Polling.Transient,
		"ready":      c.Polling.Ready,
	} {
		if r.Multiplier > 1 && r.MaxInterval <= 0 {
			return fmt.Errorf("polling.%s.max_interval is required when multiplier > 1", name)
		}
	}
	if c.Cleanup.TrashSource && c.Paths.TrashDir == "" {
		return errors.New("cleanup.trash_source requires paths.trash_dir")
	}
	return nil
}

// RedisEnabled reports whether a Redis lock store is configured.
func (c *Config) RedisEnabled() bool { return c.Redis.RedisAddr != "" }

// PostgresEnabled reports whether run history should be persisted.
func (c *Config) PostgresEnabled() bool { return c.Postgres.Host != "" }
