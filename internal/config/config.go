package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/facetrack/internal/constants"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Distance metrics understood by the matcher.
const (
	MetricEuclidean = "euclidean"
	MetricCosine    = "cosine"
)

type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Registry    RegistryConfig    `yaml:"registry"`
	Store       StoreConfig       `yaml:"store"`
	Remote      RemoteConfig      `yaml:"remote"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Web         WebConfig         `yaml:"web"`
}

type CameraConfig struct {
	Index       int           `yaml:"index"`        // video device index, used when Device is empty
	Device      string        `yaml:"device"`       // explicit ffmpeg input (e.g., /dev/video2, rtsp://...)
	Format      string        `yaml:"format"`       // ffmpeg input format for local devices (default v4l2)
	SnapshotURL string        `yaml:"snapshot_url"` // poll a JPEG snapshot endpoint instead of running ffmpeg
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	FPS         int           `yaml:"fps"`
	Scale       float64       `yaml:"scale"` // downscale factor applied before face encoding
	ReadTimeout time.Duration `yaml:"read_timeout"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	MaxFailures int           `yaml:"max_failures"` // consecutive read failures before the camera is declared unavailable
}

// DevicePath returns the ffmpeg input for the camera.
func (c *CameraConfig) DevicePath() string {
	if c.Device != "" {
		return c.Device
	}
	return fmt.Sprintf("/dev/video%d", c.Index)
}

type RecognitionConfig struct {
	MaxFaceDistance    float64       `yaml:"max_face_distance"`
	Metric             string        `yaml:"metric"`
	FrameSkip          int           `yaml:"frame_skip"`
	RequiredDetections int           `yaml:"required_detections"`
	DetectionWindow    time.Duration `yaml:"detection_window"`
	ScanInterval       time.Duration `yaml:"scan_interval"`
	BufferCapacity     int           `yaml:"buffer_capacity"`
	MatchDelay         time.Duration `yaml:"match_delay"` // pause after each matched frame to bound CPU use
}

type RegistryConfig struct {
	FacesDir    string `yaml:"faces_directory"`
	HNSWMinSize int    `yaml:"hnsw_min_size"` // rosters at least this large are searched through the HNSW index
	Concurrency int    `yaml:"concurrency"`   // parallel encoding requests while building
}

type StoreConfig struct {
	Driver       string `yaml:"driver"`
	Path         string `yaml:"path"` // SQLite database file
	URL          string `yaml:"url"`  // PostgreSQL connection URL
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RemoteConfig struct {
	BaseURL string        `yaml:"api_base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type EmbeddingConfig struct {
	URL     string        `yaml:"url"` // defaults to http://localhost:8000
	Timeout time.Duration `yaml:"timeout"`
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Token          string   `yaml:"token"`           // bearer token required on the control API when set
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS origins besides localhost
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Format:      "v4l2",
			Width:       640,
			Height:      480,
			FPS:         30,
			Scale:       constants.FrameScale,
			ReadTimeout: 5 * time.Second,
			RetryDelay:  constants.ReadRetryDelay,
			MaxFailures: constants.MaxReadFailures,
		},
		Recognition: RecognitionConfig{
			MaxFaceDistance:    constants.MaxFaceDistance,
			Metric:             MetricEuclidean,
			FrameSkip:          constants.FrameSkip,
			RequiredDetections: constants.RequiredDetections,
			DetectionWindow:    constants.DetectionWindow,
			ScanInterval:       constants.ScanInterval,
			BufferCapacity:     constants.BufferCapacity,
			MatchDelay:         constants.MatchDelay,
		},
		Registry: RegistryConfig{
			FacesDir:    "known_faces",
			HNSWMinSize: constants.HNSWMinSize,
			Concurrency: constants.WorkerPoolSize,
		},
		Store: StoreConfig{
			Driver:       DriverSQLite,
			Path:         "face_attendance.db",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Remote: RemoteConfig{
			BaseURL: "https://gameocoder-backend.onrender.com",
			Timeout: 30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			URL:     "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
	}
}

// legacyFile is the flat face_config.json layout. Pointer fields distinguish
// "absent" from zero values.
type legacyFile struct {
	APIBaseURL      *string  `json:"api_base_url"`
	CameraIndex     *int     `json:"camera_index"`
	FacesDirectory  *string  `json:"faces_directory"`
	LocalDBPath     *string  `json:"local_db_path"`
	APITimeout      *int     `json:"api_timeout"` // seconds
	MaxFaceDistance *float64 `json:"max_face_distance"`
	FrameSkip       *int     `json:"frame_skip"`
}

func (l *legacyFile) apply(cfg *Config) {
	if l.APIBaseURL != nil {
		cfg.Remote.BaseURL = *l.APIBaseURL
	}
	if l.CameraIndex != nil {
		cfg.Camera.Index = *l.CameraIndex
	}
	if l.FacesDirectory != nil {
		cfg.Registry.FacesDir = *l.FacesDirectory
	}
	if l.LocalDBPath != nil {
		cfg.Store.Path = *l.LocalDBPath
	}
	if l.APITimeout != nil {
		cfg.Remote.Timeout = time.Duration(*l.APITimeout) * time.Second
	}
	if l.MaxFaceDistance != nil {
		cfg.Recognition.MaxFaceDistance = *l.MaxFaceDistance
	}
	if l.FrameSkip != nil {
		cfg.Recognition.FrameSkip = *l.FrameSkip
	}
}

// LoadFile overlays a config file onto cfg. YAML files use the nested layout,
// JSON and JSONC files use the flat face_config.json layout. Unknown keys are
// ignored in both.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator supplied
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		var lf legacyFile
		if err := json.Unmarshal(jsonc.ToJSON(data), &lf); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		lf.apply(cfg)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return nil
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a positive float from the environment.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

// envDuration reads a positive duration ("30m", "10s") from the environment.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList reads a comma-separated list, dropping empty items.
func envList(key string) []string {
	var items []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func applyEnv(cfg *Config) {
	cfg.Camera.Index = envInt("FACETRACK_CAMERA_INDEX", cfg.Camera.Index)
	cfg.Camera.Device = envString("FACETRACK_CAMERA_DEVICE", cfg.Camera.Device)
	cfg.Camera.SnapshotURL = envString("FACETRACK_SNAPSHOT_URL", cfg.Camera.SnapshotURL)
	cfg.Camera.Scale = envFloat("FACETRACK_CAMERA_SCALE", cfg.Camera.Scale)

	cfg.Recognition.MaxFaceDistance = envFloat("FACETRACK_MAX_FACE_DISTANCE", cfg.Recognition.MaxFaceDistance)
	cfg.Recognition.Metric = envString("FACETRACK_METRIC", cfg.Recognition.Metric)
	cfg.Recognition.FrameSkip = envInt("FACETRACK_FRAME_SKIP", cfg.Recognition.FrameSkip)
	cfg.Recognition.RequiredDetections = envInt("FACETRACK_REQUIRED_DETECTIONS", cfg.Recognition.RequiredDetections)
	cfg.Recognition.DetectionWindow = envDuration("FACETRACK_DETECTION_WINDOW", cfg.Recognition.DetectionWindow)
	cfg.Recognition.ScanInterval = envDuration("FACETRACK_SCAN_INTERVAL", cfg.Recognition.ScanInterval)

	cfg.Registry.FacesDir = envString("FACETRACK_FACES_DIR", cfg.Registry.FacesDir)

	cfg.Store.Driver = envString("FACETRACK_DB_DRIVER", cfg.Store.Driver)
	cfg.Store.Path = envString("FACETRACK_DB_PATH", cfg.Store.Path)
	cfg.Store.URL = envString("DATABASE_URL", cfg.Store.URL)
	cfg.Store.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", cfg.Store.MaxOpenConns)
	cfg.Store.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", cfg.Store.MaxIdleConns)

	cfg.Remote.BaseURL = envString("FACETRACK_API_BASE_URL", cfg.Remote.BaseURL)
	cfg.Remote.Token = envString("FACETRACK_API_TOKEN", cfg.Remote.Token)
	cfg.Remote.Timeout = envDuration("FACETRACK_API_TIMEOUT", cfg.Remote.Timeout)

	cfg.Embedding.URL = envString("EMBEDDING_URL", cfg.Embedding.URL)

	cfg.Web.Host = envString("WEB_HOST", cfg.Web.Host)
	cfg.Web.Port = envInt("WEB_PORT", cfg.Web.Port)
	cfg.Web.Token = envString("WEB_API_TOKEN", cfg.Web.Token)
	if origins := envList("WEB_ALLOWED_ORIGINS"); len(origins) > 0 {
		cfg.Web.AllowedOrigins = origins
	}
}

// Load builds the configuration from defaults, the optional config file and
// the environment, in that order of precedence, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("FACETRACK_CONFIG")
	}
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	r := c.Recognition
	if r.MaxFaceDistance <= 0 || r.MaxFaceDistance > 1 {
		errs = append(errs, fmt.Errorf("max_face_distance must be in (0, 1], got %v", r.MaxFaceDistance))
	}
	if r.Metric != MetricEuclidean && r.Metric != MetricCosine {
		errs = append(errs, fmt.Errorf("unknown distance metric %q", r.Metric))
	}
	if r.FrameSkip <= 0 {
		errs = append(errs, errors.New("frame_skip must be positive"))
	}
	if r.RequiredDetections <= 0 {
		errs = append(errs, errors.New("required_detections must be positive"))
	}
	if r.DetectionWindow <= 0 {
		errs = append(errs, errors.New("detection_window must be positive"))
	}
	if r.ScanInterval <= 0 {
		errs = append(errs, errors.New("scan_interval must be positive"))
	}
	if r.BufferCapacity <= 0 {
		errs = append(errs, errors.New("buffer_capacity must be positive"))
	}
	if c.Camera.Scale <= 0 || c.Camera.Scale > 1 {
		errs = append(errs, fmt.Errorf("camera scale must be in (0, 1], got %v", c.Camera.Scale))
	}
	if c.Camera.MaxFailures <= 0 {
		errs = append(errs, errors.New("camera max_failures must be positive"))
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("sqlite store requires a path"))
		}
	case DriverPostgres:
		if c.Store.URL == "" {
			errs = append(errs, errors.New("postgres store requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	return errors.Join(errs...)
}
