package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Detector     DetectorConfig     `json:"detector"`
	Segmentation SegmentationConfig `json:"segmentation"`
	Pipeline     PipelineConfig     `json:"pipeline"`
	Importer     ImporterConfig     `json:"importer"`
	Output       OutputConfig       `json:"output"`
	Azure        AzureConfig        `json:"azure"`
	Server       ServerConfig       `json:"server"`
	Schedule     string             `json:"schedule"`
	LogLevel     string             `json:"log_level"`
}

// DetectorConfig selects and tunes the animal detector backend
type DetectorConfig struct {
	Backend       string        `json:"backend"` // ollama, llamacpp, onnx or saliency
	URL           string        `json:"url"`
	Model         string        `json:"model"`
	Timeout       time.Duration `json:"timeout"`
	MinConfidence float64       `json:"min_confidence"`
	ONNXModel     string        `json:"onnx_model"`
	ONNXMetadata  string        `json:"onnx_metadata"`
	ONNXLibrary   string        `json:"onnx_library"`
}

// SegmentationConfig selects the foreground matte source
type SegmentationConfig struct {
	Matter      string `json:"matter"` // alpha, background or rembg
	RembgURL    string `json:"rembg_url"`
	WorkingSize int    `json:"working_size"`
	Threshold   uint8  `json:"threshold"`
}

// PipelineConfig holds per-photo sticker options
type PipelineConfig struct {
	DrawContour      bool    `json:"draw_contour"`
	ContourWidth     float64 `json:"contour_width"`
	CropPadding      float64 `json:"crop_padding"`
	FlipFormula      string  `json:"flip_formula"` // max_y or min_y
	AlphaCrop        bool    `json:"alpha_crop"`
	CompressionLevel int     `json:"compression_level"`
}

// ImporterConfig holds batch import options
type ImporterConfig struct {
	Source          string  `json:"source"` // dir or azure
	SourceDir       string  `json:"source_dir"`
	GroupSize       int     `json:"group_size"`
	Concurrency     int     `json:"concurrency"`
	TargetWidth     int     `json:"target_width"`
	TargetHeight    int     `json:"target_height"`
	MinQualityRatio float64 `json:"min_quality_ratio"`
	Limit           int     `json:"limit"`
}

// OutputConfig holds configuration for sticker storage
type OutputConfig struct {
	Store     string `json:"store"`  // dir, memory or azure
	Format    string `json:"format"` // png or webp
	OutputDir string `json:"output_dir"`
}

// AzureConfig holds blob storage credentials
type AzureConfig struct {
	AccountName     string `json:"account_name"`
	AccountKey      string `json:"account_key"`
	SourceContainer string `json:"source_container"`
	OutputContainer string `json:"output_container"`
}

// ServerConfig holds HTTP server options
type ServerConfig struct {
	Host               string        `json:"host"`
	Port               string        `json:"port"`
	RequestTimeout     time.Duration `json:"request_timeout"`
	MaxRequestBodySize int64         `json:"max_request_body_size"`
}

// Address returns host:port
func (s ServerConfig) Address() string {
	return net.JoinHostPort(strings.TrimSpace(s.Host), strings.TrimSpace(s.Port))
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Detector: DetectorConfig{
			Backend:       "ollama",
			URL:           "http://localhost:11434",
			Model:         "qwen2.5vl:7b",
			Timeout:       60 * time.Second,
			MinConfidence: 0.3,
		},
		Segmentation: SegmentationConfig{
			Matter:      "background",
			RembgURL:    "http://localhost:7000",
			WorkingSize: 512,
			Threshold:   8,
		},
		Pipeline: PipelineConfig{
			ContourWidth:     5,
			FlipFormula:      "max_y",
			CompressionLevel: 0,
		},
		Importer: ImporterConfig{
			Source:          "dir",
			SourceDir:       "./photos",
			GroupSize:       30,
			Concurrency:     4,
			TargetWidth:     750,
			TargetHeight:    750,
			MinQualityRatio: 0.5,
			Limit:           2000,
		},
		Output: OutputConfig{
			Store:     "dir",
			Format:    "png",
			OutputDir: "./stickers",
		},
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               "8080",
			RequestTimeout:     120 * time.Second,
			MaxRequestBodySize: 20 * 1024 * 1024,
		},
		Schedule: "@daily",
		LogLevel: "info",
	}
}

// LoadFromFile loads configuration from a JSON file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv() {
	c.Detector.Backend = getEnvOrDefault("DETECTOR_BACKEND", c.Detector.Backend)
	c.Detector.URL = getEnvOrDefault("DETECTOR_URL", c.Detector.URL)
	c.Detector.Model = getEnvOrDefault("DETECTOR_MODEL", c.Detector.Model)
	c.Detector.Timeout = parseDurationOrDefault("DETECTOR_TIMEOUT", c.Detector.Timeout)
	c.Detector.MinConfidence = parseFloatOrDefault("DETECTOR_MIN_CONFIDENCE", c.Detector.MinConfidence)
	c.Detector.ONNXModel = getEnvOrDefault("ONNX_MODEL", c.Detector.ONNXModel)
	c.Detector.ONNXMetadata = getEnvOrDefault("ONNX_METADATA", c.Detector.ONNXMetadata)
	c.Detector.ONNXLibrary = getEnvOrDefault("ONNXRUNTIME_LIB", c.Detector.ONNXLibrary)

	c.Segmentation.Matter = getEnvOrDefault("SEGMENTATION_MATTER", c.Segmentation.Matter)
	c.Segmentation.RembgURL = getEnvOrDefault("REMBG_URL", c.Segmentation.RembgURL)

	c.Pipeline.FlipFormula = getEnvOrDefault("CROP_FLIP_FORMULA", c.Pipeline.FlipFormula)
	c.Pipeline.CropPadding = parseFloatOrDefault("CROP_PADDING", c.Pipeline.CropPadding)

	c.Importer.GroupSize = int(parseIntOrDefault("IMPORT_GROUP_SIZE", int64(c.Importer.GroupSize)))
	c.Importer.Concurrency = int(parseIntOrDefault("IMPORT_CONCURRENCY", int64(c.Importer.Concurrency)))
	c.Importer.Limit = int(parseIntOrDefault("IMPORT_LIMIT", int64(c.Importer.Limit)))

	c.Output.Store = getEnvOrDefault("OUTPUT_STORE", c.Output.Store)
	c.Output.OutputDir = getEnvOrDefault("OUTPUT_DIR", c.Output.OutputDir)

	c.Azure.AccountName = getEnvOrDefault("AZURE_STORAGE_ACCOUNT", c.Azure.AccountName)
	c.Azure.AccountKey = getEnvOrDefault("AZURE_STORAGE_KEY", c.Azure.AccountKey)
	c.Azure.SourceContainer = getEnvOrDefault("AZURE_SOURCE_CONTAINER", c.Azure.SourceContainer)
	c.Azure.OutputContainer = getEnvOrDefault("AZURE_OUTPUT_CONTAINER", c.Azure.OutputContainer)

	c.Server.Host = getEnvOrDefault("HOST", c.Server.Host)
	c.Server.Port = getEnvOrDefault("PORT", c.Server.Port)
	c.Server.RequestTimeout = parseDurationOrDefault("REQUEST_TIMEOUT", c.Server.RequestTimeout)
	c.Server.MaxRequestBodySize = parseIntOrDefault("MAX_REQUEST_BODY_SIZE", c.Server.MaxRequestBodySize)

	c.Schedule = getEnvOrDefault("IMPORT_SCHEDULE", c.Schedule)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Detector.Backend {
	case "ollama", "llamacpp":
		if c.Detector.URL == "" {
			return fmt.Errorf("detector.url is required for the %s backend", c.Detector.Backend)
		}
	case "onnx":
		if c.Detector.ONNXModel == "" || c.Detector.ONNXMetadata == "" {
			return fmt.Errorf("detector.onnx_model and detector.onnx_metadata are required for the onnx backend")
		}
	case "saliency":
	default:
		return fmt.Errorf("detector.backend must be ollama, llamacpp, onnx or saliency, got %q", c.Detector.Backend)
	}

	if c.Detector.Timeout <= 0 {
		return fmt.Errorf("detector.timeout must be positive")
	}

	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		return fmt.Errorf("detector.min_confidence must be between 0 and 1")
	}

	switch c.Segmentation.Matter {
	case "alpha", "background":
	case "rembg":
		if c.Segmentation.RembgURL == "" {
			return fmt.Errorf("segmentation.rembg_url is required for the rembg matter")
		}
	default:
		return fmt.Errorf("segmentation.matter must be alpha, background or rembg, got %q", c.Segmentation.Matter)
	}

	if c.Segmentation.WorkingSize < 1 {
		return fmt.Errorf("segmentation.working_size must be positive")
	}

	if c.Pipeline.CropPadding < 0 {
		return fmt.Errorf("pipeline.crop_padding cannot be negative")
	}

	if c.Pipeline.FlipFormula != "max_y" && c.Pipeline.FlipFormula != "min_y" {
		return fmt.Errorf("pipeline.flip_formula must be max_y or min_y, got %q", c.Pipeline.FlipFormula)
	}

	if c.Pipeline.CompressionLevel < -3 || c.Pipeline.CompressionLevel > 0 {
		return fmt.Errorf("pipeline.compression_level must be between -3 and 0")
	}

	if c.Importer.GroupSize < 1 {
		return fmt.Errorf("importer.group_size must be positive")
	}

	if c.Importer.Concurrency < 1 {
		return fmt.Errorf("importer.concurrency must be positive")
	}

	if c.Importer.TargetWidth < 1 || c.Importer.TargetHeight < 1 {
		return fmt.Errorf("importer target size must be positive")
	}

	if c.Importer.MinQualityRatio < 0 || c.Importer.MinQualityRatio > 1 {
		return fmt.Errorf("importer.min_quality_ratio must be between 0 and 1")
	}

	if c.Importer.Limit < 0 {
		return fmt.Errorf("importer.limit cannot be negative")
	}

	if c.Output.Format != "png" && c.Output.Format != "webp" {
		return fmt.Errorf("output.format must be png or webp, got %q", c.Output.Format)
	}

	switch c.Output.Store {
	case "dir", "memory":
	case "azure":
		if c.Azure.AccountName == "" || c.Azure.AccountKey == "" || c.Azure.OutputContainer == "" {
			return fmt.Errorf("azure account, key and output container are required for the azure store")
		}
	default:
		return fmt.Errorf("output.store must be dir, memory or azure, got %q", c.Output.Store)
	}

	switch c.Importer.Source {
	case "dir":
	case "azure":
		if c.Azure.AccountName == "" || c.Azure.AccountKey == "" || c.Azure.SourceContainer == "" {
			return fmt.Errorf("azure account, key and source container are required for the azure source")
		}
	default:
		return fmt.Errorf("importer.source must be dir or azure, got %q", c.Importer.Source)
	}

	p, err := strconv.Atoi(strings.TrimSpace(c.Server.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid server.port: %q", c.Server.Port)
	}

	if c.Server.MaxRequestBodySize <= 0 {
		return fmt.Errorf("server.max_request_body_size must be > 0 (got %d)", c.Server.MaxRequestBodySize)
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "sticker-maker", "config.json")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func parseFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}
