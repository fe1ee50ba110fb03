// Package config defines the flat, environment-overridable set of
// named options the engine runs with, parsed the way cmd/ingester
// parses its own Config: grouped structs tagged for
// github.com/jessevdk/go-flags.
package config

import "time"

const DefaultOCRPrompt = "Transcribe all text visible in this page image exactly as written, preserving line breaks. Do not add commentary."

// Config is the top-level configuration object of the engine.
type Config struct {
	Server struct {
		Addr string `long:"addr" env:"ADDR" default:":8080" description:"HTTP listen address"`
	} `group:"Server" namespace:"server" env-namespace:"SERVER"`

	OCR struct {
		BaseURL        string        `long:"base-url" env:"BASE_URL" default:"http://localhost:11434" description:"OCR vision service base URL"`
		Model          string        `long:"model" env:"MODEL" default:"llama3.2-vision" description:"OCR model name"`
		Timeout        time.Duration `long:"timeout" env:"TIMEOUT" default:"120s" description:"Per-OCR-attempt timeout"`
		Retries        int           `long:"retries" env:"RETRIES" default:"3" description:"Maximum OCR attempts per page"`
		DefaultPrompt  string        `long:"default-prompt" env:"DEFAULT_PROMPT" default:"" description:"Default OCR instruction when a job sets none"`
		CacheSize      int           `long:"cache-size" env:"CACHE_SIZE" default:"512" description:"Max entries in the content-hash OCR response cache"`
	} `group:"OCR" namespace:"ocr" env-namespace:"OCR"`

	Render struct {
		DPI          float64 `long:"dpi" env:"DPI" default:"200" description:"Rasterization resolution"`
		JPEGQuality  int     `long:"jpeg-quality" env:"JPEG_QUALITY" default:"85" description:"JPEG compression quality"`
		MaxDimension int     `long:"max-dimension" env:"MAX_DIMENSION" default:"2000" description:"Downscale cap on the longest output dimension, 0 disables"`
	} `group:"Render" namespace:"render" env-namespace:"RENDER"`

	Pipeline struct {
		Workers         int `long:"workers" env:"WORKERS" default:"2" description:"Concurrent OCR workers per job"`
		QueueCapacity   int `long:"queue-capacity" env:"QUEUE_CAPACITY" default:"8" description:"Bounded rendered-page queue capacity"`
		PagesPerChapter int `long:"pages-per-chapter" env:"PAGES_PER_CHAPTER" default:"10" description:"Pages grouped per EPUB chapter"`
	} `group:"Pipeline" namespace:"pipeline" env-namespace:"PIPELINE"`

	Storage struct {
		DataDir         string        `long:"data-dir" env:"DATA_DIR" default:"./data" description:"Root directory for job data"`
		JobTTL          time.Duration `long:"job-ttl" env:"JOB_TTL" default:"72h" description:"Age after which terminal jobs are deleted"`
		PDFTTL          time.Duration `long:"pdf-ttl" env:"PDF_TTL" default:"2h" description:"Age after which a job's source PDF is deleted"`
		RingBufferSize  int           `long:"ring-buffer-size" env:"RING_BUFFER_SIZE" default:"200" description:"Per-job event history size"`
		CleanupInterval time.Duration `long:"cleanup-interval" env:"CLEANUP_INTERVAL" default:"10m" description:"Interval between cleanup sweeps"`
	} `group:"Storage" namespace:"storage" env-namespace:"STORAGE"`
}

// EffectiveOCRPrompt returns cfg's configured default prompt, falling
// back to the package default when unset.
func (c *Config) EffectiveOCRPrompt() string {
	if c.OCR.DefaultPrompt != "" {
		return c.OCR.DefaultPrompt
	}
	return DefaultOCRPrompt
}

// Default returns a Config populated with the same defaults go-flags
// would apply, for use in tests and as a fallback when no flags are
// parsed.
func Default() *Config {
	var c Config
	c.Server.Addr = ":8080"
	c.OCR.BaseURL = "http://localhost:11434"
	c.OCR.Model = "llama3.2-vision"
	c.OCR.Timeout = 120 * time.Second
	c.OCR.Retries = 3
	c.OCR.CacheSize = 512
	c.Render.DPI = 200
	c.Render.JPEGQuality = 85
	c.Render.MaxDimension = 2000
	c.Pipeline.Workers = 2
	c.Pipeline.QueueCapacity = 8
	c.Pipeline.PagesPerChapter = 10
	c.Storage.DataDir = "./data"
	c.Storage.JobTTL = 72 * time.Hour
	c.Storage.PDFTTL = 2 * time.Hour
	c.Storage.RingBufferSize = 200
	c.Storage.CleanupInterval = 10 * time.Minute
	return &c
}
