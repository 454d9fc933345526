package runconfig

import "time"

// Options is the typed view of a Config produced by Config.Options.
type Options struct {
	Input          string              `mapstructure:"input"`
	Output         OutputOptions       `mapstructure:"output"`
	Workers        int                 `mapstructure:"workers"`
	QueueSize      int                 `mapstructure:"queue_size"`
	TaskTimeout    time.Duration       `mapstructure:"task_timeout"`
	ShutdownGrace  time.Duration       `mapstructure:"shutdown_grace"`
	MinLength      int                 `mapstructure:"minlength"`
	Taxon          string              `mapstructure:"taxon"`
	GeneFinding    GeneFindingOptions  `mapstructure:"genefinding"`
	Detection      DetectionOptions    `mapstructure:"detection"`
	HMMDetection   HMMDetectionOptions `mapstructure:"hmmdetection"`
	Sideload       []string            `mapstructure:"sideload"`
	SideloadSimple string              `mapstructure:"sideload_simple"`
	LimitToRecord  string              `mapstructure:"limit_to_record"`
	RateLimit      float64             `mapstructure:"rate_limit"`
	Store          StoreOptions        `mapstructure:"store"`
	S3             S3Options           `mapstructure:"s3"`
	Logging        LoggingOptions      `mapstructure:"logging"`
}

// OutputOptions configures report output.
type OutputOptions struct {
	Destination string `mapstructure:"destination"`
}

// GeneFindingOptions configures the gene finding stage.
type GeneFindingOptions struct {
	Tool       string   `mapstructure:"tool"`
	Executable string   `mapstructure:"executable"`
	Args       []string `mapstructure:"args"`
	GFF3       string   `mapstructure:"gff3"`
}

// DetectionOptions configures the external region detector.
type DetectionOptions struct {
	Executable string   `mapstructure:"executable"`
	Args       []string `mapstructure:"args"`
}

// HMMDetectionOptions is passed through to the detector.
type HMMDetectionOptions struct {
	Strictness string `mapstructure:"strictness"`
}

// StoreOptions configures the result store.
type StoreOptions struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// S3Options configures s3:// input access.
type S3Options struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Profile  string `mapstructure:"profile"`
}

// LoggingOptions configures logging.
type LoggingOptions struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}
