package runconfig

import "time"

// Kind identifies the value type of an option.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
	KindFloat
	KindDuration
	KindStrings
)

// String returns the kind name used in error messages.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDuration:
		return "duration"
	case KindStrings:
		return "string list"
	default:
		return "unknown"
	}
}

// Option describes a single configuration key.
//
// The option table is closed: Build rejects keys that are not described here.
type Option struct {
	// Key is the dotted option name (e.g., "genefinding.tool").
	Key string

	// Kind is the value type values are coerced to.
	Kind Kind

	// Default is applied when the option is absent. Nil means no value.
	Default any

	// Required options must be present and non-empty.
	Required bool

	// Enum restricts string values to the listed choices.
	Enum []string

	// Min is the inclusive lower bound for numeric and duration values.
	// Only checked when HasMin is set.
	Min    float64
	HasMin bool

	// Secret options are left out of RedactedJSON.
	Secret bool

	// Description is shown by the CLI.
	Description string
}

// Option keys.
const (
	KeyInput             = "input"
	KeyOutputDestination = "output.destination"
	KeyWorkers           = "workers"
	KeyQueueSize         = "queue_size"
	KeyTaskTimeout       = "task_timeout"
	KeyShutdownGrace     = "shutdown_grace"
	KeyMinLength         = "minlength"
	KeyTaxon             = "taxon"
	KeyGeneFindingTool   = "genefinding.tool"
	KeyGeneFindingExec   = "genefinding.executable"
	KeyGeneFindingArgs   = "genefinding.args"
	KeyGeneFindingGFF3   = "genefinding.gff3"
	KeyDetectionExec     = "detection.executable"
	KeyDetectionArgs     = "detection.args"
	KeyStrictness        = "hmmdetection.strictness"
	KeySideload          = "sideload"
	KeySideloadSimple    = "sideload_simple"
	KeyLimitToRecord     = "limit_to_record"
	KeyRateLimit         = "rate_limit"
	KeyStorePath         = "store.path"
	KeyStoreURL          = "store.url"
	KeyStoreAuthToken    = "store.auth_token"
	KeyS3Region          = "s3.region"
	KeyS3Endpoint        = "s3.endpoint"
	KeyS3Profile         = "s3.profile"
	KeyLoggingLevel      = "logging.level"
	KeyLoggingFile       = "logging.file"
)

// Gene finding tools.
const (
	ToolNone       = "none"
	ToolProdigal   = "prodigal"
	ToolGlimmerHMM = "glimmerhmm"
	ToolExternal   = "external"
)

// Taxa.
const (
	TaxonBacteria = "bacteria"
	TaxonFungi    = "fungi"
)

var descriptors = []Option{
	{Key: KeyInput, Kind: KindString, Required: true, Description: "Input FASTA path or URI (- for stdin)"},
	{Key: KeyOutputDestination, Kind: KindString, Default: "stdout", Description: "Report destination (stdout or file path)"},
	{Key: KeyWorkers, Kind: KindInt, Default: int64(0), Min: 0, HasMin: true, Description: "Worker count (0 = number of CPUs)"},
	{Key: KeyQueueSize, Kind: KindInt, Default: int64(0), Min: 0, HasMin: true, Description: "Pool queue capacity (0 = 2x workers)"},
	{Key: KeyTaskTimeout, Kind: KindDuration, Default: time.Duration(0), Min: 0, HasMin: true, Description: "Per-record analysis timeout (0 = none)"},
	{Key: KeyShutdownGrace, Kind: KindDuration, Default: 10 * time.Second, Min: 0, HasMin: true, Description: "Grace period for in-flight tasks on abort"},
	{Key: KeyMinLength, Kind: KindInt, Default: int64(1000), Min: 0, HasMin: true, Description: "Records shorter than this are not analysed"},
	{Key: KeyTaxon, Kind: KindString, Default: TaxonBacteria, Enum: []string{TaxonBacteria, TaxonFungi}, Description: "Taxonomic classification of input"},
	{Key: KeyGeneFindingTool, Kind: KindString, Default: ToolNone, Enum: []string{ToolNone, ToolProdigal, ToolGlimmerHMM, ToolExternal}, Description: "Gene finding tool"},
	{Key: KeyGeneFindingExec, Kind: KindString, Description: "Gene finding executable"},
	{Key: KeyGeneFindingArgs, Kind: KindStrings, Description: "Extra gene finding arguments"},
	{Key: KeyGeneFindingGFF3, Kind: KindString, Description: "GFF3 file with pre-called genes"},
	{Key: KeyDetectionExec, Kind: KindString, Description: "Region detection executable"},
	{Key: KeyDetectionArgs, Kind: KindStrings, Description: "Extra region detection arguments"},
	{Key: KeyStrictness, Kind: KindString, Default: "relaxed", Enum: []string{"strict", "relaxed", "loose"}, Description: "Detection strictness passed to the detector"},
	{Key: KeySideload, Kind: KindStrings, Description: "Sideload annotation documents"},
	{Key: KeySideloadSimple, Kind: KindString, Description: "Sideload a single subregion (ACCESSION:START-END)"},
	{Key: KeyLimitToRecord, Kind: KindString, Description: "Only analyse records whose id matches this glob"},
	{Key: KeyRateLimit, Kind: KindFloat, Default: float64(0), Min: 0, HasMin: true, Description: "Maximum task starts per second (0 = unlimited)"},
	{Key: KeyStorePath, Kind: KindString, Description: "Result store path"},
	{Key: KeyStoreURL, Kind: KindString, Description: "Result store libsql URL"},
	{Key: KeyStoreAuthToken, Kind: KindString, Secret: true, Description: "Result store auth token"},
	{Key: KeyS3Region, Kind: KindString, Description: "S3 region for s3:// inputs"},
	{Key: KeyS3Endpoint, Kind: KindString, Description: "S3-compatible endpoint for s3:// inputs"},
	{Key: KeyS3Profile, Kind: KindString, Description: "AWS profile for s3:// inputs"},
	{Key: KeyLoggingLevel, Kind: KindString, Default: "info", Enum: []string{"debug", "info", "warn", "error"}, Description: "Log level"},
	{Key: KeyLoggingFile, Kind: KindString, Description: "Rotating log file path"},
}

// Descriptors returns a copy of the option table.
func Descriptors() []Option {
	out := make([]Option, len(descriptors))
	copy(out, descriptors)
	return out
}

func lookup(key string) (Option, bool) {
	for _, opt := range descriptors {
		if opt.Key == key {
			return opt, true
		}
	}
	return Option{}, false
}
