package mlflowexporter

import (
	"errors"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

// Defaults and limits
const (
	DefaultPollIntervalSeconds = 15
	MinPollIntervalSeconds     = 5
	DefaultLookbackWindow      = 24 * time.Hour
	DefaultListenPort          = 9877
	DefaultPageSize            = 1000
	MaxPageSize                = 50000
	DefaultRequestTimeout      = 10 * time.Second
	DefaultSendBuffer          = 4
	DefaultMaxRetryCount       = 3
	DefaultRetryWait           = time.Second
	DefaultPushgatewayJob      = "mlflow_exporter"
	DefaultGraphitePort        = 2003
)

// Environment variables overriding the config file
const (
	EnvTrackingURI         = "MLFLOW_TRACKING_URI"
	EnvTrackingStoreURL    = "TRACKING_STORE_URL"
	EnvPollIntervalSeconds = "POLL_INTERVAL_SECONDS"
	EnvListenPort          = "LISTEN_PORT"
	EnvLookbackWindow      = "LOOKBACK_WINDOW"
)

// Config is configure struct
type Config struct {
	TrackingStoreURL    string          `yaml:"tracking_store_url" validate:"required,url"`
	PollIntervalSeconds int             `yaml:"poll_interval_seconds"`
	LookbackWindow      time.Duration   `yaml:"lookback_window"`
	ListenAddress       string          `yaml:"listen_address"`
	ListenPort          int             `yaml:"listen_port" validate:"min=1,max=65535"`
	MetricPrefix        string          `yaml:"metric_prefix"`
	ExportParams        bool            `yaml:"export_params"`
	ExperimentNames     []string        `yaml:"experiment_names" validate:"dive,required"`
	PageSize            int             `yaml:"page_size" validate:"min=1"`
	RequestTimeout      time.Duration   `yaml:"request_timeout"`
	RequestsPerSecond   float64         `yaml:"requests_per_second" validate:"gte=0"`
	LogFile             string          `yaml:"log_file"`
	Debug               bool            `yaml:"debug"`
	Exporters           ConfigExporters `yaml:"exporters"`
	Telemetry           ConfigTelemetry `yaml:"telemetry"`
}

// ConfigExporters lists the optional sinks every published snapshot is forwarded to.
type ConfigExporters struct {
	Graphite    *ConfigGraphite    `yaml:"graphite"`
	OtlpGrpc    *ConfigOtlpGrpc    `yaml:"otlp_grpc"`
	Pushgateway *ConfigPushgateway `yaml:"pushgateway"`
}

type ConfigGraphite struct {
	Host          string        `yaml:"host" validate:"required"`
	Port          int           `yaml:"port" validate:"min=1,max=65535"`
	Prefix        string        `yaml:"prefix"`
	SendBuffer    int           `yaml:"send_buffer"`
	MaxRetryCount int           `yaml:"max_retry_count"`
	RetryWait     time.Duration `yaml:"retry_wait"`
}

type ConfigOtlpGrpc struct {
	URL                string            `yaml:"url" validate:"required"`
	TLS                ConfigTLS         `yaml:"tls"`
	SendBuffer         int               `yaml:"send_buffer"`
	MaxRetryCount      int               `yaml:"max_retry_count"`
	RetryWait          time.Duration     `yaml:"retry_wait"`
	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

type ConfigPushgateway struct {
	URL        string        `yaml:"url" validate:"required,url"`
	Job        string        `yaml:"job"`
	Instance   string        `yaml:"instance"`
	SendBuffer int           `yaml:"send_buffer"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ConfigTelemetry struct {
	URL string    `yaml:"url"`
	TLS ConfigTLS `yaml:"tls"`
}

type ConfigTLS struct {
	Insecure             bool   `yaml:"insecure"`
	CACertificate        string `yaml:"ca_certificate"`
	ClientCertificate    string `yaml:"client_certificate"`
	ClientCertificateKey string `yaml:"client_certificate_key"`
}

// PollInterval returns poll_interval_seconds as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ListenAddr returns the address the scrape endpoint listens on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.ListenPort)
}

// DefaultConfig returns a Config with every optional value filled in.
func DefaultConfig() Config {
	return Config{
		PollIntervalSeconds: DefaultPollIntervalSeconds,
		LookbackWindow:      DefaultLookbackWindow,
		ListenPort:          DefaultListenPort,
		PageSize:            DefaultPageSize,
		RequestTimeout:      DefaultRequestTimeout,
	}
}

// ConfigLoad is loading yaml config.
// An empty file name loads defaults and environment variables only.
func ConfigLoad(file string) (Config, error) {
	conf := DefaultConfig()
	if file != "" {
		fd, err := os.Open(file)
		if err != nil {
			return conf, err
		}
		defer fd.Close()

		buf, err := ioutil.ReadAll(fd)
		if err != nil {
			return conf, err
		}
		if err := yaml.Unmarshal(buf, &conf); err != nil {
			return conf, fmt.Errorf("parse config %s: %w", file, err)
		}
	}
	if err := confEnv(&conf, os.LookupEnv); err != nil {
		return conf, err
	}
	confDefaults(&conf)
	if err := conf.Validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

func confEnv(conf *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvTrackingURI); ok && v != "" {
		conf.TrackingStoreURL = v
	}
	if v, ok := lookup(EnvTrackingStoreURL); ok && v != "" {
		conf.TrackingStoreURL = v
	}
	if v, ok := lookup(EnvPollIntervalSeconds); ok && v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q is not an integer", EnvPollIntervalSeconds, v)
		}
		conf.PollIntervalSeconds = i
	}
	if v, ok := lookup(EnvListenPort); ok && v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q is not an integer", EnvListenPort, v)
		}
		conf.ListenPort = i
	}
	if v, ok := lookup(EnvLookbackWindow); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s=%q is not a duration: %w", EnvLookbackWindow, v, err)
		}
		conf.LookbackWindow = d
	}
	return nil
}

func confDefaults(conf *Config) {
	conf.TrackingStoreURL = strings.TrimRight(conf.TrackingStoreURL, "/")
	if g := conf.Exporters.Graphite; g != nil {
		if g.Port == 0 {
			g.Port = DefaultGraphitePort
		}
		if g.SendBuffer == 0 {
			g.SendBuffer = DefaultSendBuffer
		}
		if g.MaxRetryCount == 0 {
			g.MaxRetryCount = DefaultMaxRetryCount
		}
		if g.RetryWait == 0 {
			g.RetryWait = DefaultRetryWait
		}
	}
	if o := conf.Exporters.OtlpGrpc; o != nil {
		if o.SendBuffer == 0 {
			o.SendBuffer = DefaultSendBuffer
		}
		if o.MaxRetryCount == 0 {
			o.MaxRetryCount = DefaultMaxRetryCount
		}
		if o.RetryWait == 0 {
			o.RetryWait = DefaultRetryWait
		}
	}
	if p := conf.Exporters.Pushgateway; p != nil {
		if p.Job == "" {
			p.Job = DefaultPushgatewayJob
		}
		if p.SendBuffer == 0 {
			p.SendBuffer = DefaultSendBuffer
		}
		if p.Timeout == 0 {
			p.Timeout = DefaultRequestTimeout
		}
		if p.Instance == "" {
			p.Instance, _ = os.Hostname()
		}
	}
}

var validate = validator.New()

// Validate reports the first problem that makes the configuration unusable.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config %s=%v: failed %q constraint", fe.Namespace(), fe.Value(), fe.Tag())
		}
		return err
	}

	u, err := url.Parse(c.TrackingStoreURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid config tracking_store_url=%q: must be an http(s) URL", c.TrackingStoreURL)
	}
	if c.PollIntervalSeconds < MinPollIntervalSeconds {
		return fmt.Errorf("invalid config poll_interval_seconds=%d: must be at least %d",
			c.PollIntervalSeconds, MinPollIntervalSeconds)
	}
	if c.LookbackWindow <= 0 {
		return fmt.Errorf("invalid config lookback_window=%s: must be positive", c.LookbackWindow)
	}
	if c.PageSize > MaxPageSize {
		return fmt.Errorf("invalid config page_size=%d: must be at most %d", c.PageSize, MaxPageSize)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid config request_timeout=%s: must be positive", c.RequestTimeout)
	}
	if c.Exporters.Pushgateway != nil && c.Exporters.Pushgateway.Instance == "" {
		return errors.New("invalid config exporters.pushgateway.instance: must not be empty")
	}
	return nil
}
