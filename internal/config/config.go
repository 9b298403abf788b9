package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/psst-go/corestream/internal/platform"
)

type Config struct {
	Debug bool `mapstructure:"debug"`

	Network struct {
		APResolveURL   string `mapstructure:"ap_resolve_url"`
		SocksProxy     string `mapstructure:"socks_proxy"`
		DeviceID       string `mapstructure:"device_id"`
		ClientID       string `mapstructure:"client_id"`
		ConnectTimeout int    `mapstructure:"connect_timeout"`
		IOTimeout      int    `mapstructure:"io_timeout"`
		RateLimit      struct {
			RequestsPerSecond int `mapstructure:"requests_per_second"`
			BurstSize         int `mapstructure:"burst_size"`
		} `mapstructure:"rate_limit"`
		Retries int `mapstructure:"retries"`
	} `mapstructure:"network"`

	Storage struct {
		CacheDir            string `mapstructure:"cache_dir"`
		CredentialStorePath string `mapstructure:"credential_store_path"`
		MaxCacheSize        int64  `mapstructure:"max_cache_size"`
	} `mapstructure:"storage"`

	Audio struct {
		SampleRate    int     `mapstructure:"sample_rate"`
		RingSize      int     `mapstructure:"ring_size"`
		DefaultVolume float64 `mapstructure:"default_volume"`
		Bitrate       int     `mapstructure:"bitrate"`
		PregainDb     float64 `mapstructure:"pregain_db"`
	} `mapstructure:"audio"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		configDir, err := platform.GetConfigDir()
		if err != nil {
			return nil, err
		}
		viper.AddConfigPath(configDir)
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("CORESTREAM")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := ensureDirectories(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("debug", false)

	viper.SetDefault("network.ap_resolve_url", "http://apresolve.spotify.com")
	viper.SetDefault("network.socks_proxy", "")
	viper.SetDefault("network.device_id", "")
	viper.SetDefault("network.client_id", "")
	viper.SetDefault("network.connect_timeout", 10)
	viper.SetDefault("network.io_timeout", 10)
	viper.SetDefault("network.rate_limit.requests_per_second", 8)
	viper.SetDefault("network.rate_limit.burst_size", 4)
	viper.SetDefault("network.retries", 3)

	dataDir, _ := platform.GetDataDir()
	cacheDir, _ := platform.GetCacheDir()

	viper.SetDefault("storage.cache_dir", cacheDir)
	viper.SetDefault("storage.credential_store_path", filepath.Join(dataDir, "credentials.db"))
	viper.SetDefault("storage.max_cache_size", 1024*1024*1024)

	viper.SetDefault("audio.sample_rate", 44100)
	viper.SetDefault("audio.ring_size", getDefaultRingSize())
	viper.SetDefault("audio.default_volume", 0.7)
	viper.SetDefault("audio.bitrate", 160)
	viper.SetDefault("audio.pregain_db", 0.0)
}

func getDefaultRingSize() int {
	switch runtime.GOOS {
	case "windows", "darwin":
		return 32 * 1024
	default:
		return 64 * 1024
	}
}

func ensureDirectories(cfg *Config) error {
	dirs := []string{
		cfg.Storage.CacheDir,
		filepath.Dir(cfg.Storage.CredentialStorePath),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) Save() error {
	configDir, err := platform.GetConfigDir()
	if err != nil {
		return err
	}

	configFile := filepath.Join(configDir, "config.yaml")
	return viper.WriteConfigAs(configFile)
}
