package providers

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Fleet struct {
		Prefix      string `yaml:"prefix"`
		Plan        string `yaml:"plan"`
		Region      string `yaml:"region"`
		ImageMarker string `yaml:"image_marker"`
		Credential  string `yaml:"credential"`
		KeyFile     string `yaml:"key_file"`
	} `yaml:"fleet"`
	Providers struct {
		Default string `yaml:"default"`
		Hetzner struct {
			Token    string `yaml:"token"`
			Location string `yaml:"location"`
		} `yaml:"hetzner"`
		DigitalOcean struct {
			Token  string `yaml:"token"`
			Region string `yaml:"region"`
		} `yaml:"digitalocean"`
		Vultr struct {
			Token  string `yaml:"token"`
			Region string `yaml:"region"`
		} `yaml:"vultr"`
		LocalSSH struct {
			Hosts []struct {
				Name string `yaml:"name"`
				IP   string `yaml:"ip"`
			} `yaml:"hosts"`
		} `yaml:"localssh"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
	} `yaml:"providers"`
	SSH struct {
		User       string `yaml:"user"`
		Port       int    `yaml:"port"`
		KeyPath    string `yaml:"key_path"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	Defaults struct {
		PoolSize           int     `yaml:"pool_size"`
		TimeoutSeconds     int     `yaml:"timeout_seconds"`
		PauseSeconds       float64 `yaml:"pause_seconds"`
		CacheTTLSeconds    int     `yaml:"cache_ttl_seconds"`
		CacheSize          int     `yaml:"cache_size"`
		HostnameOnCreation bool    `yaml:"hostname_on_creation"`
		Retries            int     `yaml:"retries"`
		VerifyDownloads    bool    `yaml:"verify_downloads"`
	} `yaml:"defaults"`
	Commands struct {
		Workdir        string `yaml:"workdir"`
		Deploy         string `yaml:"deploy"`
		Start          string `yaml:"start"`
		Stop           string `yaml:"stop"`
		Record         string `yaml:"record"`
		StopRecord     string `yaml:"stop_record"`
		Combine        string `yaml:"combine"`
		Count          string `yaml:"count"`
		RecordingsDir  string `yaml:"recordings_dir"`
		CombinedName   string `yaml:"combined_name"`
		DownloadTarget string `yaml:"download_target"`
	} `yaml:"commands"`
	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
}

// ApplyDefaults fills every unset field that has a sensible default.
func (c *Config) ApplyDefaults() {
	if c.Fleet.Prefix == "" {
		c.Fleet.Prefix = "synthetic-bot"
	}
	if c.Fleet.ImageMarker == "" {
		c.Fleet.ImageMarker = "synthetic"
	}
	if c.Fleet.KeyFile == "" {
		c.Fleet.KeyFile = "key.txt"
	}
	if c.Providers.Default == "" {
		c.Providers.Default = "hetzner"
	}
	if c.Providers.RequestsPerSecond <= 0 {
		c.Providers.RequestsPerSecond = 5
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.Defaults.PoolSize <= 0 {
		c.Defaults.PoolSize = 100
	}
	if c.Defaults.TimeoutSeconds <= 0 {
		c.Defaults.TimeoutSeconds = 15
	}
	if c.Defaults.CacheSize <= 0 {
		c.Defaults.CacheSize = 16
	}
	cmds := &c.Commands
	if cmds.Workdir == "" {
		cmds.Workdir = "bot"
	}
	if cmds.Deploy == "" {
		cmds.Deploy = "cd {{.Workdir}};git pull"
	}
	if cmds.Start == "" {
		cmds.Start = "cd {{.Workdir}}; echo '{{.Key}}' > key.txt; ./joinzoom; DISPLAY=:1 pm2 start ad_clicker.js"
	}
	if cmds.Stop == "" {
		cmds.Stop = "pm2 stop ad_clicker; killall zoom; killall node"
	}
	if cmds.Record == "" {
		cmds.Record = "cd {{.Workdir}}; mkdir -p {{.RecordingsDir}}; echo '{{.Key}}' > key.txt; DISPLAY=:1 pm2 start ad_clicker_record.js"
	}
	if cmds.StopRecord == "" {
		cmds.StopRecord = "pm2 stop ad_clicker_record; killall ffmpeg"
	}
	if cmds.RecordingsDir == "" {
		cmds.RecordingsDir = "recordings"
	}
	if cmds.CombinedName == "" {
		cmds.CombinedName = "combined.mkv"
	}
	if cmds.Combine == "" {
		cmds.Combine = "cd {{.Workdir}}/{{.RecordingsDir}}; rm -f {{.CombinedName}} list.txt; for f in $(ls *.mkv | sort); do echo \"file '$f'\" >> list.txt; done; ffmpeg -y -f concat -safe 0 -i list.txt -c copy {{.CombinedName}}"
	}
	if cmds.Count == "" {
		cmds.Count = "ls {{.Workdir}}/{{.RecordingsDir}}/*.mkv 2>/dev/null | grep -v {{.CombinedName}} | wc -l"
	}
	if cmds.DownloadTarget == "" {
		cmds.DownloadTarget = "recordings/{host}.mkv"
	}
}

// Token returns the API token configured for the named provider.
func (c *Config) Token(provider string) string {
	switch provider {
	case "hetzner":
		return c.Providers.Hetzner.Token
	case "digitalocean":
		return c.Providers.DigitalOcean.Token
	case "vultr":
		return c.Providers.Vultr.Token
	}
	return ""
}

// Validate reports every missing required setting for the selected provider.
func (c *Config) Validate() error {
	var errs []error
	if c.Fleet.Prefix == "" {
		errs = append(errs, errors.New("fleet prefix missing; set fleet.prefix or SYN_PREFIX"))
	}
	if c.SSH.User == "" {
		errs = append(errs, errors.New("ssh user missing; set ssh.user or SYN_USER"))
	}
	switch c.Providers.Default {
	case "localssh":
	case "hetzner", "digitalocean", "vultr":
		if c.Token(c.Providers.Default) == "" {
			errs = append(errs, fmt.Errorf("%s token missing; set providers.%s.token or %s", c.Providers.Default, c.Providers.Default, TokenEnv(c.Providers.Default)))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Providers.Default))
	}
	return errors.Join(errs...)
}

// TokenEnv names the environment variable that carries the provider token.
func TokenEnv(provider string) string {
	switch provider {
	case "hetzner":
		return "HCLOUD_TOKEN"
	case "digitalocean":
		return "DIGITALOCEAN_ACCESS_TOKEN"
	case "vultr":
		return "VULTR_API_KEY"
	}
	return ""
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Defaults.TimeoutSeconds) * time.Second
}

func (c *Config) Pause() time.Duration {
	return time.Duration(c.Defaults.PauseSeconds * float64(time.Second))
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Defaults.CacheTTLSeconds) * time.Second
}
