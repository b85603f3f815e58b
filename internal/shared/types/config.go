package types

// Config is the bootstrap behavior configuration, mapped from vergecore.ini.
// Everything that is hot-tunable at runtime lives in settings instead.
type Config struct {
	AppConf    AppConf    `ini:"app"`
	EngineConf EngineConf `ini:"engine"`
	WebConf    WebConf    `ini:"web"`
	LogConf    LogConf    `ini:"log"`
}

// AppConf holds paths and global switches.
type AppConf struct {
	// HomeDir is the application home directory. Profiles, the runtime
	// file and sidecar logs all live below it.
	HomeDir string `ini:"home_dir"`
}

// EngineConf describes the external proxy engine.
type EngineConf struct {
	// Core is the engine flavor in use: "verge-mihomo" or "verge-mihomo-alpha".
	Core string `ini:"core"`
	// BinDir is the directory containing the engine binaries.
	BinDir string `ini:"bin_dir"`
	// MixedPort is the engine's local mixed inbound port, used for
	// self-proxied subscription retries.
	MixedPort int `ini:"mixed_port"`
	// ServiceEndpoint is the base URL of the privileged helper service.
	// Empty disables service mode and the engine always runs as a child.
	ServiceEndpoint string `ini:"service_endpoint"`
}

// WebConf configures the local control API and websocket hub.
type WebConf struct {
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// LogConf contains logging specific configuration.
type LogConf struct {
	Level string `ini:"level"`
}

// CoreNames lists the engine flavors the supervisor accepts.
var CoreNames = []string{"verge-mihomo", "verge-mihomo-alpha"}

// ValidCoreName reports whether name is a known engine flavor.
func ValidCoreName(name string) bool {
	for _, n := range CoreNames {
		if n == name {
			return true
		}
	}
	return false
}
