// Package config holds the proxy's runtime configuration. Values load
// from a TOML file with flag overrides applied in cmd/twiced; the
// defaults here mirror a stock twice.conf.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the running configuration.
type Config struct {
	Port      int    `toml:"port"`
	Interface string `toml:"interface"`
	Origin    string `toml:"backend_webserver"` // host or host:port

	CacheType    string   `toml:"cache_type"` // internal, memcache, redis, leveldb, null
	CacheServers []string `toml:"cache_server"`
	LevelDBPath  string   `toml:"leveldb_path"`

	BackendMemcache []string `toml:"backend_memcache"`
	BackendViewdb   []string `toml:"backend_viewdb"`
	DatabaseDSN     string   `toml:"backend_database"`

	PurgeHeader        string `toml:"purge_header"`
	CacheHeader        string `toml:"cache_header"`
	CookiesHeader      string `toml:"cookies_header"`
	ABDependencyHeader string `toml:"abdependency_header"`
	ABValueHeader      string `toml:"abvalue_header"`
	TwiceHeader        string `toml:"twice_header"`

	SessionCookie string `toml:"session_cookie"`
	ABCookie      string `toml:"ab_cookie"`
	NewABCookie   string `toml:"new_ab_cookie"`

	TemplateRegex string `toml:"template_regex"`

	RewriteHost     string `toml:"rewrite_host"`
	DefaultHost     string `toml:"default_host"`
	BaseHost        string `toml:"base_host"`
	HashLang        bool   `toml:"hash_lang_header"`
	HashLangDefault string `toml:"hash_lang_default"`

	UniquesFile string `toml:"uniques_file"`

	MailServer string `toml:"mail_server"`
	MailFrom   string `toml:"mail_from"`
	MailTo     string `toml:"mail_to"`

	LogFile string `toml:"log"`
	Verbose bool   `toml:"verbose"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Port:               9090,
		Origin:             "localhost:8080",
		CacheType:          "internal",
		PurgeHeader:        "x-twice-purge",
		CacheHeader:        "x-twice-control",
		CookiesHeader:      "x-twice-cookies",
		ABDependencyHeader: "x-twice-ab-dependencies",
		ABValueHeader:      "x-twice-ab-values",
		TwiceHeader:        "x-twice",
		SessionCookie:      "session",
		ABCookie:           "ab_id",
		NewABCookie:        "ab_id_new",
		TemplateRegex:      `<&(.+?)&>`,
		DefaultHost:        "www",
		BaseHost:           "example.com",
		HashLangDefault:    "en-us",
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}
